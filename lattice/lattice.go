// Package lattice describes the accelerator model the orbit correction code
// talks to: an ordered sequence of elements, some of which are beam position
// monitors or steering correctors, and a tracking engine that refreshes the
// monitor readings after the model changes.
//
// Nothing in this package knows about transfer maps.  Concrete lattices live
// elsewhere; Linear is a mock with a fixed linear optics model for tests and
// for running the server without a machine.
package lattice

import "fmt"

// Kind is the role an element plays in orbit correction
type Kind int

const (
	// KindOther is any element that is neither a monitor nor a corrector
	KindOther Kind = iota

	// KindMonitor is a beam position monitor
	KindMonitor

	// KindHCorrector is a horizontal steering corrector
	KindHCorrector

	// KindVCorrector is a vertical steering corrector
	KindVCorrector
)

func (k Kind) String() string {
	switch k {
	case KindMonitor:
		return "monitor"
	case KindHCorrector:
		return "hcor"
	case KindVCorrector:
		return "vcor"
	default:
		return "other"
	}
}

// Element is a single piece of the beamline
type Element interface {
	// ID is the unique name of the element
	ID() string

	// Kind is the role of the element
	Kind() Kind

	// Length is the physical length in meters
	Length() float64
}

// Monitor is an element that reports the transverse beam position and dispersion
type Monitor interface {
	Element

	// Reading returns the last measured x, y offsets
	Reading() (x, y float64)

	// Dispersion returns the last measured horizontal and vertical dispersion
	Dispersion() (dx, dy float64)
}

// Corrector is an element with an adjustable deflection
type Corrector interface {
	Element

	// Angle is the present deflection
	Angle() float64

	// SetAngle sets the deflection.  Lattice.UpdateTransferMaps must be called
	// before the change is visible to tracking
	SetAngle(float64)
}

// Misaligned is an element whose transverse offset can be changed, typically a quadrupole
type Misaligned interface {
	Element

	// Offset returns the present transverse offset
	Offset() (dx, dy float64)

	// SetOffset sets the transverse offset
	SetOffset(dx, dy float64)
}

// Lattice is an ordered sequence of elements
type Lattice interface {
	// Elements returns the beamline in order
	Elements() []Element

	// UpdateTransferMaps must be called after any element change and before
	// the next monitor read
	UpdateTransferMaps() error
}

// Tracker propagates a particle (or the reference orbit if p is nil) through
// the lattice and refreshes every monitor reading
type Tracker interface {
	Track(lat Lattice, p *Particle) error
}

// Particle holds the transverse initial conditions of a tracked particle
type Particle struct {
	X  float64 `json:"x"`
	Px float64 `json:"px"`
	Y  float64 `json:"y"`
	Py float64 `json:"py"`

	// E is the energy in GeV, carried through but not used by the linear model
	E float64 `json:"E"`
}

// Component returns the named transverse component ("x", "px", "y", "py")
func (p Particle) Component(name string) (float64, error) {
	switch name {
	case "x":
		return p.X, nil
	case "px":
		return p.Px, nil
	case "y":
		return p.Y, nil
	case "py":
		return p.Py, nil
	}
	return 0, fmt.Errorf("lattice: unknown particle component %q", name)
}

// SetComponent sets the named transverse component
func (p *Particle) SetComponent(name string, v float64) error {
	switch name {
	case "x":
		p.X = v
	case "px":
		p.Px = v
	case "y":
		p.Y = v
	case "py":
		p.Py = v
	default:
		return fmt.Errorf("lattice: unknown particle component %q", name)
	}
	return nil
}

// Components lists the transverse components in the order used for
// initial-condition response columns
var Components = []string{"x", "px", "y", "py"}
