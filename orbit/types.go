package orbit

import (
	"fmt"
	"math"
	"strings"

	"github.com/beamlab/orbitcorr/lattice"
	"github.com/beamlab/orbitcorr/util"
)

// Plane is the transverse plane a corrector acts in
type Plane int

const (
	// Horizontal is the x plane
	Horizontal Plane = iota

	// Vertical is the y plane
	Vertical
)

func (p Plane) String() string {
	if p == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// MarshalText satisfies encoding.TextMarshaler
func (p Plane) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (p *Plane) UnmarshalText(b []byte) error {
	switch string(b) {
	case "horizontal":
		*p = Horizontal
	case "vertical":
		*p = Vertical
	default:
		return fmt.Errorf("%w: plane %q, expected horizontal or vertical", ErrConfiguration, string(b))
	}
	return nil
}

// Mode is the unit corrector strengths are expressed in.  A session never mixes units
type Mode string

const (
	// ModeRadian expresses strengths as deflection angles
	ModeRadian Mode = "radian"

	// ModeAmpere expresses strengths as power supply currents
	ModeAmpere Mode = "ampere"
)

// ParseMode converts a string to a Mode, case insensitive
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeRadian, ModeAmpere:
		return m, nil
	case "":
		return ModeRadian, nil
	}
	return "", fmt.Errorf("%w: mode %q, expected radian or ampere", ErrConfiguration, s)
}

// display returns the factor and unit used when printing strengths
func (m Mode) display() (float64, string) {
	if m == ModeAmpere {
		return 1, "A"
	}
	return 1e3, "mrad"
}

// Monitor is a beam position monitor as seen by the correction.
// The reference and design fields are targets owned by the session
type Monitor struct {
	ID    string  `json:"id"`
	S     float64 `json:"s"`
	Index int     `json:"index"`

	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	XRef float64 `json:"x_ref"`
	YRef float64 `json:"y_ref"`

	Dx    float64 `json:"Dx"`
	Dy    float64 `json:"Dy"`
	DxDes float64 `json:"Dx_des"`
	DyDes float64 `json:"Dy_des"`

	// Weight de-emphasizes a monitor in the weighted solvers, 0 removes it
	Weight float64 `json:"weight"`

	elem lattice.Monitor
}

// NewMonitor wraps a lattice monitor with unit weight and zero references
func NewMonitor(elem lattice.Monitor) *Monitor {
	return &Monitor{ID: elem.ID(), Weight: 1, elem: elem}
}

// Read refreshes the readings from the lattice element
func (m *Monitor) Read() {
	if m.elem == nil {
		return
	}
	m.X, m.Y = m.elem.Reading()
	m.Dx, m.Dy = m.elem.Dispersion()
}

// Corrector is a steering corrector as seen by the correction
type Corrector struct {
	ID    string  `json:"id"`
	Plane Plane   `json:"plane"`
	S     float64 `json:"s"`
	Index int     `json:"index"`

	// DI is the step used when measuring the response, 0 for DefaultCorrectorStep
	DI float64 `json:"dI"`

	// Limits are software limits on the strength.  The zero value is unlimited
	Limits util.Limiter `json:"limits"`

	elem lattice.Corrector
}

// NewCorrector wraps a lattice corrector
func NewCorrector(elem lattice.Corrector, plane Plane) *Corrector {
	return &Corrector{ID: elem.ID(), Plane: plane, elem: elem}
}

// Angle returns the present strength of the corrector
func (c *Corrector) Angle() float64 {
	return c.elem.Angle()
}

// SetAngle sets the strength of the corrector
func (c *Corrector) SetAngle(a float64) {
	c.elem.SetAngle(a)
}

func (c *Corrector) step() float64 {
	if c.DI == 0 {
		return DefaultCorrectorStep
	}
	return c.DI
}

// measureStep returns the perturbation from x used to measure the response.
// When stepping up would leave the limits the step is clamped, or taken
// downwards if that moves the corrector further
func (c *Corrector) measureStep(x float64) (float64, error) {
	step := c.step()
	if c.Limits.Check(x + step) {
		return step, nil
	}
	up := c.Limits.Clamp(x+step) - x
	down := c.Limits.Clamp(x-step) - x
	if math.Abs(down) > math.Abs(up) {
		up = down
	}
	if up == 0 {
		return 0, fmt.Errorf("%w: corrector %s at %g cannot be stepped within [%g, %g]",
			ErrLimit, c.ID, x, c.Limits.Min, c.Limits.Max)
	}
	return up, nil
}

// correctorState is the JSON view of a corrector, including its strength
type correctorState struct {
	*Corrector
	Angle float64 `json:"angle"`
}
