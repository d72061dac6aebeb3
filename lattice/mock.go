package lattice

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

var (
	// ErrForeignLattice is generated when a Linear is asked to track a lattice it does not own
	ErrForeignLattice = errors.New("lattice: Linear can only track itself")
)

// MockMonitor is a monitor in a Linear lattice
type MockMonitor struct {
	id     string
	l      float64
	x, y   float64
	dx, dy float64
}

// NewMonitor returns a new mock monitor
func NewMonitor(id string, l float64) *MockMonitor {
	return &MockMonitor{id: id, l: l}
}

// ID satisfies Element
func (m *MockMonitor) ID() string { return m.id }

// Kind satisfies Element
func (m *MockMonitor) Kind() Kind { return KindMonitor }

// Length satisfies Element
func (m *MockMonitor) Length() float64 { return m.l }

// Reading satisfies Monitor
func (m *MockMonitor) Reading() (float64, float64) { return m.x, m.y }

// Dispersion satisfies Monitor
func (m *MockMonitor) Dispersion() (float64, float64) { return m.dx, m.dy }

// MockCorrector is a horizontal or vertical corrector in a Linear lattice
type MockCorrector struct {
	id    string
	kind  Kind
	l     float64
	angle float64
}

// NewHCorrector returns a new horizontal mock corrector
func NewHCorrector(id string, l float64) *MockCorrector {
	return &MockCorrector{id: id, kind: KindHCorrector, l: l}
}

// NewVCorrector returns a new vertical mock corrector
func NewVCorrector(id string, l float64) *MockCorrector {
	return &MockCorrector{id: id, kind: KindVCorrector, l: l}
}

// ID satisfies Element
func (c *MockCorrector) ID() string { return c.id }

// Kind satisfies Element
func (c *MockCorrector) Kind() Kind { return c.kind }

// Length satisfies Element
func (c *MockCorrector) Length() float64 { return c.l }

// Angle satisfies Corrector
func (c *MockCorrector) Angle() float64 { return c.angle }

// SetAngle satisfies Corrector
func (c *MockCorrector) SetAngle(a float64) { c.angle = a }

// MockQuad is a thin focusing element whose offset steers the beam by K1L*offset
type MockQuad struct {
	id     string
	l      float64
	k1l    float64
	dx, dy float64
}

// NewQuad returns a new mock quadrupole with integrated strength k1l
func NewQuad(id string, l, k1l float64) *MockQuad {
	return &MockQuad{id: id, l: l, k1l: k1l}
}

// ID satisfies Element
func (q *MockQuad) ID() string { return q.id }

// Kind satisfies Element
func (q *MockQuad) Kind() Kind { return KindOther }

// Length satisfies Element
func (q *MockQuad) Length() float64 { return q.l }

// Offset satisfies Misaligned
func (q *MockQuad) Offset() (float64, float64) { return q.dx, q.dy }

// SetOffset satisfies Misaligned
func (q *MockQuad) SetOffset(dx, dy float64) { q.dx, q.dy = dx, dy }

// Drift is an element with nothing in it
type Drift struct {
	id string
	l  float64
}

// NewDrift returns a new drift
func NewDrift(id string, l float64) *Drift { return &Drift{id: id, l: l} }

// ID satisfies Element
func (d *Drift) ID() string { return d.id }

// Kind satisfies Element
func (d *Drift) Kind() Kind { return KindOther }

// Length satisfies Element
func (d *Drift) Length() float64 { return d.l }

/*Linear is a mock lattice with a single-pass linear optics model.

Every kick θ at s_j moves the beam at a downstream monitor s_i by

	Beta * sin(Mu * (s_i - s_j)) * θ

with identical, uncoupled optics in both planes.  A quadrupole offset d acts as
a kick of K1L*d, the horizontal dispersion picks up Eta times the horizontal
orbit kick, and an initial particle follows the free betatron oscillation.
Readings are only refreshed by UpdateTransferMaps (reference orbit) and Track.

Linear satisfies both Lattice and Tracker.
*/
type Linear struct {
	sync.Mutex

	// Beta is the (constant) beta function in meters
	Beta float64

	// Mu is the phase advance per meter
	Mu float64

	// Eta scales orbit kicks into horizontal dispersion
	Eta float64

	// FailTrack, if not nil, is returned by Track and UpdateTransferMaps.
	// It is a hook for exercising error paths
	FailTrack error

	// Updates counts calls to UpdateTransferMaps
	Updates int

	// Tracks counts calls to Track
	Tracks int

	elems []Element
	s     []float64
}

// NewLinear returns a Linear lattice over the elements with Beta=10, Mu=0.3, Eta=0.1
func NewLinear(elems ...Element) *Linear {
	l := &Linear{Beta: 10, Mu: 0.3, Eta: 0.1, elems: elems}
	l.s = make([]float64, len(elems))
	L := 0.
	for i, e := range elems {
		l.s[i] = L + e.Length()/2
		L += e.Length()
	}
	return l
}

// Demo builds a ring-like sequence of cells, each holding a focusing quad,
// horizontal corrector, monitor, defocusing quad, vertical corrector, monitor.
// The quads are misaligned by up to maxOffset with a fixed seed so the
// uncorrected orbit is reproducible
func Demo(cells int, maxOffset float64, seed int64) *Linear {
	rng := rand.New(rand.NewSource(seed))
	elems := make([]Element, 0, cells*8)
	for c := 0; c < cells; c++ {
		qf := NewQuad(fmt.Sprintf("QF%d", c), 0.2, 0.5)
		qd := NewQuad(fmt.Sprintf("QD%d", c), 0.2, -0.5)
		qf.SetOffset((2*rng.Float64()-1)*maxOffset, (2*rng.Float64()-1)*maxOffset)
		qd.SetOffset((2*rng.Float64()-1)*maxOffset, (2*rng.Float64()-1)*maxOffset)
		elems = append(elems,
			NewDrift(fmt.Sprintf("D%da", c), 1.0),
			qf,
			NewHCorrector(fmt.Sprintf("CX%d", c), 0.1),
			NewMonitor(fmt.Sprintf("BPM%da", c), 0.05),
			NewDrift(fmt.Sprintf("D%db", c), 1.0),
			qd,
			NewVCorrector(fmt.Sprintf("CY%d", c), 0.1),
			NewMonitor(fmt.Sprintf("BPM%db", c), 0.05),
		)
	}
	return NewLinear(elems...)
}

// Elements satisfies Lattice
func (l *Linear) Elements() []Element {
	return l.elems
}

// UpdateTransferMaps satisfies Lattice.  The linear model has no maps to
// rebuild, so the reference orbit is re-tracked
func (l *Linear) UpdateTransferMaps() error {
	l.Lock()
	defer l.Unlock()
	l.Updates++
	if l.FailTrack != nil {
		return l.FailTrack
	}
	l.track(nil)
	return nil
}

// Track satisfies Tracker
func (l *Linear) Track(lat Lattice, p *Particle) error {
	if other, ok := lat.(*Linear); !ok || other != l {
		return ErrForeignLattice
	}
	l.Lock()
	defer l.Unlock()
	l.Tracks++
	if l.FailTrack != nil {
		return l.FailTrack
	}
	l.track(p)
	return nil
}

func (l *Linear) kick(si, sj float64) float64 {
	if si <= sj {
		return 0
	}
	return l.Beta * math.Sin(l.Mu*(si-sj))
}

func (l *Linear) track(p *Particle) {
	for i, e := range l.elems {
		mon, ok := e.(*MockMonitor)
		if !ok {
			continue
		}
		si := l.s[i]
		var x, y, dx float64
		if p != nil {
			phi := l.Mu * si
			x = p.X*math.Cos(phi) + l.Beta*p.Px*math.Sin(phi)
			y = p.Y*math.Cos(phi) + l.Beta*p.Py*math.Sin(phi)
		}
		for j, src := range l.elems {
			r := l.kick(si, l.s[j])
			if r == 0 {
				continue
			}
			switch el := src.(type) {
			case *MockCorrector:
				if el.kind == KindHCorrector {
					x += r * el.angle
					dx += l.Eta * r * el.angle
				} else {
					y += r * el.angle
				}
			case *MockQuad:
				x += r * el.k1l * el.dx
				y += r * el.k1l * el.dy
			}
		}
		mon.x, mon.y = x, y
		mon.dx, mon.dy = dx, 0
	}
}
