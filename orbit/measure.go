package orbit

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"github.com/beamlab/orbitcorr/lattice"
)

const (
	// DefaultCorrectorStep is the corrector perturbation used when Corrector.DI is zero
	DefaultCorrectorStep = 1e-4

	// DefaultOffsetStep is the element offset used by MeasureElementOffsets when shift is zero
	DefaultOffsetStep = 1e-3

	// DefaultInitialStep is the initial-condition step used by MeasureInitialConditions when shift is zero
	DefaultInitialStep = 1e-4
)

// Quantity selects what a measurement differentiates
type Quantity int

const (
	// OrbitQuantity differentiates the x, y readings
	OrbitQuantity Quantity = iota

	// DispersionQuantity differentiates the Dx, Dy readings
	DispersionQuantity
)

func (q Quantity) String() string {
	if q == DispersionQuantity {
		return "dispersion"
	}
	return "orbit"
}

/*Measurer builds response matrices by finite differences.

Each column perturbs one corrector, element offset or initial coordinate,
updates the transfer maps, tracks, and divides the change in the monitor
readings by the step.  The perturbation is undone by a deferred restore, so
the lattice is left as it was found on every return path, including tracking
errors, cancellation and panics.

A Measurer is not safe for concurrent use and must be the only writer to the
lattice while it runs.
*/
type Measurer struct {
	Lattice  lattice.Lattice
	Tracker  lattice.Tracker
	Monitors []*Monitor

	// Particle is the initial particle tracked for every reading, nil for the reference orbit
	Particle *lattice.Particle

	// Limiter, if not nil, paces perturbations, e.g. to let magnets settle
	Limiter *rate.Limiter

	// Retry, if not nil, retries failed tracking calls
	Retry backoff.BackOff

	// Progress, if not nil, is called after every column
	Progress func(done, total int)

	Log *zap.Logger
}

func (ms *Measurer) logger() *zap.Logger {
	if ms.Log == nil {
		return zap.NewNop()
	}
	return ms.Log
}

// read tracks p and returns [x..., y...] or [Dx..., Dy...]
func (ms *Measurer) read(ctx context.Context, q Quantity, p *lattice.Particle) ([]float64, error) {
	op := func() error {
		var pc *lattice.Particle
		if p != nil {
			cp := *p
			pc = &cp
		}
		return ms.Tracker.Track(ms.Lattice, pc)
	}
	var err error
	if ms.Retry != nil {
		err = backoff.Retry(op, backoff.WithContext(ms.Retry, ctx))
	} else {
		err = op()
	}
	if err != nil {
		return nil, fmt.Errorf("tracking: %w", err)
	}
	n := len(ms.Monitors)
	out := make([]float64, 2*n)
	for i, m := range ms.Monitors {
		m.Read()
		if q == DispersionQuantity {
			out[i], out[i+n] = m.Dx, m.Dy
		} else {
			out[i], out[i+n] = m.X, m.Y
		}
	}
	return out, nil
}

// column measures one finite-difference column.  restore always runs
func (ms *Measurer) column(ctx context.Context, q Quantity, base []float64, step float64, p *lattice.Particle,
	perturb, restore func()) (col []float64, err error) {

	if ms.Limiter != nil {
		if err := ms.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perturb()
	defer func() {
		restore()
		if uerr := ms.Lattice.UpdateTransferMaps(); uerr != nil && err == nil {
			col, err = nil, fmt.Errorf("restoring lattice: %w", uerr)
		}
	}()
	if err := ms.Lattice.UpdateTransferMaps(); err != nil {
		return nil, err
	}
	after, err := ms.read(ctx, q, p)
	if err != nil {
		return nil, err
	}
	col = make([]float64, len(base))
	for i := range base {
		col[i] = (after[i] - base[i]) / step
	}
	return col, nil
}

func (ms *Measurer) assemble(ids []string, cols [][]float64) (*ResponseMatrix, error) {
	rows := 2 * len(ms.Monitors)
	if rows == 0 || len(cols) == 0 {
		return nil, fmt.Errorf("%w: cannot measure a response with %d monitors and %d columns",
			ErrConfiguration, len(ms.Monitors), len(cols))
	}
	m := mat.NewDense(rows, len(cols), nil)
	for j, c := range cols {
		m.SetCol(j, c)
	}
	return NewResponseMatrix(monitorIDs(ms.Monitors), ids, m)
}

func (ms *Measurer) progress(done, total int) {
	if ms.Progress != nil {
		ms.Progress(done, total)
	}
}

// MeasureCorrectors perturbs every corrector in turn by its DI and returns the
// response of q, horizontal correctors first
func (ms *Measurer) MeasureCorrectors(ctx context.Context, hcors, vcors []*Corrector, q Quantity) (*ResponseMatrix, error) {
	if len(ms.Monitors) == 0 {
		return nil, fmt.Errorf("%w: no monitors to measure", ErrConfiguration)
	}
	base, err := ms.read(ctx, q, ms.Particle)
	if err != nil {
		return nil, err
	}
	all := append(append([]*Corrector{}, hcors...), vcors...)
	cols := make([][]float64, 0, len(all))
	for j, c := range all {
		c := c
		orig := c.Angle()
		step, err := c.measureStep(orig)
		if err != nil {
			return nil, err
		}
		col, err := ms.column(ctx, q, base, step, ms.Particle,
			func() { c.SetAngle(orig + step) },
			func() { c.SetAngle(orig) })
		if err != nil {
			return nil, fmt.Errorf("measuring %s response to %s: %w", q, c.ID, err)
		}
		cols = append(cols, col)
		ms.logger().Debug("measured corrector", zap.String("corrector", c.ID), zap.Int("done", j+1), zap.Int("of", len(all)))
		ms.progress(j+1, len(all))
	}
	return ms.assemble(correctorIDs(all), cols)
}

// MeasureElementOffsets shifts every element of h horizontally and every
// element of v vertically by shift, returning the orbit response to the offsets
func (ms *Measurer) MeasureElementOffsets(ctx context.Context, h, v []lattice.Misaligned, shift float64) (*ResponseMatrix, error) {
	if shift == 0 {
		shift = DefaultOffsetStep
	}
	if len(ms.Monitors) == 0 {
		return nil, fmt.Errorf("%w: no monitors to measure", ErrConfiguration)
	}
	base, err := ms.read(ctx, OrbitQuantity, ms.Particle)
	if err != nil {
		return nil, err
	}
	total := len(h) + len(v)
	ids := make([]string, 0, total)
	cols := make([][]float64, 0, total)
	measure := func(e lattice.Misaligned, horizontal bool) error {
		dx, dy := e.Offset()
		perturb := func() { e.SetOffset(dx, dy+shift) }
		if horizontal {
			perturb = func() { e.SetOffset(dx+shift, dy) }
		}
		col, err := ms.column(ctx, OrbitQuantity, base, shift, ms.Particle, perturb, func() { e.SetOffset(dx, dy) })
		if err != nil {
			return fmt.Errorf("measuring response to offset of %s: %w", e.ID(), err)
		}
		ids = append(ids, e.ID())
		cols = append(cols, col)
		ms.progress(len(cols), total)
		return nil
	}
	for _, e := range h {
		if err := measure(e, true); err != nil {
			return nil, err
		}
	}
	for _, e := range v {
		if err := measure(e, false); err != nil {
			return nil, err
		}
	}
	return ms.assemble(ids, cols)
}

// MeasureInitialConditions returns the orbit response to the initial x, px, y, py
// of p, stepping each by shift.  The columns are named by lattice.Components
func (ms *Measurer) MeasureInitialConditions(ctx context.Context, p lattice.Particle, shift float64) (*ResponseMatrix, error) {
	if shift == 0 {
		shift = DefaultInitialStep
	}
	if len(ms.Monitors) == 0 {
		return nil, fmt.Errorf("%w: no monitors to measure", ErrConfiguration)
	}
	base, err := ms.read(ctx, OrbitQuantity, &p)
	if err != nil {
		return nil, err
	}
	cols := make([][]float64, 0, len(lattice.Components))
	for i, name := range lattice.Components {
		trial := p
		v, _ := trial.Component(name)
		if err := trial.SetComponent(name, v+shift); err != nil {
			return nil, err
		}
		// the lattice itself is not perturbed, only the tracked particle
		col, err := ms.column(ctx, OrbitQuantity, base, shift, &trial, func() {}, func() {})
		if err != nil {
			return nil, fmt.Errorf("measuring response to initial %s: %w", name, err)
		}
		cols = append(cols, col)
		ms.progress(i+1, len(lattice.Components))
	}
	return ms.assemble(lattice.Components, cols)
}

// MeasuredProvider is a Provider backed by a Measurer.  Lattice and Monitors
// of the Measurer are replaced by those passed to ResponseMatrix
type MeasuredProvider struct {
	Measurer Measurer
	Quantity Quantity
}

// ResponseMatrix satisfies Provider
func (mp MeasuredProvider) ResponseMatrix(ctx context.Context, lat lattice.Lattice, hcors, vcors []*Corrector, monitors []*Monitor) (*ResponseMatrix, error) {
	ms := mp.Measurer
	ms.Lattice = lat
	ms.Monitors = monitors
	if ms.Tracker == nil {
		tr, ok := lat.(lattice.Tracker)
		if !ok {
			return nil, fmt.Errorf("%w: no tracker for the measured response", ErrConfiguration)
		}
		ms.Tracker = tr
	}
	return ms.MeasureCorrectors(ctx, hcors, vcors, mp.Quantity)
}
