package orbit

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/beamlab/orbitcorr/lattice"
)

// ResponseMatrix is a dense response of monitor readings to corrector strengths.
//
// Rows are the x reading of every monitor followed by the y reading of every
// monitor, in Monitors order.  Columns follow Correctors, horizontal correctors
// first.  A ResponseMatrix is not modified once built.
type ResponseMatrix struct {
	Monitors   []string
	Correctors []string
	M          *mat.Dense
}

// NewResponseMatrix checks that m is (2*len(monitors)) x len(correctors)
func NewResponseMatrix(monitors, correctors []string, m *mat.Dense) (*ResponseMatrix, error) {
	rm := &ResponseMatrix{Monitors: monitors, Correctors: correctors, M: m}
	if err := rm.check(); err != nil {
		return nil, err
	}
	return rm, nil
}

// check returns ErrDimensionMismatch unless M matches the ID lists
func (r *ResponseMatrix) check() error {
	if r == nil || r.M == nil {
		return fmt.Errorf("%w: response has no matrix", ErrDimensionMismatch)
	}
	rows, cols := r.M.Dims()
	if rows != 2*len(r.Monitors) || cols != len(r.Correctors) {
		return fmt.Errorf("%w: response is %dx%d, expected %dx%d for %d monitors and %d correctors",
			ErrDimensionMismatch, rows, cols, 2*len(r.Monitors), len(r.Correctors), len(r.Monitors), len(r.Correctors))
	}
	return nil
}

// Extract returns the sub-matrix for the given correctors and monitors, in the
// order given, keeping the row and column convention.  Every ID must be known
func (r *ResponseMatrix) Extract(correctors, monitors []string) (*mat.Dense, error) {
	if len(correctors) == 0 || len(monitors) == 0 {
		return nil, fmt.Errorf("%w: cannot extract a response for %d correctors and %d monitors",
			ErrConfiguration, len(correctors), len(monitors))
	}
	if err := r.check(); err != nil {
		return nil, err
	}
	rows, err := indexOf(r.Monitors, monitors, "monitor")
	if err != nil {
		return nil, err
	}
	cols, err := indexOf(r.Correctors, correctors, "corrector")
	if err != nil {
		return nil, err
	}
	nm := len(r.Monitors)
	m := len(monitors)
	out := mat.NewDense(2*m, len(cols), nil)
	for i, src := range rows {
		for j, col := range cols {
			out.Set(i, j, r.M.At(src, col))
			out.Set(i+m, j, r.M.At(src+nm, col))
		}
	}
	return out, nil
}

func indexOf(have, want []string, what string) ([]int, error) {
	lookup := make(map[string]int, len(have))
	for i, id := range have {
		lookup[id] = i
	}
	idx := make([]int, len(want))
	for i, id := range want {
		j, ok := lookup[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s %q is not in the response matrix", ErrDimensionMismatch, what, id)
		}
		idx[i] = j
	}
	return idx, nil
}

// Provider produces a response matrix for the given correctors and monitors.
// It may compute it from the optics or measure it, see MeasuredProvider
type Provider interface {
	ResponseMatrix(ctx context.Context, lat lattice.Lattice, hcors, vcors []*Corrector, monitors []*Monitor) (*ResponseMatrix, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, lat lattice.Lattice, hcors, vcors []*Corrector, monitors []*Monitor) (*ResponseMatrix, error)

// ResponseMatrix satisfies Provider
func (f ProviderFunc) ResponseMatrix(ctx context.Context, lat lattice.Lattice, hcors, vcors []*Corrector, monitors []*Monitor) (*ResponseMatrix, error) {
	return f(ctx, lat, hcors, vcors, monitors)
}

func monitorIDs(mons []*Monitor) []string {
	ids := make([]string, len(mons))
	for i, m := range mons {
		ids[i] = m.ID
	}
	return ids
}

func correctorIDs(cors ...[]*Corrector) []string {
	var ids []string
	for _, list := range cors {
		for _, c := range list {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
