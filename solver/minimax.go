package solver

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// DefaultTol is the simplex tolerance used when Minimax.Tol is zero
const DefaultTol = 1e-10

// Minimax minimizes max_i |(M·a − e)_i| with a linear program.
//
// With the auxiliary bound t the problem is
//
//	minimize t  s.t.  M·a − t ≤ e,  −M·a − t ≤ −e,  t ≥ 0
//
// Weights, when given, scale the rows of M and e before the program is built,
// so a zero weight removes a monitor's constraint.
type Minimax struct {
	// Tol is the simplex tolerance
	Tol float64

	Log *zap.Logger
}

func (s Minimax) String() string { return string(KindMinimax) }

// Solve satisfies Solver.  Infeasible or unbounded programs are ErrNumericalDegeneracy
func (s Minimax) Solve(m mat.Matrix, e []float64, w []float64) ([]float64, error) {
	r, c, err := checkDims(m, e, w)
	if err != nil {
		return nil, err
	}
	a := make([]float64, c)
	if r == 0 || c == 0 {
		return a, nil
	}
	mw, ew := weigh(m, e, w)

	// the simplex rejects all-zero columns; those correctors do nothing and stay at zero
	active := make([]int, 0, c)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			if mw.At(i, j) != 0 {
				active = append(active, j)
				break
			}
		}
	}
	n := len(active)
	if n == 0 {
		return a, nil
	}

	g := mat.NewDense(2*r+1, n+1, nil)
	h := make([]float64, 2*r+1)
	for i := 0; i < r; i++ {
		for k, j := range active {
			v := mw.At(i, j)
			g.Set(i, k, v)
			g.Set(r+i, k, -v)
		}
		g.Set(i, n, -1)
		g.Set(r+i, n, -1)
		h[i] = ew[i]
		h[r+i] = -ew[i]
	}
	g.Set(2*r, n, -1)
	cost := make([]float64, n+1)
	cost[n] = 1

	tol := s.Tol
	if tol == 0 {
		tol = DefaultTol
	}
	cNew, aNew, bNew := lp.Convert(cost, g, h, nil, nil)
	opt, x, err := lp.Simplex(cNew, aNew, bNew, tol, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: minimax program: %v", ErrNumericalDegeneracy, err)
	}

	// Convert splits every variable into positive and negative parts, x = x⁺ − x⁻
	nv := n + 1
	for k, j := range active {
		a[j] = x[k] - x[nv+k]
	}
	nop(s.Log).Debug("minimax solution",
		zap.Float64("max residual", opt),
		zap.Int("active correctors", n))
	return a, nil
}
