package solver

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// PseudoInverse solves the weighted least squares problem with a truncated SVD.
//
// Singular values are sorted in decreasing order.  Those at index
// i < floor(k/2) are discarded when s[i] <= EpsilonX*max(s), the remainder when
// s[i] <= EpsilonY*max(s).  The split is over the singular value index and has
// nothing to do with which plane a corrector belongs to.
type PseudoInverse struct {
	EpsilonX float64
	EpsilonY float64

	Log *zap.Logger
}

func (p PseudoInverse) String() string { return string(KindSVD) }

// Solve satisfies Solver.  A zero matrix produces a zero correction
func (p PseudoInverse) Solve(m mat.Matrix, e []float64, w []float64) ([]float64, error) {
	r, c, err := checkDims(m, e, w)
	if err != nil {
		return nil, err
	}
	a := make([]float64, c)
	if r == 0 || c == 0 {
		return a, nil
	}
	mw, ew := weigh(m, e, w)

	var svd mat.SVD
	if ok := svd.Factorize(mw, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: SVD of %dx%d response did not converge", ErrNumericalDegeneracy, r, c)
	}
	s := svd.Values(nil)
	inv := p.invert(s)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// a = V · S⁺ · Uᵀ · e'
	var ut mat.VecDense
	ut.MulVec(u.T(), mat.NewVecDense(r, ew))
	for i, si := range inv {
		ut.SetVec(i, ut.AtVec(i)*si)
	}
	av := mat.NewVecDense(c, a)
	av.MulVec(&v, &ut)

	log := nop(p.Log)
	if ce := log.Check(zap.DebugLevel, "pseudo-inverse solution"); ce != nil {
		abs := make([]float64, c)
		for i, ai := range a {
			abs[i] = math.Abs(ai)
		}
		ce.Write(
			zap.Float64("max|a|", floats.Max(abs)),
			zap.Float64("min|a|", floats.Min(abs)),
			zap.Int("retained", countNonzero(inv)),
			zap.Int("singular values", len(s)))
	}
	return a, nil
}

// Retained returns how many singular values of W·m survive truncation
func (p PseudoInverse) Retained(m mat.Matrix, w []float64) (int, error) {
	r, c := m.Dims()
	if w != nil && len(w) != r {
		return 0, fmt.Errorf("%w: matrix has %d rows, weights have %d", ErrDimensionMismatch, r, len(w))
	}
	if r == 0 || c == 0 {
		return 0, nil
	}
	mw, _ := weigh(m, make([]float64, r), w)
	var svd mat.SVD
	if ok := svd.Factorize(mw, mat.SVDNone); !ok {
		return 0, fmt.Errorf("%w: SVD of %dx%d response did not converge", ErrNumericalDegeneracy, r, c)
	}
	return countNonzero(p.invert(svd.Values(nil))), nil
}

// invert returns the diagonal of S⁺ with the truncation applied
func (p PseudoInverse) invert(s []float64) []float64 {
	inv := make([]float64, len(s))
	if len(s) == 0 {
		return inv
	}
	smax := floats.Max(s)
	half := len(s) / 2
	for i, si := range s {
		eps := p.EpsilonY
		if i < half {
			eps = p.EpsilonX
		}
		if si <= smax*eps {
			continue
		}
		inv[i] = 1 / si
	}
	return inv
}

func countNonzero(x []float64) int {
	n := 0
	for _, v := range x {
		if v != 0 {
			n++
		}
	}
	return n
}
