/*Package solver computes corrector settings from a response matrix and an
error vector.

Three interchangeable solvers satisfy Solver:

	PseudoInverse  truncated-SVD pseudo-inverse, least squares
	MICADO         greedy selection of the most effective correctors
	Minimax        linear program minimizing the largest residual

All of them are pure: the inputs are never modified and there is no state
carried between calls, other than diagnostics recorded on the returned values.
*/
package solver

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is generated when the matrix, error vector and weights disagree in size
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrNumericalDegeneracy is generated when a decomposition fails or a linear program
	// is infeasible or unbounded
	ErrNumericalDegeneracy = errors.New("numerical degeneracy")

	// ErrUnknownSolver is generated by New for an unsupported Kind
	ErrUnknownSolver = errors.New("unknown solver")
)

// Solver finds the corrector vector a that best reproduces e through m.
//
// m is (rows x cols), e has len rows, w is the diagonal of a row weight matrix
// or nil for unit weights.  The result has len cols.
type Solver interface {
	Solve(m mat.Matrix, e []float64, w []float64) ([]float64, error)

	// String is the solver's short name, as accepted by New
	String() string
}

// Kind names a solver
type Kind string

const (
	// KindSVD selects PseudoInverse
	KindSVD Kind = "svd"

	// KindMICADO selects MICADO
	KindMICADO Kind = "micado"

	// KindMinimax selects Minimax
	KindMinimax Kind = "linf"
)

// Options is the persisted solver configuration
type Options struct {
	// Kind is one of svd, micado, linf
	Kind Kind `koanf:"Kind" yaml:"Kind"`

	// EpsilonX is the relative singular value cut for the first half of the spectrum
	EpsilonX float64 `koanf:"EpsilonX" yaml:"EpsilonX"`

	// EpsilonY is the relative singular value cut for the second half of the spectrum
	EpsilonY float64 `koanf:"EpsilonY" yaml:"EpsilonY"`

	// EpsilonKsi stops MICADO once adding a corrector improves the residual by less
	EpsilonKsi float64 `koanf:"EpsilonKsi" yaml:"EpsilonKsi"`

	// MaxCorrectors caps the number of correctors MICADO may use, 0 for no cap
	MaxCorrectors int `koanf:"MaxCorrectors" yaml:"MaxCorrectors"`
}

// DefaultOptions returns the SVD solver with 1e-3 cuts and epsilon_ksi = 1e-5
func DefaultOptions() Options {
	return Options{
		Kind:       KindSVD,
		EpsilonX:   1e-3,
		EpsilonY:   1e-3,
		EpsilonKsi: 1e-5,
	}
}

// New builds the solver named by o.Kind.  A nil logger disables logging
func New(o Options, log *zap.Logger) (Solver, error) {
	pinv := PseudoInverse{EpsilonX: o.EpsilonX, EpsilonY: o.EpsilonY, Log: log}
	switch Kind(strings.ToLower(string(o.Kind))) {
	case KindSVD, "":
		return pinv, nil
	case KindMICADO:
		return MICADO{PseudoInverse: pinv, EpsilonKsi: o.EpsilonKsi, MaxCorrectors: o.MaxCorrectors}, nil
	case KindMinimax:
		return Minimax{Log: log}, nil
	}
	return nil, fmt.Errorf("%w %q, expected svd, micado or linf", ErrUnknownSolver, o.Kind)
}

func checkDims(m mat.Matrix, e, w []float64) (int, int, error) {
	r, c := m.Dims()
	if len(e) != r {
		return r, c, fmt.Errorf("%w: matrix has %d rows, error vector has %d", ErrDimensionMismatch, r, len(e))
	}
	if w != nil && len(w) != r {
		return r, c, fmt.Errorf("%w: matrix has %d rows, weights have %d", ErrDimensionMismatch, r, len(w))
	}
	return r, c, nil
}

// weigh returns W·m and W·e.  m is returned unchanged when w is nil
func weigh(m mat.Matrix, e, w []float64) (mat.Matrix, []float64) {
	if w == nil {
		return m, e
	}
	r, _ := m.Dims()
	var mw mat.Dense
	mw.Mul(mat.NewDiagDense(r, w), m)
	ew := make([]float64, r)
	for i := range e {
		ew[i] = w[i] * e[i]
	}
	return &mw, ew
}

// residual returns ‖m·a − e‖₂
func residual(m mat.Matrix, a, e []float64) float64 {
	r, _ := m.Dims()
	var v mat.VecDense
	v.MulVec(m, mat.NewVecDense(len(a), a))
	sum := 0.
	for i := 0; i < r; i++ {
		d := v.AtVec(i) - e[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func nop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
