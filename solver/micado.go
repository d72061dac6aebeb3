package solver

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

/*MICADO picks correctors one at a time (CERN-ISR-MA/73-17, 1973).

At step n every unused column is appended in turn to the n columns already
chosen and the reduced system is solved with the embedded PseudoInverse.  The
column giving the smallest residual ‖M·a − e‖₂ is swapped into position n.
Selection stops when a step improves the residual by less than EpsilonKsi, when
MaxCorrectors columns are in use, or when every column has been chosen.

Row weights are not used: the w argument to Solve is ignored.
*/
type MICADO struct {
	PseudoInverse

	EpsilonKsi float64

	// MaxCorrectors caps the subset size, 0 for no cap
	MaxCorrectors int
}

func (m MICADO) String() string { return string(KindMICADO) }

// Trace records how MICADO arrived at its answer
type Trace struct {
	// Residuals holds the minimum residual at each step, non-increasing
	Residuals []float64 `json:"residuals"`

	// Selected holds the original column indices in the order they were chosen
	Selected []int `json:"selected"`
}

// Solve satisfies Solver; w is ignored
func (m MICADO) Solve(resp mat.Matrix, e []float64, w []float64) ([]float64, error) {
	a, _, err := m.SolveTrace(resp, e)
	return a, err
}

// SolveTrace is Solve, additionally returning the selection history
func (m MICADO) SolveTrace(resp mat.Matrix, e []float64) ([]float64, Trace, error) {
	var tr Trace
	rows, cols, err := checkDims(resp, e, nil)
	if err != nil {
		return nil, tr, err
	}
	out := make([]float64, cols)
	if rows == 0 || cols == 0 {
		return out, tr, nil
	}

	work := mat.DenseCopyOf(resp)
	mask := make([]int, cols)
	for i := range mask {
		mask[i] = i
	}
	limit := cols
	if m.MaxCorrectors > 0 && m.MaxCorrectors < cols {
		limit = m.MaxCorrectors
	}

	var best []float64
	for n := 0; n < limit; n++ {
		minRes := math.Inf(1)
		minIdx := -1
		var minPart []float64
		for i := n; i < cols; i++ {
			cand := mat.NewDense(rows, n+1, nil)
			for k := 0; k < n; k++ {
				cand.SetCol(k, mat.Col(nil, k, work))
			}
			cand.SetCol(n, mat.Col(nil, i, work))
			part, err := m.PseudoInverse.Solve(cand, e, nil)
			if err != nil {
				return nil, tr, err
			}
			res := residual(cand, part, e)
			if res < minRes {
				minRes, minIdx, minPart = res, i, part
			}
		}
		if minIdx < 0 {
			// every candidate produced a NaN residual
			break
		}
		swapColumns(work, n, minIdx)
		mask[n], mask[minIdx] = mask[minIdx], mask[n]
		tr.Residuals = append(tr.Residuals, minRes)
		tr.Selected = append(tr.Selected, mask[n])
		best = minPart

		k := len(tr.Residuals)
		if k > 1 && tr.Residuals[k-2]-tr.Residuals[k-1] < m.EpsilonKsi {
			break
		}
	}

	nop(m.Log).Info("MICADO finished",
		zap.Int("correctors", len(best)),
		zap.Int("of", cols),
		zap.Float64s("residuals", tr.Residuals))

	permuted := make([]float64, cols)
	copy(permuted, best)
	inv := inversePermutation(mask)
	for j := range out {
		out[j] = permuted[inv[j]]
	}
	return out, tr, nil
}

// swapColumns exchanges columns i and j of m in place
func swapColumns(m *mat.Dense, i, j int) {
	if i == j {
		return
	}
	ci := mat.Col(nil, i, m)
	cj := mat.Col(nil, j, m)
	m.SetCol(i, cj)
	m.SetCol(j, ci)
}

// inversePermutation returns inv such that inv[mask[k]] = k
func inversePermutation(mask []int) []int {
	inv := make([]int, len(mask))
	for k, j := range mask {
		inv[j] = k
	}
	return inv
}
