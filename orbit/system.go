package orbit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/beamlab/orbitcorr/lattice"
)

/*System is the combined linear system solved by Correction.

With m monitors and n correctors the blocks are

	rows 0..2m            orbit        (1−α)·R        | 0        | (1−α)·R₀
	rows 2m..4m           dispersion   0              | α·D      | 0
	rows last n           kick penalty β(1−α)·I       | βα·I     | 0

against E = [(1−α)·orbit error, α·dispersion error, 0].  The dispersion block
and its n columns exist only when α≠0 and a dispersion response is known; the
penalty rows only when β≠0; the four initial-condition columns R₀ only when
requested.  With α=0 and β=0 the system is exactly the orbit response and the
orbit error.

W replicates each monitor weight on its x and y rows of the orbit and
dispersion blocks.  Penalty rows belong to correctors, not monitors, and carry
unit weight rather than a repeat of the monitor weights, so β alone sets the
strength of the penalty.
*/
type System struct {
	A *mat.Dense
	E []float64
	W []float64

	// NCor is the number of correctors, n
	NCor int

	// Dispersion is true when the dispersion block is present
	Dispersion bool

	// Regularized is true when the kick penalty rows are present
	Regularized bool

	// Initial is true when the trailing four initial-condition columns are present
	Initial bool
}

// Rows returns the number of rows of A
func (s *System) Rows() int {
	r, _ := s.A.Dims()
	return r
}

// Cols returns the number of columns of A
func (s *System) Cols() int {
	_, c := s.A.Dims()
	return c
}

// System assembles the combined system from the present monitor readings.
// Call ReadMonitors first for fresh readings
func (s *Session) System(alpha, beta float64, initial bool) (*System, error) {
	if s.Response == nil {
		return nil, fmt.Errorf("%w: no orbit response matrix", ErrConfiguration)
	}
	cors := s.CorrectorIDs()
	mons := monitorIDs(s.Monitors)
	rm, err := s.Response.Extract(cors, mons)
	if err != nil {
		return nil, fmt.Errorf("orbit response: %w", err)
	}
	n, m := len(cors), len(mons)
	if r, c := rm.Dims(); r != 2*m || c != n {
		return nil, fmt.Errorf("%w: orbit response is %dx%d for %d monitors and %d correctors", ErrDimensionMismatch, r, c, m, n)
	}

	sys := &System{NCor: n, Dispersion: alpha != 0 && s.DispersionResponse != nil, Regularized: beta != 0, Initial: initial}
	rows, cols := 2*m, n
	var drm, r0 *mat.Dense
	if sys.Dispersion {
		drm, err = s.DispersionResponse.Extract(cors, mons)
		if err != nil {
			return nil, fmt.Errorf("dispersion response: %w", err)
		}
		rows += 2 * m
		cols += n
	}
	initCol := cols
	if initial {
		if s.InitialResponse == nil {
			return nil, fmt.Errorf("%w: initial conditions requested without an initial-condition response", ErrConfiguration)
		}
		r0, err = s.InitialResponse.Extract(lattice.Components, mons)
		if err != nil {
			return nil, fmt.Errorf("initial-condition response: %w", err)
		}
		cols += len(lattice.Components)
	}
	if sys.Regularized {
		rows += n
	}

	sys.A = mat.NewDense(rows, cols, nil)
	sys.E = make([]float64, rows)
	sys.W = make([]float64, rows)

	orbit := s.Orbit()
	for i := 0; i < 2*m; i++ {
		for j := 0; j < n; j++ {
			sys.A.Set(i, j, (1-alpha)*rm.At(i, j))
		}
		if r0 != nil {
			for k := range lattice.Components {
				sys.A.Set(i, initCol+k, (1-alpha)*r0.At(i, k))
			}
		}
		sys.E[i] = (1 - alpha) * orbit[i]
		sys.W[i] = s.Monitors[i%m].Weight
	}
	row := 2 * m

	if sys.Dispersion {
		disp := s.Dispersion()
		for i := 0; i < 2*m; i++ {
			for j := 0; j < n; j++ {
				sys.A.Set(row+i, n+j, alpha*drm.At(i, j))
			}
			sys.E[row+i] = alpha * disp[i]
			sys.W[row+i] = s.Monitors[i%m].Weight
		}
		row += 2 * m
	}

	if sys.Regularized {
		for j := 0; j < n; j++ {
			sys.A.Set(row+j, j, beta*(1-alpha))
			if sys.Dispersion {
				sys.A.Set(row+j, n+j, beta*alpha)
			}
			sys.W[row+j] = 1
		}
	}
	return sys, nil
}
