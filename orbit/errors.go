package orbit

import (
	"errors"

	"github.com/beamlab/orbitcorr/solver"
)

var (
	// ErrConfiguration is generated when the session cannot correct as configured,
	// e.g. there are no monitors or no response matrix
	ErrConfiguration = errors.New("orbit: configuration error")

	// ErrLimit is generated when a computed kick would take a corrector outside its limits.
	// No corrector is changed when it is returned
	ErrLimit = errors.New("orbit: corrector limit")

	// ErrDimensionMismatch is generated when a response matrix does not fit the
	// monitor and corrector lists.  It is the same value as solver.ErrDimensionMismatch
	ErrDimensionMismatch = solver.ErrDimensionMismatch

	// ErrNumericalDegeneracy is solver.ErrNumericalDegeneracy
	ErrNumericalDegeneracy = solver.ErrNumericalDegeneracy
)
