/*Package orbit corrects the closed or single-pass orbit of a beam by steering
correctors against beam position monitor readings.

A Session discovers monitors and correctors in a lattice once, holds the
orbit (and optionally dispersion) response matrices, and on every call to
Correction assembles a weighted linear system, hands it to a solver.Solver and
applies the negated solution to the correctors.

A Session is not safe for concurrent use.  Callers that share one, such as
HTTPWrapper, serialize access themselves.
*/
package orbit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamlab/orbitcorr/lattice"
	"github.com/beamlab/orbitcorr/solver"
)

// Session owns the monitor and corrector inventory of a lattice and the
// response matrices used to correct it
type Session struct {
	Lattice lattice.Lattice

	Monitors []*Monitor
	HCors    []*Corrector
	VCors    []*Corrector

	// Mode is the unit of every corrector strength in the session
	Mode Mode

	// Solver is used by Correction, PseudoInverse with 1e-3 cuts by default
	Solver solver.Solver

	// Response is the orbit response matrix
	Response *ResponseMatrix

	// DispersionResponse is the optional dispersion response matrix
	DispersionResponse *ResponseMatrix

	// InitialResponse is the optional response to the initial particle
	// coordinates, with columns named by lattice.Components
	InitialResponse *ResponseMatrix

	provider     Provider
	dispProvider Provider
	empty        bool
	log          *zap.Logger
}

// Option configures a Session
type Option func(*Session)

// WithSolver sets the solver used by Correction
func WithSolver(s solver.Solver) Option {
	return func(sess *Session) { sess.Solver = s }
}

// WithProvider sets the orbit response matrix provider
func WithProvider(p Provider) Option {
	return func(sess *Session) { sess.provider = p }
}

// WithDispersionProvider sets the dispersion response matrix provider
func WithDispersionProvider(p Provider) Option {
	return func(sess *Session) { sess.dispProvider = p }
}

// WithMode sets the unit of corrector strengths
func WithMode(m Mode) Option {
	return func(sess *Session) { sess.Mode = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(sess *Session) { sess.log = l }
}

// Empty skips discovery and response matrix setup
func Empty() Option {
	return func(sess *Session) { sess.empty = true }
}

// NewSession discovers the monitors and correctors of lat and, if providers
// were given, builds the response matrices
func NewSession(ctx context.Context, lat lattice.Lattice, opts ...Option) (*Session, error) {
	s := &Session{Lattice: lat, Mode: ModeRadian}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.Solver == nil {
		o := solver.DefaultOptions()
		s.Solver = solver.PseudoInverse{EpsilonX: o.EpsilonX, EpsilonY: o.EpsilonY, Log: s.log}
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return nil, err
	}
	if s.empty {
		return s, nil
	}
	s.DiscoverMonitors()
	s.DiscoverCorrectors()
	if s.provider != nil || s.dispProvider != nil {
		if err := s.SetupResponseMatrices(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DiscoverMonitors scans the lattice for monitors, keeping only ids if any are given.
// Each monitor gets unit weight and zero reference orbit and design dispersion
func (s *Session) DiscoverMonitors(ids ...string) []*Monitor {
	keep := idSet(ids)
	s.Monitors = nil
	L := 0.
	for i, e := range s.Lattice.Elements() {
		if mon, ok := e.(lattice.Monitor); ok && e.Kind() == lattice.KindMonitor && keep(e.ID()) {
			m := NewMonitor(mon)
			m.S = L + e.Length()/2
			m.Index = i
			s.Monitors = append(s.Monitors, m)
		}
		L += e.Length()
	}
	if len(s.Monitors) == 0 {
		s.log.Warn("there are no monitors, correction is not possible")
	}
	return s.Monitors
}

// DiscoverCorrectors scans the lattice for horizontal and vertical correctors,
// keeping only ids if any are given
func (s *Session) DiscoverCorrectors(ids ...string) {
	keep := idSet(ids)
	s.HCors, s.VCors = nil, nil
	L := 0.
	for i, e := range s.Lattice.Elements() {
		cor, ok := e.(lattice.Corrector)
		if ok && keep(e.ID()) {
			var c *Corrector
			switch e.Kind() {
			case lattice.KindHCorrector:
				c = NewCorrector(cor, Horizontal)
				s.HCors = append(s.HCors, c)
			case lattice.KindVCorrector:
				c = NewCorrector(cor, Vertical)
				s.VCors = append(s.VCors, c)
			}
			if c != nil {
				c.S = L + e.Length()/2
				c.Index = i
			}
		}
		L += e.Length()
	}
	if len(s.HCors) == 0 {
		s.log.Warn("there are no horizontal correctors")
	}
	if len(s.VCors) == 0 {
		s.log.Warn("there are no vertical correctors")
	}
}

func idSet(ids []string) func(string) bool {
	if len(ids) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

// SetupResponseMatrices asks the configured providers for the orbit and dispersion responses
func (s *Session) SetupResponseMatrices(ctx context.Context) error {
	if s.provider != nil {
		rm, err := s.provider.ResponseMatrix(ctx, s.Lattice, s.HCors, s.VCors, s.Monitors)
		if err != nil {
			return fmt.Errorf("orbit response matrix: %w", err)
		}
		if err := s.SetResponseMatrix(rm); err != nil {
			return fmt.Errorf("orbit response matrix: %w", err)
		}
	}
	if s.dispProvider != nil {
		rm, err := s.dispProvider.ResponseMatrix(ctx, s.Lattice, s.HCors, s.VCors, s.Monitors)
		if err != nil {
			return fmt.Errorf("dispersion response matrix: %w", err)
		}
		if err := s.SetDispersionMatrix(rm); err != nil {
			return fmt.Errorf("dispersion response matrix: %w", err)
		}
	}
	return nil
}

// SetResponseMatrix sets the orbit response, which must cover every monitor and corrector
func (s *Session) SetResponseMatrix(rm *ResponseMatrix) error {
	if _, err := rm.Extract(s.CorrectorIDs(), monitorIDs(s.Monitors)); err != nil {
		return err
	}
	s.Response = rm
	return nil
}

// SetDispersionMatrix sets the dispersion response, which must cover every monitor and corrector
func (s *Session) SetDispersionMatrix(rm *ResponseMatrix) error {
	if _, err := rm.Extract(s.CorrectorIDs(), monitorIDs(s.Monitors)); err != nil {
		return err
	}
	s.DispersionResponse = rm
	return nil
}

// SetInitialResponse sets the response to the initial particle coordinates,
// see Measurer.MeasureInitialConditions
func (s *Session) SetInitialResponse(rm *ResponseMatrix) error {
	if _, err := rm.Extract(lattice.Components, monitorIDs(s.Monitors)); err != nil {
		return err
	}
	s.InitialResponse = rm
	return nil
}

// Correctors returns the horizontal then vertical correctors, the column order of every response
func (s *Session) Correctors() []*Corrector {
	out := make([]*Corrector, 0, len(s.HCors)+len(s.VCors))
	out = append(out, s.HCors...)
	return append(out, s.VCors...)
}

// CorrectorIDs returns the IDs of Correctors()
func (s *Session) CorrectorIDs() []string {
	return correctorIDs(s.HCors, s.VCors)
}

// Monitor returns the monitor with the given ID
func (s *Session) Monitor(id string) (*Monitor, bool) {
	for _, m := range s.Monitors {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Corrector returns the corrector with the given ID
func (s *Session) Corrector(id string) (*Corrector, bool) {
	for _, c := range s.Correctors() {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// SetWeight sets the weight of a monitor; w must be finite and non-negative
func (s *Session) SetWeight(id string, w float64) error {
	if !validWeight(w) {
		return fmt.Errorf("%w: weight %g for monitor %s must be finite and non-negative", ErrConfiguration, w, id)
	}
	m, ok := s.Monitor(id)
	if !ok {
		return fmt.Errorf("%w: no monitor %q", ErrConfiguration, id)
	}
	m.Weight = w
	return nil
}

func validWeight(w float64) bool {
	return w >= 0 && !math.IsInf(w, 1)
}

// ReadMonitors refreshes every monitor reading from the lattice
func (s *Session) ReadMonitors() {
	for _, m := range s.Monitors {
		m.Read()
	}
}

// Orbit returns the orbit error vector [x - x_ref..., y - y_ref...]
func (s *Session) Orbit() []float64 {
	n := len(s.Monitors)
	out := make([]float64, 2*n)
	for i, m := range s.Monitors {
		out[i] = m.X - m.XRef
		out[i+n] = m.Y - m.YRef
	}
	return out
}

// Dispersion returns the dispersion error vector [Dx - Dx_des..., Dy - Dy_des...]
func (s *Session) Dispersion() []float64 {
	n := len(s.Monitors)
	out := make([]float64, 2*n)
	for i, m := range s.Monitors {
		out[i] = m.Dx - m.DxDes
		out[i+n] = m.Dy - m.DyDes
	}
	return out
}

// CorrectionOptions are the arguments to Correction
type CorrectionOptions struct {
	// Alpha trades orbit (0) against dispersion (1) correction
	Alpha float64 `json:"alpha"`

	// Beta penalizes large corrector kicks, 0 to disable
	Beta float64 `json:"beta"`

	// Initial, if not nil, receives the negated initial-condition offsets
	// solved for alongside the kicks.  It requires InitialResponse
	Initial *lattice.Particle `json:"-"`

	// PrintLog logs every corrector change at info level
	PrintLog bool `json:"print_log"`
}

// Kick is the change made to one corrector
type Kick struct {
	ID         string  `json:"id"`
	Plane      Plane   `json:"plane"`
	Before     float64 `json:"before"`
	After      float64 `json:"after"`
	Orbit      float64 `json:"orbit"`
	Dispersion float64 `json:"dispersion"`
}

// Report describes one call to Correction
type Report struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Solver string    `json:"solver"`
	Mode   Mode      `json:"mode"`
	Alpha  float64   `json:"alpha"`
	Beta   float64   `json:"beta"`

	// RMSX and RMSY are the RMS orbit errors before correction
	RMSX float64 `json:"rms_x"`
	RMSY float64 `json:"rms_y"`

	Kicks []Kick `json:"kicks"`

	// Active is the number of correctors that moved
	Active int `json:"active"`

	// Retained is the number of singular values kept when the solver is the pseudo-inverse
	Retained int `json:"retained,omitempty"`

	// Trace is the selection history when the solver is MICADO
	Trace *solver.Trace `json:"trace,omitempty"`

	// Initial holds the initial-condition offsets written to CorrectionOptions.Initial
	Initial *lattice.Particle `json:"initial,omitempty"`
}

// Correction computes and applies one orbit correction.
//
// The combined system from System is solved, each corrector moves by
// −[(1−α)·a_orbit + α·a_dispersion], and the lattice transfer maps are
// updated.  Kicks are checked for finiteness and limits before any corrector
// is touched, so an error leaves every corrector as it was, except for an
// error from UpdateTransferMaps which is returned after the kicks are applied.
// Correction does not iterate; call it again to converge further.
func (s *Session) Correction(ctx context.Context, o CorrectionOptions) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.Monitors) == 0 {
		return nil, fmt.Errorf("%w: there are no monitors", ErrConfiguration)
	}
	cors := s.Correctors()
	if len(cors) == 0 {
		return nil, fmt.Errorf("%w: there are no correctors", ErrConfiguration)
	}
	if !(o.Alpha >= 0 && o.Alpha <= 1) {
		return nil, fmt.Errorf("%w: alpha %g must be within [0, 1]", ErrConfiguration, o.Alpha)
	}
	if !(o.Beta >= 0) || math.IsInf(o.Beta, 1) {
		return nil, fmt.Errorf("%w: beta %g must be finite and non-negative", ErrConfiguration, o.Beta)
	}
	for _, m := range s.Monitors {
		if !validWeight(m.Weight) {
			return nil, fmt.Errorf("%w: monitor %s has weight %g", ErrConfiguration, m.ID, m.Weight)
		}
	}

	s.ReadMonitors()
	sys, err := s.System(o.Alpha, o.Beta, o.Initial != nil)
	if err != nil {
		return nil, err
	}
	s.log.Debug("combined system",
		zap.Int("rows", sys.Rows()),
		zap.Int("cols", sys.Cols()),
		zap.Bool("dispersion", sys.Dispersion),
		zap.Bool("regularized", sys.Regularized))

	rep := &Report{
		ID:     uuid.New().String(),
		Time:   time.Now(),
		Solver: s.Solver.String(),
		Mode:   s.Mode,
		Alpha:  o.Alpha,
		Beta:   o.Beta,
	}
	rep.RMSX, rep.RMSY = s.rms()

	var a []float64
	switch slv := s.Solver.(type) {
	case solver.MICADO:
		var tr solver.Trace
		a, tr, err = slv.SolveTrace(sys.A, sys.E)
		rep.Trace = &tr
	case solver.PseudoInverse:
		a, err = slv.Solve(sys.A, sys.E, sys.W)
		if err == nil {
			rep.Retained, err = slv.Retained(sys.A, sys.W)
		}
	default:
		a, err = s.Solver.Solve(sys.A, sys.E, sys.W)
	}
	if err != nil {
		return nil, fmt.Errorf("correction with %s solver: %w", s.Solver, err)
	}
	if len(a) != sys.Cols() {
		return nil, fmt.Errorf("%w: solver returned %d values for %d columns", ErrDimensionMismatch, len(a), sys.Cols())
	}

	n := len(cors)
	kicks := make([]Kick, n)
	for i, c := range cors {
		k := Kick{ID: c.ID, Plane: c.Plane, Before: c.Angle(), Orbit: a[i]}
		delta := (1 - o.Alpha) * a[i]
		if sys.Dispersion {
			k.Dispersion = a[n+i]
			delta += o.Alpha * a[n+i]
		}
		k.After = k.Before - delta
		if math.IsNaN(k.After) || math.IsInf(k.After, 0) {
			return nil, fmt.Errorf("%w: corrector %s would be set to %g", ErrNumericalDegeneracy, c.ID, k.After)
		}
		if !c.Limits.Check(k.After) {
			return nil, fmt.Errorf("%w: corrector %s would be set to %g, outside [%g, %g]",
				ErrLimit, c.ID, k.After, c.Limits.Min, c.Limits.Max)
		}
		kicks[i] = k
	}

	scale, unit := s.Mode.display()
	for i, c := range cors {
		c.SetAngle(kicks[i].After)
		if kicks[i].After != kicks[i].Before {
			rep.Active++
		}
		if o.PrintLog {
			s.log.Info("correction",
				zap.String("corrector", c.ID),
				zap.String("unit", unit),
				zap.Float64("before", kicks[i].Before*scale),
				zap.Float64("orbit", kicks[i].Orbit*scale),
				zap.Float64("dispersion", kicks[i].Dispersion*scale))
		}
	}
	rep.Kicks = kicks

	if o.Initial != nil {
		k := len(a)
		o.Initial.X = -a[k-4]
		o.Initial.Px = -a[k-3]
		o.Initial.Y = -a[k-2]
		o.Initial.Py = -a[k-1]
		p := *o.Initial
		rep.Initial = &p
	}

	if err := s.Lattice.UpdateTransferMaps(); err != nil {
		return rep, fmt.Errorf("updating transfer maps after correction: %w", err)
	}
	s.log.Info("orbit corrected",
		zap.String("id", rep.ID),
		zap.String("solver", rep.Solver),
		zap.Int("active correctors", rep.Active),
		zap.Float64("rms x before", rep.RMSX),
		zap.Float64("rms y before", rep.RMSY))
	return rep, nil
}

func (s *Session) rms() (float64, float64) {
	var sx, sy float64
	for _, m := range s.Monitors {
		dx, dy := m.X-m.XRef, m.Y-m.YRef
		sx += dx * dx
		sy += dy * dy
	}
	n := float64(len(s.Monitors))
	if n == 0 {
		return 0, 0
	}
	return math.Sqrt(sx / n), math.Sqrt(sy / n)
}
