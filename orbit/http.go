package orbit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"gonum.org/v1/plot/vg"

	"github.com/beamlab/orbitcorr/generichttp"
	"github.com/beamlab/orbitcorr/server/middleware/locker"
	"github.com/beamlab/orbitcorr/solver"
)

// measurementHolder holds the lock during POST /measure
const measurementHolder = "measurement"

// HTTPWrapper exposes a Session over HTTP.  Every handler holds the embedded
// mutex, so requests never interleave on the session
type HTTPWrapper struct {
	sync.Mutex

	Session  *Session
	Measurer *Measurer

	// Alpha and Beta are the defaults for POST /correct
	Alpha, Beta float64

	// SolverOptions are the options the session solver was built from.
	// POST /solver and /solver/maxcorrectors rebuild it from them
	SolverOptions solver.Options

	Locker *locker.Locker

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with a populated route table and a lock.
// POST /measure is only bound when measurer is not nil
func NewHTTPWrapper(sess *Session, measurer *Measurer) *HTTPWrapper {
	w := &HTTPWrapper{Session: sess, Measurer: measurer, Locker: locker.New(), SolverOptions: solver.DefaultOptions()}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/orbit"}:                 w.GetOrbit,
		{Method: http.MethodGet, Path: "/orbit.png"}:             w.GetOrbitPNG,
		{Method: http.MethodGet, Path: "/correctors"}:            w.GetCorrectors,
		{Method: http.MethodGet, Path: "/monitor/{id}/weight"}:   w.GetWeight,
		{Method: http.MethodPost, Path: "/monitor/{id}/weight"}:  w.SetWeight,
		{Method: http.MethodGet, Path: "/alpha"}:                 generichttp.GetFloat(w.getAlpha),
		{Method: http.MethodPost, Path: "/alpha"}:                generichttp.SetFloat(w.setAlpha),
		{Method: http.MethodGet, Path: "/beta"}:                  generichttp.GetFloat(w.getBeta),
		{Method: http.MethodPost, Path: "/beta"}:                 generichttp.SetFloat(w.setBeta),
		{Method: http.MethodGet, Path: "/solver"}:                generichttp.GetString(w.getSolver),
		{Method: http.MethodPost, Path: "/solver"}:               generichttp.SetString(w.setSolver),
		{Method: http.MethodGet, Path: "/solver/maxcorrectors"}:  generichttp.GetInt(w.getMaxCorrectors),
		{Method: http.MethodPost, Path: "/solver/maxcorrectors"}: generichttp.SetInt(w.setMaxCorrectors),
		{Method: http.MethodPost, Path: "/correct"}:              w.Correct,
	}
	if measurer != nil {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/measure"}] = w.Measure
	}
	w.RouteTable = rt
	locker.Inject(w, w.Locker)
	return w
}

// RT satisfies generichttp.HTTPer
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Handler returns a chi router with the lock middleware and every route bound
func (h *HTTPWrapper) Handler(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Use(h.Locker.Check)
	h.RT().Bind(r)
	return r
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrLimit), errors.Is(err, ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrNumericalDegeneracy):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// GetOrbit reads the monitors and replies with them as JSON
func (h *HTTPWrapper) GetOrbit(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	defer h.Unlock()
	h.Session.ReadMonitors()
	generichttp.RespondJSON(w, h.Session.Monitors)
}

// GetOrbitPNG reads the monitors and replies with a plot of the orbit
func (h *HTTPWrapper) GetOrbitPNG(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	defer h.Unlock()
	h.Session.ReadMonitors()
	w.Header().Set("Content-Type", "image/png")
	err := WriteOrbitPNG(w, h.Session.Monitors, "orbit", 8*vg.Inch, 4*vg.Inch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetCorrectors replies with every corrector and its present strength
func (h *HTTPWrapper) GetCorrectors(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	defer h.Unlock()
	cors := h.Session.Correctors()
	out := make([]correctorState, len(cors))
	for i, c := range cors {
		out[i] = correctorState{Corrector: c, Angle: c.Angle()}
	}
	generichttp.RespondJSON(w, out)
}

// GetWeight replies with the weight of the monitor named in the URL
func (h *HTTPWrapper) GetWeight(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	defer h.Unlock()
	id := chi.URLParam(r, "id")
	m, ok := h.Session.Monitor(id)
	if !ok {
		http.Error(w, fmt.Sprintf("no monitor %q", id), http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, generichttp.FloatT{F64: m.Weight})
}

// SetWeight sets the weight of the monitor named in the URL from {"f64": w}
func (h *HTTPWrapper) SetWeight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	generichttp.SetFloat(func(f float64) error {
		h.Lock()
		defer h.Unlock()
		return h.Session.SetWeight(id, f)
	})(w, r)
}

func (h *HTTPWrapper) getAlpha() (float64, error) {
	h.Lock()
	defer h.Unlock()
	return h.Alpha, nil
}

func (h *HTTPWrapper) setAlpha(f float64) error {
	if !(f >= 0 && f <= 1) {
		return fmt.Errorf("%w: alpha %g must be within [0, 1]", ErrConfiguration, f)
	}
	h.Lock()
	defer h.Unlock()
	h.Alpha = f
	return nil
}

func (h *HTTPWrapper) getBeta() (float64, error) {
	h.Lock()
	defer h.Unlock()
	return h.Beta, nil
}

func (h *HTTPWrapper) setBeta(f float64) error {
	if !validWeight(f) {
		return fmt.Errorf("%w: beta %g must be finite and non-negative", ErrConfiguration, f)
	}
	h.Lock()
	defer h.Unlock()
	h.Beta = f
	return nil
}

func (h *HTTPWrapper) getSolver() (string, error) {
	h.Lock()
	defer h.Unlock()
	return h.Session.Solver.String(), nil
}

func (h *HTTPWrapper) setSolver(kind string) error {
	h.Lock()
	defer h.Unlock()
	o := h.SolverOptions
	o.Kind = solver.Kind(kind)
	return h.rebuildSolver(o)
}

func (h *HTTPWrapper) getMaxCorrectors() (int, error) {
	h.Lock()
	defer h.Unlock()
	return h.SolverOptions.MaxCorrectors, nil
}

func (h *HTTPWrapper) setMaxCorrectors(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: max correctors %d must be non-negative", ErrConfiguration, n)
	}
	h.Lock()
	defer h.Unlock()
	o := h.SolverOptions
	o.MaxCorrectors = n
	return h.rebuildSolver(o)
}

// rebuildSolver replaces the session solver; the caller holds the mutex
func (h *HTTPWrapper) rebuildSolver(o solver.Options) error {
	slv, err := solver.New(o, h.Session.log)
	if err != nil {
		return err
	}
	h.SolverOptions = o
	h.Session.Solver = slv
	return nil
}

// Correct runs one correction and replies with the report.  The body is
// optional; {"alpha": a, "beta": b, "print_log": true} overrides the defaults
func (h *HTTPWrapper) Correct(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	defer h.Unlock()
	o := CorrectionOptions{Alpha: h.Alpha, Beta: h.Beta}
	err := json.NewDecoder(r.Body).Decode(&o)
	defer r.Body.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rep, err := h.Session.Correction(r.Context(), o)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	generichttp.RespondJSON(w, rep)
}

// Measure re-measures the orbit response, or the dispersion response with
// ?quantity=dispersion.  Every other mutating route is locked meanwhile
func (h *HTTPWrapper) Measure(w http.ResponseWriter, r *http.Request) {
	if !h.Locker.TryLock(measurementHolder) {
		http.Error(w, "locked by "+h.Locker.Holder(), http.StatusLocked)
		return
	}
	defer h.Locker.Unlock(measurementHolder)
	h.Lock()
	defer h.Unlock()

	q := OrbitQuantity
	if r.URL.Query().Get("quantity") == DispersionQuantity.String() {
		q = DispersionQuantity
	}
	s := h.Session
	mp := MeasuredProvider{Measurer: *h.Measurer, Quantity: q}
	rm, err := mp.ResponseMatrix(r.Context(), s.Lattice, s.HCors, s.VCors, s.Monitors)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	if q == DispersionQuantity {
		s.DispersionResponse = rm
	} else {
		s.Response = rm
	}
	rows, cols := rm.M.Dims()
	generichttp.RespondJSON(w, struct {
		Quantity   string   `json:"quantity"`
		Rows       int      `json:"rows"`
		Cols       int      `json:"cols"`
		Correctors []string `json:"correctors"`
	}{q.String(), rows, cols, rm.Correctors})
}
