package orbit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beamlab/orbitcorr/generichttp"
	"github.com/beamlab/orbitcorr/solver"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHTTPCorrect(t *testing.T) {
	lat, sess := demoSession(t, 3)
	hw := NewHTTPWrapper(sess, &Measurer{})
	h := hw.Handler()

	w := do(t, h, http.MethodPost, "/correct", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /correct returned %d: %s", w.Code, w.Body.String())
	}
	var rep Report
	if err := json.NewDecoder(w.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.Kicks) != 6 {
		t.Fatalf("report has %d kicks, expected 6", len(rep.Kicks))
	}
	if rep.Kicks[0].Plane != Horizontal || rep.Kicks[5].Plane != Vertical {
		t.Errorf("kick planes decoded as %s and %s", rep.Kicks[0].Plane, rep.Kicks[5].Plane)
	}
	moved := false
	for _, e := range lat.Elements() {
		if c, ok := e.(interface{ Angle() float64 }); ok && c.Angle() != 0 {
			moved = true
		}
	}
	if !moved {
		t.Errorf("POST /correct did not move any corrector in the lattice")
	}
}

func TestHTTPCorrectBadAlpha(t *testing.T) {
	_, sess := demoSession(t, 2)
	h := NewHTTPWrapper(sess, nil).Handler()
	w := do(t, h, http.MethodPost, "/correct", `{"alpha": 3}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("alpha=3 returned %d, expected 400", w.Code)
	}
}

func TestHTTPWeight(t *testing.T) {
	_, sess := demoSession(t, 2)
	h := NewHTTPWrapper(sess, nil).Handler()

	w := do(t, h, http.MethodPost, "/monitor/BPM0b/weight", `{"f64": 0.25}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST weight returned %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/monitor/BPM0b/weight", "")
	var f generichttp.FloatT
	if err := json.NewDecoder(w.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 0.25 {
		t.Errorf("weight read back as %g, expected 0.25", f.F64)
	}
	if w := do(t, h, http.MethodGet, "/monitor/nope/weight", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown monitor returned %d, expected 404", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/monitor/BPM0b/weight", `{"f64": -1}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative weight returned %d, expected 400", w.Code)
	}
}

func TestHTTPAlphaBeta(t *testing.T) {
	_, sess := demoSession(t, 2)
	hw := NewHTTPWrapper(sess, nil)
	h := hw.Handler()
	if w := do(t, h, http.MethodPost, "/alpha", `{"f64": 0.5}`); w.Code != http.StatusOK {
		t.Errorf("POST /alpha returned %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/beta", `{"f64": 0.01}`); w.Code != http.StatusOK {
		t.Errorf("POST /beta returned %d", w.Code)
	}
	if hw.Alpha != 0.5 || hw.Beta != 0.01 {
		t.Errorf("alpha, beta = %g, %g", hw.Alpha, hw.Beta)
	}
	if w := do(t, h, http.MethodPost, "/alpha", `{"f64": -0.5}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative alpha returned %d", w.Code)
	}
}

func TestHTTPSolver(t *testing.T) {
	_, sess := demoSession(t, 2)
	hw := NewHTTPWrapper(sess, nil)
	h := hw.Handler()
	if w := do(t, h, http.MethodGet, "/solver", ""); strings.TrimSpace(w.Body.String()) != `{"str":"svd"}` {
		t.Errorf("GET /solver wrote %s", w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/solver/maxcorrectors", `{"int": 2}`); w.Code != http.StatusOK {
		t.Fatalf("POST /solver/maxcorrectors returned %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/solver", `{"str": "micado"}`); w.Code != http.StatusOK {
		t.Fatalf("POST /solver returned %d: %s", w.Code, w.Body.String())
	}
	m, ok := sess.Solver.(solver.MICADO)
	if !ok || m.MaxCorrectors != 2 {
		t.Errorf("session solver is %#v, expected micado capped at 2", sess.Solver)
	}
	if w := do(t, h, http.MethodGet, "/solver/maxcorrectors", ""); strings.TrimSpace(w.Body.String()) != `{"int":2}` {
		t.Errorf("GET /solver/maxcorrectors wrote %s", w.Body.String())
	}

	if w := do(t, h, http.MethodPost, "/solver", `{"str": "simplex"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown solver returned %d, expected 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/solver/maxcorrectors", `{"int": -1}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative cap returned %d, expected 400", w.Code)
	}
	if sess.Solver.String() != "micado" || hw.SolverOptions.MaxCorrectors != 2 {
		t.Errorf("rejected requests changed the solver to %s, cap %d", sess.Solver, hw.SolverOptions.MaxCorrectors)
	}
}

func TestHTTPLock(t *testing.T) {
	_, sess := demoSession(t, 2)
	h := NewHTTPWrapper(sess, nil).Handler()
	if w := do(t, h, http.MethodPost, "/lock", `{"bool": true}`); w.Code != http.StatusOK {
		t.Fatalf("POST /lock returned %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/correct", ""); w.Code != http.StatusLocked {
		t.Errorf("locked POST /correct returned %d, expected 423", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/orbit", ""); w.Code != http.StatusOK {
		t.Errorf("locked GET /orbit returned %d, expected 200", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/lock", ""); !strings.Contains(w.Body.String(), `"holder":"operator"`) {
		t.Errorf("GET /lock wrote %s", w.Body.String())
	}
}

func TestHTTPMeasure(t *testing.T) {
	_, sess := demoSession(t, 2)
	old := sess.Response
	hw := NewHTTPWrapper(sess, &Measurer{})
	h := hw.Handler()
	w := do(t, h, http.MethodPost, "/measure", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /measure returned %d: %s", w.Code, w.Body.String())
	}
	if sess.Response == old {
		t.Errorf("response matrix not replaced")
	}
	if hw.Locker.Locked() {
		t.Errorf("lock held after measuring")
	}
	w = do(t, h, http.MethodPost, "/measure?quantity=dispersion", "")
	if w.Code != http.StatusOK || sess.DispersionResponse == nil {
		t.Errorf("dispersion measurement returned %d", w.Code)
	}
}

func TestHTTPReadOnly(t *testing.T) {
	_, sess := demoSession(t, 2)
	h := NewHTTPWrapper(sess, nil).Handler()

	w := do(t, h, http.MethodGet, "/orbit", "")
	var mons []Monitor
	if err := json.NewDecoder(w.Body).Decode(&mons); err != nil {
		t.Fatal(err)
	}
	if len(mons) != 4 {
		t.Errorf("GET /orbit returned %d monitors, expected 4", len(mons))
	}

	w = do(t, h, http.MethodGet, "/correctors", "")
	var cors []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&cors); err != nil {
		t.Fatal(err)
	}
	if len(cors) != 4 || cors[0]["id"] != "CX0" || cors[0]["plane"] != "horizontal" {
		t.Errorf("GET /correctors returned %v", cors)
	}

	w = do(t, h, http.MethodGet, "/orbit.png", "")
	if w.Code != http.StatusOK || !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Errorf("GET /orbit.png returned %d, %d bytes", w.Code, w.Body.Len())
	}

	w = do(t, h, http.MethodGet, "/endpoints", "")
	var eps []string
	if err := json.NewDecoder(w.Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range eps {
		if e == "POST /correct" {
			found = true
		}
	}
	if !found {
		t.Errorf("endpoints %v lack POST /correct", eps)
	}
}
