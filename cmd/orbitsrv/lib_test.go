package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/beamlab/orbitcorr/orbit"
	"github.com/beamlab/orbitcorr/solver"
	"github.com/beamlab/orbitcorr/util"
)

func testConfig() Config {
	c := DefaultConfig()
	c.Lattice.Cells = 3
	c.Limits = map[string]util.Limiter{"CX1": {Min: -1, Max: 1}, "nope": {Min: -1, Max: 1}}
	return c
}

func TestBuildSession(t *testing.T) {
	c := testConfig()
	c.Measure.Dispersion = true
	var calls int
	sess, err := BuildSession(context.Background(), c, BuildMeasurer(c, zap.NewNop()), zap.NewNop(), func(done, total int) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Monitors) != 6 || len(sess.Correctors()) != 6 {
		t.Errorf("session has %d monitors and %d correctors", len(sess.Monitors), len(sess.Correctors()))
	}
	if sess.Response == nil || sess.DispersionResponse == nil {
		t.Fatalf("response matrices not measured")
	}
	if calls != 12 {
		t.Errorf("progress called %d times, expected 12", calls)
	}
	if cor, _ := sess.Corrector("CX1"); cor.Limits.Max != 1 {
		t.Errorf("limits not applied: %+v", cor.Limits)
	}
}

func TestBuildSessionBadConfig(t *testing.T) {
	c := testConfig()
	c.Lattice.Cells = 0
	if _, err := BuildSession(context.Background(), c, &orbit.Measurer{}, zap.NewNop(), nil); !errors.Is(err, orbit.ErrConfiguration) {
		t.Errorf("zero cells: expected ErrConfiguration, got %v", err)
	}
	c = testConfig()
	c.Solver.Kind = "simplex"
	if _, err := BuildSession(context.Background(), c, &orbit.Measurer{}, zap.NewNop(), nil); !errors.Is(err, solver.ErrUnknownSolver) {
		t.Errorf("unknown solver: expected ErrUnknownSolver, got %v", err)
	}
}

func TestBuildMux(t *testing.T) {
	c := testConfig()
	ms := BuildMeasurer(c, zap.NewNop())
	sess, err := BuildSession(context.Background(), c, ms, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	hw := orbit.NewHTTPWrapper(sess, ms)
	srv := httptest.NewServer(BuildMux(hw, c.Endpoint))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/ring/correct", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /ring/correct returned %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var eps []string
	if err := json.NewDecoder(resp.Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range eps {
		if e == "POST /ring/correct" {
			found = true
		}
	}
	if !found {
		t.Errorf("endpoints %v lack POST /ring/correct", eps)
	}
}

func TestApplyReload(t *testing.T) {
	c := testConfig()
	sess, err := BuildSession(context.Background(), c, &orbit.Measurer{}, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	hw := orbit.NewHTTPWrapper(sess, nil)
	c.Solver.Kind = solver.KindMICADO
	c.Beta = 0.5
	if err := applyReload(hw, c, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if hw.Session.Solver.String() != "micado" || hw.Beta != 0.5 || hw.SolverOptions.Kind != solver.KindMICADO {
		t.Errorf("reload left solver %s, beta %g", hw.Session.Solver, hw.Beta)
	}
	c.Alpha = 2
	if err := applyReload(hw, c, zap.NewNop()); !errors.Is(err, orbit.ErrConfiguration) {
		t.Errorf("alpha=2: expected ErrConfiguration, got %v", err)
	}
}
