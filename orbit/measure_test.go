package orbit

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"gonum.org/v1/gonum/mat"

	"github.com/beamlab/orbitcorr/lattice"
)

// flakyTracker tracks through lat, failing every call after the first ok,
// or only the first fail calls when ok is negative
type flakyTracker struct {
	lat   *lattice.Linear
	ok    int
	fail  int
	calls int
}

var errFlaky = errors.New("tracking failed")

func (f *flakyTracker) Track(lat lattice.Lattice, p *lattice.Particle) error {
	f.calls++
	if f.ok >= 0 && f.calls > f.ok {
		return errFlaky
	}
	if f.ok < 0 && f.calls <= f.fail {
		return errFlaky
	}
	return f.lat.Track(lat, p)
}

func demoMeasurer(t *testing.T, cells int) (*lattice.Linear, *Session, *Measurer) {
	t.Helper()
	lat := lattice.Demo(cells, 1e-3, 7)
	sess, err := NewSession(context.Background(), lat)
	if err != nil {
		t.Fatal(err)
	}
	return lat, sess, &Measurer{Lattice: lat, Tracker: lat, Monitors: sess.Monitors}
}

func TestMeasureCorrectorsMatchesOptics(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 2)
	rm, err := ms.MeasureCorrectors(context.Background(), sess.HCors, sess.VCors, OrbitQuantity)
	if err != nil {
		t.Fatal(err)
	}
	m := len(sess.Monitors)
	for i, mon := range sess.Monitors {
		for j, c := range sess.Correctors() {
			want := 0.
			if mon.S > c.S {
				want = lat.Beta * math.Sin(lat.Mu*(mon.S-c.S))
			}
			row := i
			if c.Plane == Vertical {
				row = i + m
			}
			if got := rm.M.At(row, j); math.Abs(got-want) > 1e-6 {
				t.Errorf("response of %s to %s is %g, expected %g", mon.ID, c.ID, got, want)
			}
			other := i + m
			if c.Plane == Vertical {
				other = i
			}
			if got := rm.M.At(other, j); math.Abs(got) > 1e-6 {
				t.Errorf("%s couples into the other plane at %s: %g", c.ID, mon.ID, got)
			}
		}
	}
}

func TestMeasureStepsWithinLimits(t *testing.T) {
	_, sess, ms := demoMeasurer(t, 2)
	free, err := ms.MeasureCorrectors(context.Background(), sess.HCors, nil, OrbitQuantity)
	if err != nil {
		t.Fatal(err)
	}
	// CX0 sits on its upper limit and must be stepped down
	c := sess.HCors[0]
	c.SetAngle(1e-5)
	c.Limits.Min, c.Limits.Max = -1e-3, 1e-5
	rm, err := ms.MeasureCorrectors(context.Background(), sess.HCors, nil, OrbitQuantity)
	if err != nil {
		t.Fatal(err)
	}
	for i := range sess.Monitors {
		if got, want := rm.M.At(i, 0), free.M.At(i, 0); math.Abs(got-want) > 1e-6 {
			t.Errorf("response at %s is %g stepping down, %g stepping up", sess.Monitors[i].ID, got, want)
		}
	}
	if c.Angle() != 1e-5 {
		t.Errorf("%s left at %g after measuring", c.ID, c.Angle())
	}

	c.Limits.Min = 1e-5
	if _, err := ms.MeasureCorrectors(context.Background(), sess.HCors, nil, OrbitQuantity); !errors.Is(err, ErrLimit) {
		t.Errorf("pinned corrector: expected ErrLimit, got %v", err)
	}
}

func TestMeasureDispersion(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 2)
	rm, err := ms.MeasureCorrectors(context.Background(), sess.HCors, nil, DispersionQuantity)
	if err != nil {
		t.Fatal(err)
	}
	mon, c := sess.Monitors[0], sess.HCors[0]
	want := lat.Eta * lat.Beta * math.Sin(lat.Mu*(mon.S-c.S))
	if got := rm.M.At(0, 0); math.Abs(got-want) > 1e-6 {
		t.Errorf("dispersion response %g, expected %g", got, want)
	}
}

func TestMeasureRestoresOnFailure(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 3)
	cors := sess.Correctors()
	for i, c := range cors {
		c.SetAngle(float64(i+1) * 1e-4)
	}
	// the reference reading and two columns succeed
	ms.Tracker = &flakyTracker{lat: lat, ok: 3}
	_, err := ms.MeasureCorrectors(context.Background(), sess.HCors, sess.VCors, OrbitQuantity)
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected the tracking error, got %v", err)
	}
	for i, c := range cors {
		if want := float64(i+1) * 1e-4; c.Angle() != want {
			t.Errorf("%s left at %g, expected %g", c.ID, c.Angle(), want)
		}
	}
}

func TestMeasureRetries(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 2)
	ms.Tracker = &flakyTracker{lat: lat, ok: -1, fail: 2}
	ms.Retry = backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	var done, total int
	ms.Progress = func(d, n int) { done, total = d, n }
	rm, err := ms.MeasureCorrectors(context.Background(), sess.HCors, sess.VCors, OrbitQuantity)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := rm.M.Dims(); r != 8 || c != 4 {
		t.Errorf("response is %dx%d, expected 8x4", r, c)
	}
	if done != 4 || total != 4 {
		t.Errorf("progress reported %d of %d", done, total)
	}
}

func TestMeasureCanceled(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 2)
	if err := lat.UpdateTransferMaps(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ms.Progress = func(done, total int) { cancel() }
	_, err := ms.MeasureCorrectors(ctx, sess.HCors, sess.VCors, OrbitQuantity)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	for _, c := range sess.Correctors() {
		if c.Angle() != 0 {
			t.Errorf("%s left at %g", c.ID, c.Angle())
		}
	}
}

func TestMeasureNoMonitors(t *testing.T) {
	lat := lattice.NewLinear()
	ms := Measurer{Lattice: lat, Tracker: lat}
	if _, err := ms.MeasureCorrectors(context.Background(), nil, nil, OrbitQuantity); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestMeasureElementOffsets(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 2)
	var quads []lattice.Misaligned
	var s []float64
	L := 0.
	for _, e := range lat.Elements() {
		if q, ok := e.(*lattice.MockQuad); ok {
			quads = append(quads, q)
			s = append(s, L+e.Length()/2)
		}
		L += e.Length()
	}
	dx, dy := quads[0].Offset()
	rm, err := ms.MeasureElementOffsets(context.Background(), quads[:1], quads[:1], 0)
	if err != nil {
		t.Fatal(err)
	}
	if rm.Correctors[0] != "QF0" || rm.Correctors[1] != "QF0" {
		t.Errorf("columns named %v", rm.Correctors)
	}
	mon := sess.Monitors[0]
	want := 0.5 * lat.Beta * math.Sin(lat.Mu*(mon.S-s[0]))
	if got := rm.M.At(0, 0); math.Abs(got-want) > 1e-6 {
		t.Errorf("horizontal offset response %g, expected %g", got, want)
	}
	if got := rm.M.At(len(sess.Monitors), 1); math.Abs(got-want) > 1e-6 {
		t.Errorf("vertical offset response %g, expected %g", got, want)
	}
	if x, y := quads[0].Offset(); x != dx || y != dy {
		t.Errorf("offset left at (%g, %g), expected (%g, %g)", x, y, dx, dy)
	}
}

func TestMeasureInitialConditions(t *testing.T) {
	lat, sess, ms := demoMeasurer(t, 2)
	p := lattice.Particle{X: 1e-3, E: 1}
	rm, err := ms.MeasureInitialConditions(context.Background(), p, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c := rm.Correctors; len(c) != 4 || c[0] != "x" || c[3] != "py" {
		t.Errorf("columns named %v", c)
	}
	m := len(sess.Monitors)
	for i, mon := range sess.Monitors {
		phi := lat.Mu * mon.S
		checks := []struct {
			row, col int
			want     float64
		}{
			{i, 0, math.Cos(phi)},
			{i, 1, lat.Beta * math.Sin(phi)},
			{i + m, 2, math.Cos(phi)},
			{i + m, 3, lat.Beta * math.Sin(phi)},
			{i + m, 0, 0},
		}
		for _, c := range checks {
			if got := rm.M.At(c.row, c.col); math.Abs(got-c.want) > 1e-6 {
				t.Errorf("%s: response (%d, %d) is %g, expected %g", mon.ID, c.row, c.col, got, c.want)
			}
		}
	}
}

func TestResponseExtractReorders(t *testing.T) {
	m := mat.NewDense(4, 2, []float64{
		1, 2, // x M1
		3, 4, // x M2
		5, 6, // y M1
		7, 8, // y M2
	})
	rm, err := NewResponseMatrix([]string{"M1", "M2"}, []string{"C1", "C2"}, m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := rm.Extract([]string{"C2"}, []string{"M2", "M1"})
	if err != nil {
		t.Fatal(err)
	}
	want := mat.NewDense(4, 1, []float64{4, 2, 8, 6})
	if !mat.Equal(got, want) {
		t.Errorf("extracted\n%v\nexpected\n%v", mat.Formatted(got), mat.Formatted(want))
	}
	if _, err := rm.Extract([]string{"C3"}, []string{"M1"}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("unknown corrector: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := rm.Extract(nil, []string{"M1"}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("no correctors: expected ErrConfiguration, got %v", err)
	}
	if _, err := NewResponseMatrix([]string{"M1"}, []string{"C1", "C2"}, m); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("bad shape: expected ErrDimensionMismatch, got %v", err)
	}
}
