package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	l := New()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := l.Check(ok)

	serve := func(method, path string) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w.Code
	}
	if c := serve(http.MethodPost, "/correct"); c != http.StatusOK {
		t.Errorf("unlocked POST returned %d", c)
	}
	l.Lock("measurement")
	if c := serve(http.MethodPost, "/correct"); c != http.StatusLocked {
		t.Errorf("locked POST returned %d, expected 423", c)
	}
	if c := serve(http.MethodGet, "/orbit"); c != http.StatusOK {
		t.Errorf("locked GET returned %d", c)
	}
	if c := serve(http.MethodPost, "/lock"); c != http.StatusOK {
		t.Errorf("locked POST /lock returned %d", c)
	}
	l.Unlock("measurement")
	if l.Locked() {
		t.Errorf("still locked after Unlock")
	}
}

func TestHTTPSet(t *testing.T) {
	l := New()
	w := httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": true}`)))
	if !l.Locked() {
		t.Fatalf("POST {bool: true} did not lock")
	}
	w = httptest.NewRecorder()
	l.HTTPGet(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"locked":true,"holder":"operator"}` {
		t.Errorf("HTTPGet wrote %s", got)
	}
	w = httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`nope`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body returned %d", w.Code)
	}
}

func TestTryLock(t *testing.T) {
	l := New()
	if !l.TryLock("measurement") {
		t.Fatalf("TryLock failed on a free lock")
	}
	if l.TryLock("other") {
		t.Errorf("TryLock succeeded on a held lock")
	}
	if h := l.Holder(); h != "measurement" {
		t.Errorf("holder %q, expected measurement", h)
	}
	l.Unlock("measurement")
	if !l.TryLock("other") {
		t.Errorf("TryLock failed after Unlock")
	}
}

func TestUnlockScopedToHolder(t *testing.T) {
	l := New()
	l.Lock("measurement")
	w := httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": false}`)))
	if w.Code != http.StatusConflict || l.Holder() != "measurement" {
		t.Errorf("operator unlock of a measurement returned %d, holder %q", w.Code, l.Holder())
	}

	// the operator takes over, then the measurement finishes
	l.Lock(Operator)
	if l.Unlock("measurement") {
		t.Errorf("measurement released the operator's lock")
	}
	if l.Holder() != Operator {
		t.Errorf("holder %q, expected %s", l.Holder(), Operator)
	}
	w = httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": false}`)))
	if w.Code != http.StatusOK || l.Locked() {
		t.Errorf("operator unlock returned %d, locked %v", w.Code, l.Locked())
	}
	w = httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": false}`)))
	if w.Code != http.StatusOK {
		t.Errorf("unlocking a free lock returned %d", w.Code)
	}
}
