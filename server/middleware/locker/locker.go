// Package locker provides an HTTP middleware that refuses mutating requests
// with 423 (locked) while an operator or a long-running job holds the lock
package locker

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/beamlab/orbitcorr/generichttp"
)

// Operator is the holder recorded for locks taken over HTTP
const Operator = "operator"

// Inject adds GET and POST /lock to a generichttp.HTTPer
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a non-blocking lock with a named holder.  GET requests and paths
// containing one of DoNotProtect always pass
type Locker struct {
	mu     sync.Mutex
	holder string

	DoNotProtect []string
}

// New returns a Locker that never protects the lock route itself
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock takes the lock for holder, replacing any previous holder
func (l *Locker) Lock(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = holder
}

// TryLock takes the lock for holder only if it is free
func (l *Locker) TryLock(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return false
	}
	l.holder = holder
	return true
}

// Unlock releases the lock if holder holds it, and reports whether it did
func (l *Locker) Unlock(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != holder {
		return false
	}
	l.holder = ""
	return true
}

// Holder returns who holds the lock, "" if nobody does
func (l *Locker) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Locked returns true if anybody holds the lock
func (l *Locker) Locked() bool {
	return l.Holder() != ""
}

func (l *Locker) protects(r *http.Request) bool {
	if r.Method == http.MethodGet {
		return false
	}
	for _, str := range l.DoNotProtect {
		if strings.Contains(r.URL.Path, str) {
			return false
		}
	}
	return true
}

// Check is the middleware; it replies 423 naming the holder to protected requests while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if holder := l.Holder(); holder != "" && l.protects(r) {
			http.Error(w, "locked by "+holder, http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks for Operator or unlocks per {"bool": v}.  Unlocking a lock
// held by anyone else is refused with 409
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock(Operator)
	} else if !l.Unlock(Operator) && l.Locked() {
		http.Error(w, "locked by "+l.Holder(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet replies {"locked": bool, "holder": str}
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	holder := l.Holder()
	generichttp.RespondJSON(w, struct {
		Locked bool   `json:"locked"`
		Holder string `json:"holder"`
	}{holder != "", holder})
}
