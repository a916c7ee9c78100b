// Package health tracks engine readiness and serves it, together with a live
// stream of sync pass summaries, over a small optional HTTP server.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// State is the readiness state of the engine.
type State string

const (
	// StateStarting means one-time migrations have not completed yet.
	StateStarting State = "starting"
	// StateReady means migrations completed and no fatal error was recorded.
	StateReady State = "ready"
	// StateError means a fatal startup error was recorded.
	StateError State = "error"
)

// Status is a snapshot of a Tracker.
type Status struct {
	State State     `json:"status" yaml:"status"`
	Error string    `json:"error,omitempty" yaml:"error,omitempty"`
	Since time.Time `json:"since" yaml:"since"`
}

// Tracker records readiness. It is safe for concurrent use.
//
// A fatal error is terminal: MarkMigrated after MarkFatal keeps the error
// state so the process stays up for diagnostics while reporting unhealthy.
type Tracker struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

// NewTracker returns a Tracker in the starting state.
func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.status = Status{State: StateStarting, Since: t.now()}
	return t
}

// MarkMigrated records that one-time migrations completed.
func (t *Tracker) MarkMigrated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.State == StateStarting {
		t.status = Status{State: StateReady, Since: t.now()}
	}
}

// MarkFatal records a fatal startup error. Only the first error is kept.
func (t *Tracker) MarkFatal(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.State == StateError {
		return
	}
	t.status = Status{State: StateError, Error: err.Error(), Since: t.now()}
}

// Status returns the current readiness.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Ready reports whether the state is ready.
func (t *Tracker) Ready() bool {
	return t.Status().State == StateReady
}

// Handler reports the status as JSON: 200 when ready, 503 otherwise.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := t.Status()
		w.Header().Set("Content-Type", "application/json")
		if status.State != StateReady {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
