package daemon

import (
	"sort"
	"sync"
	"time"
)

// DefaultDebounce is the quiet window used when none is configured.
const DefaultDebounce = 2 * time.Second

// State is the phase of a Debouncer.
type State int

const (
	// StateIdle means no change is waiting.
	StateIdle State = iota
	// StatePending means changes are waiting for the window to expire.
	StatePending
	// StateFlushing means the flush callback is running.
	StateFlushing
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Debouncer coalesces file changes into batches.
//
// Every Add while pending restarts the window. When the window expires the
// accumulated paths are handed to the flush callback in one call. Paths added
// during a flush are kept and open a new window once the flush returns, so a
// change is never lost and the callback never runs concurrently with itself.
type Debouncer struct {
	window time.Duration
	flush  func(paths []string)

	mu      sync.Mutex
	state   State
	pending map[string]struct{}
	timer   *time.Timer
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// NewDebouncer creates a Debouncer calling flush after window of quiet.
// A non-positive window uses DefaultDebounce.
func NewDebouncer(window time.Duration, flush func(paths []string)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]struct{}),
	}
}

// Add records a changed path.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending[path] = struct{}{}

	switch d.state {
	case StateIdle, StatePending:
		d.state = StatePending
		d.arm()
	case StateFlushing:
		// fire re-arms after the flush.
	}
}

// State returns the current phase.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pending returns the number of paths waiting for the next flush.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels a pending window and waits for a running flush to return.
// Pending paths are dropped; the next full pass picks them up.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.disarm()
	d.pending = make(map[string]struct{})
	if d.state == StatePending {
		d.state = StateIdle
	}
	d.mu.Unlock()

	d.running.Wait()
}

// arm (re)starts the window. Callers hold mu.
func (d *Debouncer) arm() {
	d.disarm()
	d.gen++
	gen := d.gen
	d.running.Add(1)
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// disarm stops the current window timer. A timer that already fired
// accounts for itself in fire. Callers hold mu.
func (d *Debouncer) disarm() {
	if d.timer != nil && d.timer.Stop() {
		d.running.Done()
	}
	d.timer = nil
}

func (d *Debouncer) fire(gen uint64) {
	defer d.running.Done()

	d.mu.Lock()
	if d.stopped || gen != d.gen || d.state != StatePending {
		d.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(d.pending))
	for path := range d.pending {
		batch = append(batch, path)
	}
	d.pending = make(map[string]struct{})
	d.timer = nil
	d.state = StateFlushing
	d.mu.Unlock()

	sort.Strings(batch)
	d.flush(batch)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 && !d.stopped {
		d.state = StatePending
		d.arm()
		return
	}
	d.state = StateIdle
}
