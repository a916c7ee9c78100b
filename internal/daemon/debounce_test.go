package daemon

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

// batchRecorder collects flushed batches.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]string
	flushed chan struct{}
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{flushed: make(chan struct{}, 10)}
}

func (r *batchRecorder) flush(paths []string) {
	r.mu.Lock()
	r.batches = append(r.batches, paths)
	r.mu.Unlock()
	r.flushed <- struct{}{}
}

func (r *batchRecorder) get() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func waitFlush(t *testing.T, r *batchRecorder) {
	t.Helper()
	select {
	case <-r.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for flush")
	}
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	r := newBatchRecorder()
	d := NewDebouncer(50*time.Millisecond, r.flush)
	defer d.Stop()

	for _, p := range []string{"b.vcf", "a.vcf", "b.vcf"} {
		d.Add(p)
		time.Sleep(10 * time.Millisecond)
	}
	if got := d.State(); got != StatePending {
		t.Errorf("State() = %s, want pending", got)
	}

	waitFlush(t, r)

	// Nothing else should arrive.
	select {
	case <-r.flushed:
		t.Fatal("Unexpected second flush")
	case <-time.After(150 * time.Millisecond):
	}

	want := [][]string{{"a.vcf", "b.vcf"}}
	if got := r.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("batches = %v, want %v", got, want)
	}
	if got := d.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestDebouncerWindowRestartsOnEvent(t *testing.T) {
	r := newBatchRecorder()
	d := NewDebouncer(100*time.Millisecond, r.flush)
	defer d.Stop()

	start := time.Now()
	for i := 0; i < 4; i++ {
		d.Add("a.vcf")
		time.Sleep(60 * time.Millisecond)
	}
	waitFlush(t, r)

	// Four events 60ms apart keep a 100ms window open for at least 240ms.
	if elapsed := time.Since(start); elapsed < 240*time.Millisecond {
		t.Errorf("flushed after %s, window was not restarted", elapsed)
	}
}

func TestDebouncerEventsDuringFlush(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var batches [][]string
	flushed := make(chan struct{}, 10)

	d := NewDebouncer(30*time.Millisecond, func(paths []string) {
		mu.Lock()
		first := len(batches) == 0
		batches = append(batches, paths)
		mu.Unlock()
		flushed <- struct{}{}
		if first {
			<-release
		}
	})
	defer d.Stop()

	d.Add("a.vcf")
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for first flush")
	}

	if got := d.State(); got != StateFlushing {
		t.Errorf("State() = %s, want flushing", got)
	}
	d.Add("b.vcf")
	if got := d.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	close(release)

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for second flush")
	}

	mu.Lock()
	defer mu.Unlock()
	want := [][]string{{"a.vcf"}, {"b.vcf"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("batches = %v, want %v", batches, want)
	}
}

func TestDebouncerStopDropsPending(t *testing.T) {
	r := newBatchRecorder()
	d := NewDebouncer(50*time.Millisecond, r.flush)

	d.Add("a.vcf")
	d.Stop()
	d.Add("b.vcf")

	select {
	case <-r.flushed:
		t.Fatal("Flush after Stop")
	case <-time.After(150 * time.Millisecond):
	}
	if got := d.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestDebouncerDefaultWindow(t *testing.T) {
	d := NewDebouncer(0, func([]string) {})
	if d.window != DefaultDebounce {
		t.Errorf("window = %s, want %s", d.window, DefaultDebounce)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StatePending, "pending"},
		{StateFlushing, "flushing"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
