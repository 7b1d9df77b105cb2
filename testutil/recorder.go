package testutil

import (
	"sync"
	"testing"
	"time"
)

// Recorder collects values from concurrent producers
type Recorder[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{notify: make(chan struct{}, 1)}
}

// Add records v
func (r *Recorder[T]) Add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Items returns a copy of everything recorded so far
func (r *Recorder[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// Len returns the number of recorded values
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// WaitFor blocks until at least n values are recorded and returns them, or
// fails the test after timeout
func (r *Recorder[T]) WaitFor(t testing.TB, n int, timeout time.Duration) []T {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if items := r.Items(); len(items) >= n {
			return items
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			t.Fatalf("timeout waiting for %d values (got %d)", n, r.Len())
			return nil
		}
	}
}

// Never fails the test if anything is recorded within d
func (r *Recorder[T]) Never(t testing.TB, d time.Duration) {
	t.Helper()

	time.Sleep(d)
	if n := r.Len(); n > 0 {
		t.Fatalf("expected no values, got %d", n)
	}
}

// Eventually polls cond every 5ms until it holds, or fails the test after timeout
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
