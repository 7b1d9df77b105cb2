package reqrep

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
)

// Request states. A request leaves statePending exactly once.
const (
	statePending int32 = iota
	stateResolved
	stateFailed
	stateTimedOut
	stateCancelled
)

var outcomeNames = map[int32]string{
	stateResolved:  "resolved",
	stateFailed:    "failed",
	stateTimedOut:  "timeout",
	stateCancelled: "cancelled",
}

// pending is one outstanding request. The state moves once, from any
// goroutine; removal from the table and the callback happen on the worker.
type pending[Rep any] struct {
	id        middleware.SampleID
	submitted time.Time
	deadline  time.Time
	timer     atomic.Pointer[time.Timer]
	callback  func(Rep, error)

	state     atomic.Int32
	completed time.Time
	rep       Rep
	err       error
	done      chan struct{}
}

func newPending[Rep any](id middleware.SampleID, timeout time.Duration, cb func(Rep, error)) *pending[Rep] {
	now := time.Now()
	return &pending[Rep]{
		id:        id,
		submitted: now,
		deadline:  now.Add(timeout),
		callback:  cb,
		done:      make(chan struct{}),
	}
}

// transition leaves the pending state; only the first call wins
func (p *pending[Rep]) transition(state int32, rep Rep, err error) bool {
	if !p.state.CompareAndSwap(statePending, state) {
		return false
	}
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
	p.completed = time.Now()
	p.rep = rep
	p.err = err
	close(p.done)
	return true
}

func (p *pending[Rep]) expired(now time.Time) bool {
	return !now.Before(p.deadline)
}

// Handle tracks one request sent with SendRequestAsync
type Handle[Rep any] struct {
	entry    *pending[Rep]
	cancel   func()
	inWorker func(context.Context) bool
}

// ID returns the request sample id that replies refer to
func (h *Handle[Rep]) ID() middleware.SampleID { return h.entry.id }

// Done is closed once the request has left the pending state
func (h *Handle[Rep]) Done() <-chan struct{} { return h.entry.done }

// Await blocks until the request resolves, times out, fails or is cancelled.
// If ctx ends first the request is cancelled.
//
// Replies are correlated on the requester's worker, so a work item of that
// worker cannot wait for one: Await fails with ErrWouldBlock there unless the
// request has already finished. Use WithCallback instead.
func (h *Handle[Rep]) Await(ctx context.Context) (Rep, error) {
	select {
	case <-h.entry.done:
		return h.entry.rep, h.entry.err
	default:
	}
	if h.inWorker != nil && h.inWorker(ctx) {
		var zero Rep
		return zero, errors.WrapInvalid(fmt.Errorf("%w: request %s", errors.ErrWouldBlock, h.entry.id),
			"Handle", "Await", "check calling worker")
	}

	select {
	case <-h.entry.done:
	case <-ctx.Done():
		h.Cancel()
		<-h.entry.done
	}
	return h.entry.rep, h.entry.err
}

// Cancel abandons the request. A reply arriving later is treated as unmatched.
// Cancelling a finished request does nothing.
func (h *Handle[Rep]) Cancel() {
	h.cancel()
}
