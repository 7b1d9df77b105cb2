package reqrep

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pkg/worker"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/qos"
)

var requesterSeq atomic.Uint64

// Requester sends requests of Req and correlates replies of Rep. The pending
// table lives on the requester's active object: registration, reply matching
// and sweeping all run there.
type Requester[Req, Rep any] struct {
	requests   *pubsub.Publisher[Req]
	replies    *pubsub.Subscriber[Rep]
	qos        qos.Descriptor
	worker     *worker.ActiveObject
	ownsWorker bool
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metric.Metrics

	pending    map[middleware.SampleID]*pending[Rep] // worker goroutine only
	inFlight   atomic.Int64
	unmatched  atomic.Int64
	stopSweep  func()
	closed     atomic.Bool
	mismatchLg rate.Sometimes
}

// NewRequester creates a requester publishing on requestTopic and listening
// on replyTopic
func NewRequester[Req, Rep any](ctx context.Context, p *participant.Participant, requestTopic, replyTopic string,
	opts ...Option) (*Requester[Req, Rep], error) {
	cfg := p.Config()
	o := options{timeout: cfg.Requester.DefaultTimeout, sweepInterval: cfg.Requester.SweepInterval}
	for _, opt := range opts {
		opt(&o)
	}

	q, err := p.Resolve(qos.KindRequester, o.profile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Requester", "New", "resolve QoS")
	}

	logger := o.logger
	if logger == nil {
		logger = p.Logger()
	}
	r := &Requester[Req, Rep]{
		qos:        q,
		worker:     o.worker,
		timeout:    o.timeout,
		logger:     logger.With("component", "requester", "topic", requestTopic),
		metrics:    p.Metrics().CoreMetrics(),
		pending:    make(map[middleware.SampleID]*pending[Rep]),
		mismatchLg: rate.Sometimes{Interval: time.Second},
	}

	if r.worker == nil {
		r.worker = p.NewWorker(fmt.Sprintf("req/%s#%d", requestTopic, requesterSeq.Add(1)))
		if err := r.worker.Start(context.Background()); err != nil {
			return nil, errors.Wrap(err, "Requester", "New", "start worker")
		}
		r.ownsWorker = true
	}

	// Listen before the first request can go out
	r.replies, err = pubsub.Subscribe[Rep](ctx, p, replyTopic,
		pubsub.WithProfile(q.Profile),
		pubsub.WithWorker(r.worker),
		pubsub.WithLogger(logger),
		pubsub.WithCallback(pubsub.Callback[Rep](r.onReply)))
	if err != nil {
		r.stopOwnedWorker()
		return nil, err
	}

	r.requests, err = pubsub.Advertise[Req](ctx, p, requestTopic,
		pubsub.WithProfile(q.Profile),
		pubsub.WithLogger(logger))
	if err != nil {
		_ = r.replies.Close(context.Background())
		r.stopOwnedWorker()
		return nil, err
	}

	r.stopSweep = r.worker.Every(o.sweepInterval, func(context.Context) error {
		r.sweep(time.Now())
		return nil
	})

	r.logger.Debug("Requester created", "reply_topic", replyTopic, "qos", q.String(), "timeout", r.timeout)
	return r, nil
}

// DialService creates a requester for the service naming convention
func DialService[Req, Rep any](ctx context.Context, p *participant.Participant, service string,
	opts ...Option) (*Requester[Req, Rep], error) {
	return NewRequester[Req, Rep](ctx, p, RequestTopic(service), ReplyTopic(service), opts...)
}

func (r *Requester[Req, Rep]) stopOwnedWorker() {
	if r.ownsWorker {
		_ = r.worker.Stop(context.Background())
	}
}

// SendRequestAsync publishes payload and registers it as pending. A timeout
// of zero uses the requester default. The request is published and registered
// in one step on the worker, so no reply can be matched before registration.
//
// Called from a work item of the same active object, ctx must be the one the
// work item received.
func (r *Requester[Req, Rep]) SendRequestAsync(ctx context.Context, payload Req, timeout time.Duration,
	opts ...SendOption[Rep]) (*Handle[Rep], error) {
	if r.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrClosed, "Requester", "SendRequestAsync", "check requester state")
	}
	if timeout <= 0 {
		timeout = r.timeout
	}
	var so sendOptions[Rep]
	for _, opt := range opts {
		opt(&so)
	}

	var handle *Handle[Rep]
	err := r.worker.Run(ctx, func(context.Context) error {
		now := time.Now()
		r.sweep(now)

		id, err := r.requests.PublishCorrelated(ctx, payload, pubsub.Correlation{})
		if err != nil {
			return err
		}

		e := newPending[Rep](id, timeout, so.callback)
		r.pending[id] = e
		r.setInFlight()
		e.timer.Store(time.AfterFunc(timeout, func() {
			r.expire(e, timeout)
		}))

		handle = &Handle[Rep]{entry: e, cancel: func() { r.cancel(e, nil) }, inWorker: r.worker.InWorker}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Requester", "SendRequestAsync", "send request")
	}
	return handle, nil
}

// Request sends payload and waits for the reply. It fails with ErrWouldBlock,
// without sending, when called from a work item of the requester's worker.
func (r *Requester[Req, Rep]) Request(ctx context.Context, payload Req, timeout time.Duration) (Rep, error) {
	if r.worker.InWorker(ctx) {
		var zero Rep
		return zero, errors.WrapInvalid(errors.ErrWouldBlock, "Requester", "Request",
			"check calling worker; use SendRequestAsync with WithCallback")
	}
	h, err := r.SendRequestAsync(ctx, payload, timeout)
	if err != nil {
		var zero Rep
		return zero, err
	}
	return h.Await(ctx)
}

// expire runs on the timer goroutine
func (r *Requester[Req, Rep]) expire(e *pending[Rep], timeout time.Duration) {
	var zero Rep
	err := fmt.Errorf("%w: request %s got no reply within %v", errors.ErrTimeout, e.id, timeout)
	if e.transition(stateTimedOut, zero, err) {
		r.scheduleFinish(e)
	}
}

// cancel may run on any goroutine
func (r *Requester[Req, Rep]) cancel(e *pending[Rep], cause error) {
	if cancelEntry(e, cause) {
		r.scheduleFinish(e)
	}
}

func cancelEntry[Rep any](e *pending[Rep], cause error) bool {
	var zero Rep
	err := fmt.Errorf("%w: request %s", errors.ErrCancelled, e.id)
	if cause != nil {
		err = fmt.Errorf("%w: request %s: %w", errors.ErrCancelled, e.id, cause)
	}
	return e.transition(stateCancelled, zero, err)
}

// scheduleFinish queues removal of a completed entry; when the queue refuses,
// the periodic sweep removes it instead
func (r *Requester[Req, Rep]) scheduleFinish(e *pending[Rep]) {
	_ = r.worker.Enqueue(func(context.Context) error {
		r.finish(e)
		return nil
	})
}

// onReply runs on the worker
func (r *Requester[Req, Rep]) onReply(_ context.Context, rep Rep, info middleware.SampleInfo) error {
	if info.Related.Writer != r.requests.GUID() {
		// A reply to another requester on the same topic
		return nil
	}

	e, ok := r.pending[info.Related]
	if ok {
		var resolved bool
		if info.Failed {
			var zero Rep
			resolved = e.transition(stateFailed, zero,
				fmt.Errorf("%w: request %s: %s", errors.ErrRemoteFailure, info.Related, info.Error))
		} else {
			resolved = e.transition(stateResolved, rep, nil)
		}
		if resolved {
			r.finish(e)
			return nil
		}
	}

	total := r.unmatched.Add(1)
	r.metrics.RecordUnmatchedReply(r.requests.Topic().Name())
	r.mismatchLg.Do(func() {
		r.logger.Warn("Dropped reply", "error", errors.ErrCorrelationMismatch,
			"related", info.Related.String(), "unmatched_total", total)
	})
	return nil
}

// sweep runs on the worker: it times out expired entries and removes
// completed ones whose finish could not be queued
func (r *Requester[Req, Rep]) sweep(now time.Time) {
	for _, e := range r.pending {
		if e.state.Load() == statePending && e.expired(now) {
			var zero Rep
			e.transition(stateTimedOut, zero,
				fmt.Errorf("%w: request %s got no reply within %v", errors.ErrTimeout, e.id, e.deadline.Sub(e.submitted)))
		}
		select {
		case <-e.done:
			r.finish(e)
		default:
		}
	}
}

// finish runs on the worker. It removes a completed entry and runs its
// callback; entries already removed are ignored so each callback runs once.
func (r *Requester[Req, Rep]) finish(e *pending[Rep]) {
	if cur, ok := r.pending[e.id]; !ok || cur != e {
		return
	}
	delete(r.pending, e.id)
	r.setInFlight()

	state := e.state.Load()
	r.metrics.RecordRequestOutcome(r.requests.Topic().Name(), outcomeNames[state], e.completed.Sub(e.submitted))
	if state == stateTimedOut {
		r.logger.Debug("Request timed out", "request", e.id.String())
	}

	if e.callback != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Request callback panicked", "request", e.id.String(), "panic", fmt.Sprint(p))
				}
			}()
			e.callback(e.rep, e.err)
		}()
	}
}

func (r *Requester[Req, Rep]) setInFlight() {
	n := len(r.pending)
	r.inFlight.Store(int64(n))
	r.metrics.RecordPending(r.requests.Topic().Name(), n)
}

// Pending returns the number of requests awaiting a reply
func (r *Requester[Req, Rep]) Pending() int { return int(r.inFlight.Load()) }

// Unmatched returns the number of replies dropped for lack of a pending request
func (r *Requester[Req, Rep]) Unmatched() int64 { return r.unmatched.Load() }

// IsConnected reports whether a replier may be listening. Middleware that
// cannot count matches reports connected.
func (r *Requester[Req, Rep]) IsConnected() bool {
	return r.requests.MatchedSubscribers() != 0
}

// QoS returns the resolved requester QoS
func (r *Requester[Req, Rep]) QoS() qos.Descriptor { return r.qos }

// Worker returns the active object owning the pending table
func (r *Requester[Req, Rep]) Worker() *worker.ActiveObject { return r.worker }

// Health reports the worker state plus the number of pending requests
func (r *Requester[Req, Rep]) Health() health.Status {
	name := "requester/" + r.requests.Topic().Name()
	if r.closed.Load() {
		return health.NewUnhealthy(name, "closed")
	}
	st := health.FromWorker(r.worker.Stats())
	st.Component = name
	if st.Metrics != nil {
		st.Metrics.Pending = r.Pending()
	}
	return st
}

// Close cancels every pending request, closes the topics and stops an owned
// worker
func (r *Requester[Req, Rep]) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.stopSweep()

	cancelAll := func(context.Context) error {
		for _, e := range r.pending {
			cancelEntry(e, errors.ErrClosed)
			<-e.done
			r.finish(e)
		}
		return nil
	}
	if err := r.worker.Run(ctx, cancelAll); stderrors.Is(err, worker.ErrStopped) || stderrors.Is(err, worker.ErrNotStarted) {
		// The worker is gone, nothing else touches the table
		_ = cancelAll(ctx)
	}

	var errs []error
	if err := r.replies.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.requests.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.ownsWorker {
		if err := r.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
