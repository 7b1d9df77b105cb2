// Package worker provides the active object that serializes middleware callbacks
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/pkg/buffer"
)

// WorkItem is a unit of work run on the worker goroutine. The context carries
// the worker identity and is cancelled once the active object stops.
type WorkItem func(ctx context.Context) error

// StopPolicy decides what happens to queued items on Stop.
type StopPolicy int

const (
	// StopDrain runs every item enqueued before Stop, then exits.
	StopDrain StopPolicy = iota
	// StopDiscard drops every item still queued.
	StopDiscard
)

// String returns the configuration name of the policy.
func (p StopPolicy) String() string {
	if p == StopDiscard {
		return "discard"
	}
	return "drain"
}

// ParseStopPolicy maps a configuration string to a policy.
func ParseStopPolicy(s string) (StopPolicy, bool) {
	switch s {
	case "drain", "":
		return StopDrain, true
	case "discard":
		return StopDiscard, true
	default:
		return StopDrain, false
	}
}

const (
	stateCreated int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// Defaults applied by NewActiveObject
const (
	DefaultQueueSize      = 1024
	DefaultEnqueueTimeout = time.Second
)

type workerKey struct{}

// ActiveObject owns one goroutine and one bounded FIFO queue. Items run one at a
// time in arrival order; errors and panics are logged and counted and never
// stop the worker.
type ActiveObject struct {
	name           string
	queueSize      int
	overflow       buffer.OverflowPolicy
	enqueueTimeout time.Duration
	stopPolicy     StopPolicy
	logger         *slog.Logger
	metrics        *metric.Metrics

	queue buffer.Buffer[WorkItem]

	lifecycleMu sync.Mutex
	state       atomic.Int32
	discarding  atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	stopWatch   func() bool
	done        chan struct{}

	timersMu sync.Mutex
	timers   map[int]context.CancelFunc
	timerSeq int
	timersWG sync.WaitGroup

	enqueued atomic.Int64
	executed atomic.Int64
	failed   atomic.Int64
	panicked atomic.Int64
	dropped  atomic.Int64

	dropLog rate.Sometimes
}

// Option represents a configuration option for the active object
type Option func(*ActiveObject)

// WithQueueSize sets the queue capacity
func WithQueueSize(size int) Option {
	return func(a *ActiveObject) {
		if size > 0 {
			a.queueSize = size
		}
	}
}

// WithOverflowPolicy sets what Enqueue does on a full queue
func WithOverflowPolicy(policy buffer.OverflowPolicy) Option {
	return func(a *ActiveObject) {
		a.overflow = policy
	}
}

// WithEnqueueTimeout bounds how long a producer waits under the Block policy.
// Zero or negative waits without bound.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(a *ActiveObject) {
		a.enqueueTimeout = d
	}
}

// WithStopPolicy sets drain or discard on Stop
func WithStopPolicy(policy StopPolicy) Option {
	return func(a *ActiveObject) {
		a.stopPolicy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *ActiveObject) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records queue depth, drops and failures in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(a *ActiveObject) {
		a.metrics = registry.CoreMetrics()
	}
}

// NewActiveObject creates a stopped active object. Call Start before Enqueue.
func NewActiveObject(name string, opts ...Option) *ActiveObject {
	a := &ActiveObject{
		name:           name,
		queueSize:      DefaultQueueSize,
		overflow:       buffer.Block,
		enqueueTimeout: DefaultEnqueueTimeout,
		stopPolicy:     StopDrain,
		logger:         slog.Default(),
		timers:         make(map[int]context.CancelFunc),
		dropLog:        rate.Sometimes{Interval: time.Second},
	}

	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "active_object", "worker", name)

	// Capacity is fixed so a buffer error here can only come from metrics, which are not used
	a.queue, _ = buffer.NewCircularBuffer[WorkItem](a.queueSize,
		buffer.WithOverflowPolicy[WorkItem](a.overflow),
		buffer.WithDropCallback[WorkItem](func(WorkItem) { a.recordDrop() }))

	return a
}

// Name returns the name given at construction
func (a *ActiveObject) Name() string {
	return a.name
}

// Start launches the worker goroutine. Cancelling ctx triggers Stop with the
// configured policy; values carried by ctx are visible to work items.
func (a *ActiveObject) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	switch a.state.Load() {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopping, stateStopped:
		return ErrStopped
	}

	a.ctx, a.cancel = context.WithCancel(context.WithValue(context.WithoutCancel(ctx), workerKey{}, a))
	a.done = make(chan struct{})
	a.state.Store(stateRunning)

	go a.run()

	a.stopWatch = context.AfterFunc(ctx, func() {
		if err := a.Stop(context.Background()); err != nil {
			a.logger.Warn("Stop after context cancellation failed", "error", err)
		}
	})

	a.logger.Debug("Active object started",
		"queue_size", a.queueSize, "overflow", a.overflow.String(), "stop_policy", a.stopPolicy.String())
	return nil
}

// Enqueue appends item to the queue. It is safe to call from any goroutine,
// including middleware listener threads.
func (a *ActiveObject) Enqueue(item WorkItem) error {
	if item == nil {
		return ErrNilWorkItem
	}

	switch a.state.Load() {
	case stateCreated:
		return ErrNotStarted
	case stateStopping, stateStopped:
		return ErrStopped
	}

	var err error
	if a.overflow == buffer.Block && a.enqueueTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.enqueueTimeout)
		err = a.queue.WriteContext(ctx, item)
		cancel()
	} else {
		err = a.queue.Write(item)
	}

	switch {
	case err == nil:
		a.enqueued.Add(1)
		a.metrics.RecordQueueDepth(a.name, a.queue.Size())
		return nil
	case stderrors.Is(err, errors.ErrQueueFull):
		return errors.WrapTransient(ErrQueueFull, "ActiveObject", "Enqueue", "queue work item")
	case stderrors.Is(err, errors.ErrClosed):
		return ErrStopped
	default:
		return errors.Wrap(err, "ActiveObject", "Enqueue", "queue work item")
	}
}

func (a *ActiveObject) recordDrop() {
	total := a.dropped.Add(1)
	a.metrics.RecordDropped(a.name)
	a.dropLog.Do(func() {
		a.logger.Warn("Work item dropped", "dropped_total", total, "queue_size", a.queueSize)
	})
}

// run is the worker goroutine
func (a *ActiveObject) run() {
	defer close(a.done)

	for {
		item, err := a.queue.ReadContext(a.ctx)
		if err != nil {
			return
		}
		a.metrics.RecordQueueDepth(a.name, a.queue.Size())

		if a.discarding.Load() {
			a.recordDrop()
			continue
		}
		a.execute(item)
	}
}

func (a *ActiveObject) execute(item WorkItem) {
	defer a.executed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			a.panicked.Add(1)
			a.metrics.RecordHandlerFailure(a.name, "panic")
			a.logger.Error("Work item panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if err := item(a.ctx); err != nil {
		a.failed.Add(1)
		a.metrics.RecordHandlerFailure(a.name, "error")
		a.logger.Warn("Work item failed", "error", err)
	}
}

// Stop halts the active object and joins the worker. Under StopDrain every item
// enqueued before Stop runs first; under StopDiscard they are dropped. No item
// runs after Stop returns nil. When ctx ends first the remaining items are
// discarded and ErrStopTimeout is returned.
//
// Calling Stop from a work item of the same active object does not join.
func (a *ActiveObject) Stop(ctx context.Context) error {
	a.lifecycleMu.Lock()
	switch a.state.Load() {
	case stateCreated:
		a.state.Store(stateStopped)
		a.lifecycleMu.Unlock()
		_ = a.queue.Close()
		return nil
	case stateStopping, stateStopped:
		done := a.done
		a.lifecycleMu.Unlock()
		if done == nil || a.InWorker(ctx) {
			return nil
		}
		return a.wait(ctx, done)
	}
	a.state.Store(stateStopping)
	a.stopWatch()
	done := a.done
	a.lifecycleMu.Unlock()

	a.cancelTimers()

	if a.stopPolicy == StopDiscard {
		a.discarding.Store(true)
		a.queue.Clear()
	}
	_ = a.queue.Close()

	if a.InWorker(ctx) {
		// The worker exits after the current item returns
		go a.finish(done)
		return nil
	}

	err := a.wait(ctx, done)
	if err != nil {
		a.discarding.Store(true)
		go a.finish(done)
		return err
	}
	a.finish(done)
	return nil
}

func (a *ActiveObject) wait(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ErrStopTimeout, "ActiveObject", "Stop", "join worker")
	}
}

func (a *ActiveObject) finish(done chan struct{}) {
	<-done
	a.timersWG.Wait()
	a.cancel()
	a.metrics.ForgetWorker(a.name)
	if a.state.CompareAndSwap(stateStopping, stateStopped) {
		a.logger.Debug("Active object stopped", "executed", a.executed.Load(), "dropped", a.dropped.Load())
	}
}

// InWorker reports whether ctx was handed to a work item by this active object.
func (a *ActiveObject) InWorker(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(workerKey{}).(*ActiveObject)
	return owner == a
}

// Every enqueues item at each interval until the returned cancel func is
// called or the active object stops. Ticks that arrive while an enqueue is
// still blocked are coalesced.
func (a *ActiveObject) Every(interval time.Duration, item WorkItem) (cancel func()) {
	if interval <= 0 || item == nil {
		return func() {}
	}

	a.timersMu.Lock()
	if st := a.state.Load(); st == stateStopping || st == stateStopped {
		a.timersMu.Unlock()
		return func() {}
	}
	ctx, stop := context.WithCancel(context.Background())
	id := a.timerSeq
	a.timerSeq++
	a.timers[id] = stop
	a.timersWG.Add(1)
	a.timersMu.Unlock()

	go func() {
		defer a.timersWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Enqueue(item); stderrors.Is(err, ErrStopped) {
					return
				}
			}
		}
	}()

	return func() {
		a.timersMu.Lock()
		delete(a.timers, id)
		a.timersMu.Unlock()
		stop()
	}
}

func (a *ActiveObject) cancelTimers() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	for id, stop := range a.timers {
		stop()
		delete(a.timers, id)
	}
}

// Run enqueues fn and waits for it to finish, returning its error. Called from
// a work item of the same active object it runs fn inline.
func (a *ActiveObject) Run(ctx context.Context, fn WorkItem) error {
	if fn == nil {
		return ErrNilWorkItem
	}
	if a.InWorker(ctx) {
		return fn(ctx)
	}

	result := make(chan error, 1)
	err := a.Enqueue(func(wctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("work item panicked: %v", r)
				result <- err
				panic(r)
			}
			result <- err
		}()
		return fn(wctx)
	})
	if err != nil {
		return err
	}

	a.lifecycleMu.Lock()
	done := a.done
	a.lifecycleMu.Unlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stats is a point-in-time view of an active object
type Stats struct {
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	Capacity   int    `json:"capacity"`
	QueueDepth int    `json:"queue_depth"`
	Enqueued   int64  `json:"enqueued"`
	Executed   int64  `json:"executed"`
	Failed     int64  `json:"failed"`
	Panicked   int64  `json:"panicked"`
	Dropped    int64  `json:"dropped"`
}

// Stats returns current statistics
func (a *ActiveObject) Stats() Stats {
	return Stats{
		Name:       a.name,
		Running:    a.state.Load() == stateRunning,
		Capacity:   a.queue.Capacity(),
		QueueDepth: a.queue.Size(),
		Enqueued:   a.enqueued.Load(),
		Executed:   a.executed.Load(),
		Failed:     a.failed.Load(),
		Panicked:   a.panicked.Load(),
		Dropped:    a.dropped.Load(),
	}
}
