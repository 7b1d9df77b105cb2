package pubsub

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/talkbus/codec"
	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pkg/worker"
	"github.com/c360/talkbus/qos"
)

// Callback handles one sample on the subscriber's worker goroutine. A
// returned error is logged and counted; delivery continues.
type Callback[T any] func(ctx context.Context, v T, info middleware.SampleInfo) error

var subscriberSeq atomic.Uint64

// Subscriber delivers samples of T to a replaceable callback, one at a time,
// on an active object.
type Subscriber[T any] struct {
	topic      *participant.Topic
	reader     middleware.Reader
	qos        qos.Descriptor
	codec      codec.Codec
	logger     *slog.Logger
	metrics    *metric.Metrics
	worker     *worker.ActiveObject
	ownsWorker bool

	callback atomic.Pointer[Callback[T]]
	detached atomic.Bool // no new samples are queued
	closed   atomic.Bool // queued samples are dropped

	deadlineMissed func(ctx context.Context, silence time.Duration)
	stopDeadline   func()
	lastSample     time.Time // worker goroutine only

	decodeLog  rate.Sometimes
	enqueueLog rate.Sometimes
}

// NewSubscriber creates a reader on topic. Without WithWorker the subscriber
// starts and owns its active object. On success the subscriber owns the
// caller's topic reference and releases it on Close.
func NewSubscriber[T any](ctx context.Context, topic *participant.Topic, opts ...Option) (*Subscriber[T], error) {
	if err := checkTopic[T](topic, "Subscriber"); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	p := topic.Participant()

	q, err := p.Resolve(qos.KindSubscriber, o.profile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Subscriber", "New", "resolve QoS")
	}

	logger := o.logger
	if logger == nil {
		logger = p.Logger()
	}
	s := &Subscriber[T]{
		topic:          topic,
		qos:            q,
		codec:          o.codec,
		logger:         logger.With("component", "subscriber", "topic", topic.Name()),
		metrics:        p.Metrics().CoreMetrics(),
		worker:         o.worker,
		deadlineMissed: o.deadlineMissed,
		lastSample:     time.Now(),
		decodeLog:      rate.Sometimes{Interval: time.Second},
		enqueueLog:     rate.Sometimes{Interval: time.Second},
	}
	if o.callback != nil {
		cb, ok := o.callback.(Callback[T])
		if !ok {
			return nil, errors.WrapInvalid(fmt.Errorf("callback type %T does not handle %s", o.callback, topic.TypeID()),
				"Subscriber", "New", "check callback")
		}
		s.callback.Store(&cb)
	}

	if s.worker == nil {
		s.worker = p.NewWorker(fmt.Sprintf("sub/%s#%d", topic.Name(), subscriberSeq.Add(1)))
		if err := s.worker.Start(context.Background()); err != nil {
			return nil, errors.Wrap(err, "Subscriber", "New", "start worker")
		}
		s.ownsWorker = true
	}

	r, err := p.Middleware().CreateReader(ctx, topic.Handle(), q, middleware.ListenerFunc(s.onDataAvailable))
	if err != nil {
		if s.ownsWorker {
			_ = s.worker.Stop(context.Background())
		}
		return nil, errors.Wrap(err, "Subscriber", "New", "create reader on "+topic.Name())
	}
	s.reader = r

	if q.Deadline > 0 && s.deadlineMissed != nil {
		s.stopDeadline = s.worker.Every(q.Deadline, s.checkDeadline)
	}

	s.logger.Debug("Subscriber created", "type", topic.TypeID(), "qos", q.String(), "worker", s.worker.Name())
	return s, nil
}

// Subscribe creates the topic for T and a subscriber on it
func Subscribe[T any](ctx context.Context, p *participant.Participant, name string, opts ...Option) (*Subscriber[T], error) {
	o := applyOptions(opts)
	topic, err := TopicFor[T](ctx, p, name, o.profile)
	if err != nil {
		return nil, err
	}
	s, err := NewSubscriber[T](ctx, topic, opts...)
	if err != nil {
		_ = topic.Release()
		return nil, err
	}
	return s, nil
}

// SetCallback replaces the handler. Samples already queued run with whichever
// handler is current when they are dequeued; nil discards them.
func (s *Subscriber[T]) SetCallback(cb Callback[T]) {
	if cb == nil {
		s.callback.Store(nil)
		return
	}
	s.callback.Store(&cb)
}

// onDataAvailable runs on a middleware goroutine: take everything, decode,
// and queue one work item per sample
func (s *Subscriber[T]) onDataAvailable(r middleware.Reader) {
	for {
		sample, ok := r.Take()
		if !ok {
			return
		}
		if s.detached.Load() {
			continue
		}

		v, err := codec.Decode[T](s.codec, sample.Payload)
		if err != nil {
			s.decodeLog.Do(func() {
				s.logger.Warn("Dropped undecodable sample", "sample", sample.Info.ID.String(), "error", err)
			})
			continue
		}

		info := sample.Info
		err = s.worker.Enqueue(func(ctx context.Context) error {
			return s.deliver(ctx, v, info)
		})
		if err != nil && !stderrors.Is(err, worker.ErrStopped) {
			s.enqueueLog.Do(func() {
				s.logger.Warn("Dropped sample", "sample", info.ID.String(), "error", err)
			})
		}
	}
}

func (s *Subscriber[T]) deliver(ctx context.Context, v T, info middleware.SampleInfo) error {
	if s.closed.Load() {
		return nil
	}
	s.lastSample = time.Now()

	cb := s.callback.Load()
	if cb == nil {
		return nil
	}
	s.metrics.RecordDelivered(s.topic.Name())
	return (*cb)(ctx, v, info)
}

func (s *Subscriber[T]) checkDeadline(ctx context.Context) error {
	if s.detached.Load() {
		return nil
	}
	if silence := time.Since(s.lastSample); silence >= s.qos.Deadline {
		s.deadlineMissed(ctx, silence)
	}
	return nil
}

// Topic returns the topic the subscriber reads
func (s *Subscriber[T]) Topic() *participant.Topic { return s.topic }

// QoS returns the resolved reader QoS
func (s *Subscriber[T]) QoS() qos.Descriptor { return s.qos }

// Worker returns the active object running deliveries
func (s *Subscriber[T]) Worker() *worker.ActiveObject { return s.worker }

// MatchedPublishers returns the number of compatible writers, or -1 when the
// middleware cannot tell
func (s *Subscriber[T]) MatchedPublishers() int {
	return s.reader.MatchedWriters()
}

// Health reports the state of the delivery worker
func (s *Subscriber[T]) Health() health.Status {
	if s.detached.Load() {
		return health.NewUnhealthy("subscriber/"+s.topic.Name(), "closed")
	}
	st := health.FromWorker(s.worker.Stats())
	st.Component = "subscriber/" + s.topic.Name()
	return st
}

// Close detaches the reader, stops an owned worker under its stop policy and
// releases the topic. Deliveries still queued on a shared worker are dropped.
func (s *Subscriber[T]) Close(ctx context.Context) error {
	if !s.detached.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopDeadline != nil {
		s.stopDeadline()
	}

	var errs []error
	if err := s.reader.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "Subscriber", "Close", "close reader"))
	}
	if s.ownsWorker {
		if err := s.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closed.Store(true)
	if err := s.topic.Release(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
