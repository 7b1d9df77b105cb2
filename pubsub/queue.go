package pubsub

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/talkbus/codec"
	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pkg/buffer"
	"github.com/c360/talkbus/qos"
)

// Message is a decoded sample with its metadata
type Message[T any] struct {
	Value T
	Info  middleware.SampleInfo
}

// QueueSubscriber is a pull-style subscription. Samples wait in a bounded
// buffer that drops the oldest entry when full.
type QueueSubscriber[T any] struct {
	topic   *participant.Topic
	reader  middleware.Reader
	qos     qos.Descriptor
	codec   codec.Codec
	logger  *slog.Logger
	metrics *metric.Metrics
	queue   buffer.Buffer[Message[T]]
	dropped atomic.Int64
	closed  atomic.Bool

	decodeLog rate.Sometimes
}

// NewQueueSubscriber creates a reader on topic that keeps at most capacity
// samples. A capacity below one uses the QoS history depth. On success the
// subscriber owns the caller's topic reference.
func NewQueueSubscriber[T any](ctx context.Context, topic *participant.Topic, capacity int,
	opts ...Option) (*QueueSubscriber[T], error) {
	if err := checkTopic[T](topic, "QueueSubscriber"); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	p := topic.Participant()

	q, err := p.Resolve(qos.KindSubscriber, o.profile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "QueueSubscriber", "New", "resolve QoS")
	}
	if capacity < 1 {
		capacity = q.HistoryLimit()
	}

	logger := o.logger
	if logger == nil {
		logger = p.Logger()
	}
	qs := &QueueSubscriber[T]{
		topic:     topic,
		qos:       q,
		codec:     o.codec,
		logger:    logger.With("component", "queue-subscriber", "topic", topic.Name()),
		metrics:   p.Metrics().CoreMetrics(),
		decodeLog: rate.Sometimes{Interval: time.Second},
	}
	qs.queue, err = buffer.NewCircularBuffer[Message[T]](capacity,
		buffer.WithOverflowPolicy[Message[T]](buffer.DropOldest),
		buffer.WithDropCallback[Message[T]](func(Message[T]) { qs.dropped.Add(1) }))
	if err != nil {
		return nil, errors.WrapInvalid(err, "QueueSubscriber", "New", "create queue")
	}

	r, err := p.Middleware().CreateReader(ctx, topic.Handle(), q, middleware.ListenerFunc(qs.onDataAvailable))
	if err != nil {
		_ = qs.queue.Close()
		return nil, errors.Wrap(err, "QueueSubscriber", "New", "create reader on "+topic.Name())
	}
	qs.reader = r
	return qs, nil
}

// SubscribeQueue creates the topic for T and a queue subscriber on it
func SubscribeQueue[T any](ctx context.Context, p *participant.Participant, name string, capacity int,
	opts ...Option) (*QueueSubscriber[T], error) {
	o := applyOptions(opts)
	topic, err := TopicFor[T](ctx, p, name, o.profile)
	if err != nil {
		return nil, err
	}
	qs, err := NewQueueSubscriber[T](ctx, topic, capacity, opts...)
	if err != nil {
		_ = topic.Release()
		return nil, err
	}
	return qs, nil
}

func (q *QueueSubscriber[T]) onDataAvailable(r middleware.Reader) {
	for {
		sample, ok := r.Take()
		if !ok {
			return
		}
		if q.closed.Load() {
			continue
		}
		v, err := codec.Decode[T](q.codec, sample.Payload)
		if err != nil {
			q.decodeLog.Do(func() {
				q.logger.Warn("Dropped undecodable sample", "sample", sample.Info.ID.String(), "error", err)
			})
			continue
		}
		if err := q.queue.Write(Message[T]{Value: v, Info: sample.Info}); err == nil {
			q.metrics.RecordDelivered(q.topic.Name())
		}
	}
}

// Pop blocks until a sample is available, ctx ends or the subscriber closes
func (q *QueueSubscriber[T]) Pop(ctx context.Context) (Message[T], error) {
	m, err := q.queue.ReadContext(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrClosed) {
			return Message[T]{}, errors.ErrClosed
		}
		return Message[T]{}, err
	}
	return m, nil
}

// TryPop returns the oldest queued sample without blocking
func (q *QueueSubscriber[T]) TryPop() (Message[T], bool) {
	return q.queue.Read()
}

// PopAll removes and returns every queued sample, oldest first
func (q *QueueSubscriber[T]) PopAll() []Message[T] {
	return q.queue.ReadBatch(q.queue.Capacity())
}

// Len returns the number of queued samples
func (q *QueueSubscriber[T]) Len() int { return q.queue.Size() }

// Dropped returns how many samples were evicted by newer ones
func (q *QueueSubscriber[T]) Dropped() int64 { return q.dropped.Load() }

// Topic returns the topic the subscriber reads
func (q *QueueSubscriber[T]) Topic() *participant.Topic { return q.topic }

// MatchedPublishers returns the number of compatible writers, or -1 when the
// middleware cannot tell
func (q *QueueSubscriber[T]) MatchedPublishers() int {
	return q.reader.MatchedWriters()
}

// Close detaches the reader, wakes blocked Pop calls and releases the topic
func (q *QueueSubscriber[T]) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	rerr := q.reader.Close()
	_ = q.queue.Close()
	terr := q.topic.Release()
	if rerr != nil {
		return errors.Wrap(rerr, "QueueSubscriber", "Close", "close reader")
	}
	return terr
}
