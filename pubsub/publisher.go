package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360/talkbus/codec"
	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/qos"
)

// TopicFor returns the topic called name carrying T
func TopicFor[T any](ctx context.Context, p *participant.Participant, name, profile string) (*participant.Topic, error) {
	return p.GetOrCreateTopic(ctx, name, codec.TypeID[T](), profile)
}

// checkTopic rejects a topic whose type id is not T's
func checkTopic[T any](topic *participant.Topic, component string) error {
	if topic == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, component, "New", "check topic")
	}
	if want := codec.TypeID[T](); topic.TypeID() != want {
		return errors.WrapInvalid(
			fmt.Errorf("%w: topic %q carries %q, not %q", errors.ErrTopicTypeMismatch, topic.Name(), topic.TypeID(), want),
			component, "New", "match topic type")
	}
	return nil
}

// Correlation links an outgoing sample to an earlier one
type Correlation struct {
	Related middleware.SampleID
	Failed  bool
	Error   string
}

// Publisher writes samples of T to one topic. It is safe for concurrent use.
type Publisher[T any] struct {
	topic   *participant.Topic
	writer  middleware.Writer
	qos     qos.Descriptor
	codec   codec.Codec
	logger  *slog.Logger
	metrics *metric.Metrics
	closed  atomic.Bool
}

// NewPublisher creates a writer on topic. On success the publisher owns the
// caller's topic reference and releases it on Close.
func NewPublisher[T any](ctx context.Context, topic *participant.Topic, opts ...Option) (*Publisher[T], error) {
	if err := checkTopic[T](topic, "Publisher"); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	p := topic.Participant()

	q, err := p.Resolve(qos.KindPublisher, o.profile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Publisher", "New", "resolve QoS")
	}
	w, err := p.Middleware().CreateWriter(ctx, topic.Handle(), q)
	if err != nil {
		return nil, errors.Wrap(err, "Publisher", "New", "create writer on "+topic.Name())
	}

	logger := o.logger
	if logger == nil {
		logger = p.Logger()
	}
	pub := &Publisher[T]{
		topic:   topic,
		writer:  w,
		qos:     q,
		codec:   o.codec,
		logger:  logger.With("component", "publisher", "topic", topic.Name()),
		metrics: p.Metrics().CoreMetrics(),
	}
	pub.logger.Debug("Publisher created", "type", topic.TypeID(), "qos", q.String())
	return pub, nil
}

// Advertise creates the topic for T and a publisher on it
func Advertise[T any](ctx context.Context, p *participant.Participant, name string, opts ...Option) (*Publisher[T], error) {
	o := applyOptions(opts)
	topic, err := TopicFor[T](ctx, p, name, o.profile)
	if err != nil {
		return nil, err
	}
	pub, err := NewPublisher[T](ctx, topic, opts...)
	if err != nil {
		_ = topic.Release()
		return nil, err
	}
	return pub, nil
}

// Topic returns the topic the publisher writes to
func (p *Publisher[T]) Topic() *participant.Topic { return p.topic }

// QoS returns the resolved writer QoS
func (p *Publisher[T]) QoS() qos.Descriptor { return p.qos }

// GUID returns the writer id, which prefixes every sample id it assigns
func (p *Publisher[T]) GUID() middleware.GUID { return p.writer.GUID() }

// Publish hands v to the middleware. It returns once the middleware accepted
// or refused the sample; refusals wrap ErrPublish and are not retried.
func (p *Publisher[T]) Publish(ctx context.Context, v T) error {
	_, err := p.PublishCorrelated(ctx, v, Correlation{})
	return err
}

// PublishCorrelated publishes v carrying the correlation fields and returns
// the id the middleware assigned
func (p *Publisher[T]) PublishCorrelated(ctx context.Context, v T, c Correlation) (middleware.SampleID, error) {
	if p.closed.Load() {
		return middleware.SampleID{}, errors.WrapFatal(errors.Join(errors.ErrPublish, errors.ErrClosed),
			"Publisher", "Publish", "check publisher state")
	}

	payload, err := codec.Encode(p.codec, v)
	if err != nil {
		p.metrics.RecordPublished(p.topic.Name(), false)
		return middleware.SampleID{}, errors.WrapInvalid(errors.Join(errors.ErrPublish, err),
			"Publisher", "Publish", "encode sample")
	}

	id, err := p.writer.Write(ctx, middleware.Sample{
		TypeID:  p.topic.TypeID(),
		Payload: payload,
		Info: middleware.SampleInfo{
			Related: c.Related,
			Failed:  c.Failed,
			Error:   c.Error,
		},
	})
	if err != nil {
		p.metrics.RecordPublished(p.topic.Name(), false)
		return middleware.SampleID{}, errors.WrapTransient(errors.Join(errors.ErrPublish, err),
			"Publisher", "Publish", "write sample")
	}

	p.metrics.RecordPublished(p.topic.Name(), true)
	return id, nil
}

// MatchedSubscribers returns the number of compatible readers, or -1 when the
// middleware cannot tell
func (p *Publisher[T]) MatchedSubscribers() int {
	return p.writer.MatchedReaders()
}

// Close detaches the writer and releases the topic
func (p *Publisher[T]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	werr := p.writer.Close()
	terr := p.topic.Release()
	if werr != nil {
		return errors.Wrap(werr, "Publisher", "Close", "close writer")
	}
	return terr
}
