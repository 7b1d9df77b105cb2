package pubsub

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/talkbus/codec"
	"github.com/c360/talkbus/pkg/worker"
)

// Option configures a Publisher, Subscriber or QueueSubscriber. Options that
// do not apply to an entity are ignored by it.
type Option func(*options)

type options struct {
	profile        string
	worker         *worker.ActiveObject
	callback       any
	deadlineMissed func(ctx context.Context, silence time.Duration)
	codec          codec.Codec
	logger         *slog.Logger
}

func applyOptions(opts []Option) options {
	o := options{codec: codec.JSON}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithProfile selects the QoS profile of the entity
func WithProfile(profile string) Option {
	return func(o *options) {
		o.profile = profile
	}
}

// WithWorker runs deliveries on a shared, caller-started active object
// instead of one owned by the subscriber
func WithWorker(ao *worker.ActiveObject) Option {
	return func(o *options) {
		o.worker = ao
	}
}

// WithCallback installs the handler before the reader attaches, so samples
// replayed to a transient-local subscriber are not discarded
func WithCallback[T any](cb Callback[T]) Option {
	return func(o *options) {
		o.callback = cb
	}
}

// WithDeadlineMissed calls fn on the worker each time the QoS deadline passes
// without a sample. It has no effect when the resolved QoS has no deadline.
func WithDeadlineMissed(fn func(ctx context.Context, silence time.Duration)) Option {
	return func(o *options) {
		o.deadlineMissed = fn
	}
}

// WithCodec replaces the JSON codec
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger replaces the participant logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
