package reqrep

import (
	"log/slog"
	"time"

	"github.com/c360/talkbus/pkg/worker"
)

// Option configures a Requester or Replier
type Option func(*options)

type options struct {
	profile       string
	worker        *worker.ActiveObject
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// WithProfile selects the QoS profile for both the request and reply topics
func WithProfile(profile string) Option {
	return func(o *options) {
		o.profile = profile
	}
}

// WithWorker runs correlation and handlers on a shared, caller-started
// active object
func WithWorker(ao *worker.ActiveObject) Option {
	return func(o *options) {
		o.worker = ao
	}
}

// WithTimeout sets the request timeout used when SendRequestAsync gets none
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSweepInterval sets how often expired requests are swept
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithLogger replaces the participant logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// SendOption configures one request
type SendOption[Rep any] func(*sendOptions[Rep])

type sendOptions[Rep any] struct {
	callback func(Rep, error)
}

// WithCallback runs fn exactly once on the requester's worker when the
// request resolves, times out, fails or is cancelled
func WithCallback[Rep any](fn func(Rep, error)) SendOption[Rep] {
	return func(o *sendOptions[Rep]) {
		o.callback = fn
	}
}

// RequestTopic names the topic carrying requests for service
func RequestTopic(service string) string { return service + "/request" }

// ReplyTopic names the topic carrying replies for service
func ReplyTopic(service string) string { return service + "/reply" }
