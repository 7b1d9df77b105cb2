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
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/qos"
)

// Handler answers one request. A returned error, or a panic, is sent back as
// a failed reply carrying the error text, except an error matching
// errors.ErrNoReply, which sends nothing. RequestInfo(ctx) describes the
// request sample.
type Handler[Req, Rep any] func(ctx context.Context, req Req) (Rep, error)

type requestInfoKey struct{}

// RequestInfo returns the sample info of the request a Handler is serving
func RequestInfo(ctx context.Context) (middleware.SampleInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(middleware.SampleInfo)
	return info, ok
}

// Replier serves requests of Req with replies of Rep. Requests are handled
// one at a time on the replier's worker.
type Replier[Req, Rep any] struct {
	requests *pubsub.Subscriber[Req]
	replies  *pubsub.Publisher[Rep]
	qos      qos.Descriptor
	logger   *slog.Logger

	handler  atomic.Pointer[Handler[Req, Rep]]
	served   atomic.Int64
	failed   atomic.Int64
	withheld atomic.Int64
	closed   atomic.Bool

	idleLog rate.Sometimes
}

// NewReplier creates a replier listening on requestTopic and answering on
// replyTopic. Requests arriving before SetHandler are dropped.
func NewReplier[Req, Rep any](ctx context.Context, p *participant.Participant, requestTopic, replyTopic string,
	opts ...Option) (*Replier[Req, Rep], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	q, err := p.Resolve(qos.KindReplier, o.profile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Replier", "New", "resolve QoS")
	}

	logger := o.logger
	if logger == nil {
		logger = p.Logger()
	}
	r := &Replier[Req, Rep]{
		qos:     q,
		logger:  logger.With("component", "replier", "topic", requestTopic),
		idleLog: rate.Sometimes{Interval: time.Second},
	}

	// Advertise replies before the first request can arrive
	r.replies, err = pubsub.Advertise[Rep](ctx, p, replyTopic,
		pubsub.WithProfile(q.Profile),
		pubsub.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	subOpts := []pubsub.Option{
		pubsub.WithProfile(q.Profile),
		pubsub.WithLogger(logger),
		pubsub.WithCallback(pubsub.Callback[Req](r.onRequest)),
	}
	if o.worker != nil {
		subOpts = append(subOpts, pubsub.WithWorker(o.worker))
	}
	r.requests, err = pubsub.Subscribe[Req](ctx, p, requestTopic, subOpts...)
	if err != nil {
		_ = r.replies.Close()
		return nil, err
	}

	r.logger.Debug("Replier created", "reply_topic", replyTopic, "qos", q.String())
	return r, nil
}

// AdvertiseService creates a replier for the service naming convention and
// installs handler
func AdvertiseService[Req, Rep any](ctx context.Context, p *participant.Participant, service string,
	handler Handler[Req, Rep], opts ...Option) (*Replier[Req, Rep], error) {
	r, err := NewReplier[Req, Rep](ctx, p, RequestTopic(service), ReplyTopic(service), opts...)
	if err != nil {
		return nil, err
	}
	r.SetHandler(handler)
	return r, nil
}

// SetHandler replaces the handler; nil stops answering
func (r *Replier[Req, Rep]) SetHandler(h Handler[Req, Rep]) {
	if h == nil {
		r.handler.Store(nil)
		return
	}
	r.handler.Store(&h)
}

// onRequest runs on the worker
func (r *Replier[Req, Rep]) onRequest(ctx context.Context, req Req, info middleware.SampleInfo) error {
	h := r.handler.Load()
	if h == nil {
		r.idleLog.Do(func() {
			r.logger.Warn("Dropped request, no handler installed", "request", info.ID.String())
		})
		return nil
	}

	rep, err := r.invoke(context.WithValue(ctx, requestInfoKey{}, info), *h, req)
	if stderrors.Is(err, errors.ErrNoReply) {
		r.withheld.Add(1)
		r.logger.Debug("Reply withheld", "request", info.ID.String(), "reason", err)
		return nil
	}
	c := pubsub.Correlation{Related: info.ID}
	if err != nil {
		r.failed.Add(1)
		c.Failed = true
		c.Error = err.Error()
		var zero Rep
		rep = zero
		r.logger.Debug("Handler failed", "request", info.ID.String(), "error", err)
	}

	if _, perr := r.replies.PublishCorrelated(ctx, rep, c); perr != nil {
		return errors.Wrap(perr, "Replier", "onRequest", "publish reply to "+info.ID.String())
	}
	r.served.Add(1)
	return nil
}

func (r *Replier[Req, Rep]) invoke(ctx context.Context, h Handler[Req, Rep], req Req) (rep Rep, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, req)
}

// Served returns the number of replies sent, failed ones included
func (r *Replier[Req, Rep]) Served() int64 { return r.served.Load() }

// Failed returns the number of requests whose handler failed
func (r *Replier[Req, Rep]) Failed() int64 { return r.failed.Load() }

// Withheld returns the number of requests answered with no reply
func (r *Replier[Req, Rep]) Withheld() int64 { return r.withheld.Load() }

// QoS returns the resolved replier QoS
func (r *Replier[Req, Rep]) QoS() qos.Descriptor { return r.qos }

// Health reports the state of the request worker
func (r *Replier[Req, Rep]) Health() health.Status {
	st := r.requests.Health()
	st.Component = "replier/" + r.requests.Topic().Name()
	return st
}

// Close stops serving and closes both topics
func (r *Replier[Req, Rep]) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return stderrors.Join(r.requests.Close(ctx), r.replies.Close())
}
