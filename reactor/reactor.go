package reactor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/talkbus/codec"
	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pkg/worker"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/reqrep"
)

// Option configures a Reactor
type Option func(*Reactor)

// WithSharedWorker runs every subscriber callback, reply correlation and
// request handler of the reactor on one active object
func WithSharedWorker() Option {
	return func(r *Reactor) {
		r.shareWorker = true
	}
}

// WithLogger replaces the participant logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reactor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reactor composes publishers, subscribers, requesters and repliers of one
// participant behind a dispatch table keyed by topic and kind.
type Reactor struct {
	p           *participant.Participant
	base        *slog.Logger // handed to capabilities, which add their own component
	logger      *slog.Logger
	shareWorker bool
	worker      *worker.ActiveObject // nil unless shared

	mu      sync.RWMutex
	entries map[Key]*entry
	closed  bool

	dropped atomic.Int64
}

// New creates a reactor over p. The reactor does not take a participant
// reference; release p after closing the reactor.
func New(p *participant.Participant, opts ...Option) (*Reactor, error) {
	if p == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reactor", "New", "participant validation")
	}
	r := &Reactor{
		p:       p,
		logger:  p.Logger(),
		entries: make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.base = r.logger
	r.logger = r.base.With("component", "reactor")

	if r.shareWorker {
		r.worker = p.NewWorker(fmt.Sprintf("reactor/%d", p.DomainID()))
		if err := r.worker.Start(context.Background()); err != nil {
			return nil, errors.Wrap(err, "Reactor", "New", "start shared worker")
		}
	}
	return r, nil
}

// Participant returns the participant the reactor builds on
func (r *Reactor) Participant() *participant.Participant { return r.p }

// Worker returns the shared active object, or nil when each capability owns one
func (r *Reactor) Worker() *worker.ActiveObject { return r.worker }

// reserve claims key in the dispatch table before the entity exists so that
// concurrent adders of the same key fail fast
func (r *Reactor) reserve(key Key) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.WrapFatal(errors.ErrClosed, "Reactor", "Add", "check reactor state")
	}
	if _, exists := r.entries[key]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: capability %s", errors.ErrAlreadyExists, key),
			"Reactor", "Add", "duplicate capability check")
	}
	e := &entry{key: key}
	r.entries[key] = e
	return e, nil
}

// commit makes a reserved entry live, or drops the reservation when the
// entity could not be created. An entity finished after Close is closed again.
func (r *Reactor) commit(e *entry, entity any, closeFn func(context.Context) error,
	healthFn func() health.Status, err error) error {
	r.mu.Lock()
	reserved := r.entries[e.key] == e
	if err != nil || !reserved {
		if reserved {
			delete(r.entries, e.key)
		}
		r.mu.Unlock()
		if err != nil {
			return err
		}
		_ = closeFn(context.Background())
		return errors.WrapFatal(errors.ErrClosed, "Reactor", "Add", "check reactor state")
	}
	e.entity = entity
	e.close = closeFn
	e.health = healthFn
	e.live.Store(true)
	r.mu.Unlock()

	r.logger.Debug("Capability added", "capability", e.key.String())
	return nil
}

// dispatch reports whether e still accepts inbound events
func (r *Reactor) dispatch(e *entry) bool {
	if e.live.Load() {
		return true
	}
	r.dropped.Add(1)
	return false
}

func (r *Reactor) lookup(key Key) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || !e.live.Load() {
		return nil, false
	}
	return e, true
}

func (r *Reactor) pubsubOptions(opts []pubsub.Option) []pubsub.Option {
	out := []pubsub.Option{pubsub.WithLogger(r.base)}
	if r.worker != nil {
		out = append(out, pubsub.WithWorker(r.worker))
	}
	return append(out, opts...)
}

func (r *Reactor) reqrepOptions(opts []reqrep.Option) []reqrep.Option {
	out := []reqrep.Option{reqrep.WithLogger(r.base)}
	if r.worker != nil {
		out = append(out, reqrep.WithWorker(r.worker))
	}
	return append(out, opts...)
}

// AddPublisher advertises T on topic
func AddPublisher[T any](ctx context.Context, r *Reactor, topic string, opts ...pubsub.Option) (*pubsub.Publisher[T], error) {
	e, err := r.reserve(Key{Topic: topic, Kind: KindPublisher})
	if err != nil {
		return nil, err
	}
	pub, err := pubsub.Advertise[T](ctx, r.p, topic, r.pubsubOptions(opts)...)
	if err != nil {
		return nil, r.commit(e, nil, nil, nil, err)
	}
	name := e.key.String()
	if err := r.commit(e, pub,
		func(context.Context) error { return pub.Close() },
		func() health.Status { return health.NewHealthy(name, "advertised") },
		nil); err != nil {
		return nil, err
	}
	return pub, nil
}

// route gates cb on the capability still being in the table
func route[T any](r *Reactor, e *entry, cb pubsub.Callback[T]) pubsub.Callback[T] {
	return func(ctx context.Context, v T, info middleware.SampleInfo) error {
		if !r.dispatch(e) || cb == nil {
			return nil
		}
		return cb(ctx, v, info)
	}
}

// AddSubscriber subscribes cb to topic. Samples that arrive after the
// subscriber is removed are dropped. Replace cb with SetSubscriberCallback;
// SetCallback on the returned subscriber bypasses that gate.
func AddSubscriber[T any](ctx context.Context, r *Reactor, topic string, cb pubsub.Callback[T],
	opts ...pubsub.Option) (*pubsub.Subscriber[T], error) {
	e, err := r.reserve(Key{Topic: topic, Kind: KindSubscriber})
	if err != nil {
		return nil, err
	}

	all := append(r.pubsubOptions(opts), pubsub.WithCallback(route(r, e, cb)))
	sub, err := pubsub.Subscribe[T](ctx, r.p, topic, all...)
	if err != nil {
		return nil, r.commit(e, nil, nil, nil, err)
	}
	if err := r.commit(e, sub, sub.Close, sub.Health, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

// AddRequester dials service
func AddRequester[Req, Rep any](ctx context.Context, r *Reactor, service string,
	opts ...reqrep.Option) (*reqrep.Requester[Req, Rep], error) {
	e, err := r.reserve(Key{Topic: service, Kind: KindRequester})
	if err != nil {
		return nil, err
	}
	req, err := reqrep.DialService[Req, Rep](ctx, r.p, service, r.reqrepOptions(opts)...)
	if err != nil {
		return nil, r.commit(e, nil, nil, nil, err)
	}
	if err := r.commit(e, req, req.Close, req.Health, nil); err != nil {
		return nil, err
	}
	return req, nil
}

// AddReplier serves service with handler. Requests that arrive after the
// replier is removed get a failed reply.
func AddReplier[Req, Rep any](ctx context.Context, r *Reactor, service string, handler reqrep.Handler[Req, Rep],
	opts ...reqrep.Option) (*reqrep.Replier[Req, Rep], error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reactor", "AddReplier", "handler validation")
	}
	e, err := r.reserve(Key{Topic: service, Kind: KindReplier})
	if err != nil {
		return nil, err
	}

	routed := func(ctx context.Context, req Req) (Rep, error) {
		if !r.dispatch(e) {
			var zero Rep
			return zero, errors.ErrClosed
		}
		return handler(ctx, req)
	}
	rep, err := reqrep.AdvertiseService(ctx, r.p, service, reqrep.Handler[Req, Rep](routed), r.reqrepOptions(opts)...)
	if err != nil {
		return nil, r.commit(e, nil, nil, nil, err)
	}
	if err := r.commit(e, rep, rep.Close, rep.Health, nil); err != nil {
		return nil, err
	}
	return rep, nil
}

// SetSubscriberCallback replaces the callback of the subscriber on topic,
// keeping the removal gate in front of it. A nil cb discards samples.
func SetSubscriberCallback[T any](r *Reactor, topic string, cb pubsub.Callback[T]) error {
	e, ok := r.lookup(Key{Topic: topic, Kind: KindSubscriber})
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: capability %s", errors.ErrNotFound, Key{Topic: topic, Kind: KindSubscriber}),
			"Reactor", "SetSubscriberCallback", "capability lookup")
	}
	sub, ok := e.entity.(*pubsub.Subscriber[T])
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: subscriber on %q does not carry %s", errors.ErrTopicTypeMismatch,
			topic, codec.TypeID[T]()), "Reactor", "SetSubscriberCallback", "match subscriber type")
	}
	sub.SetCallback(route(r, e, cb))
	return nil
}

// AddClient dials service for sessions with progress reports. It occupies the
// requester capability of service.
func AddClient[Req, Rep, P any](ctx context.Context, r *Reactor, service string,
	opts ...reqrep.Option) (*Client[Req, Rep, P], error) {
	e, err := r.reserve(Key{Topic: service, Kind: KindRequester})
	if err != nil {
		return nil, err
	}
	c, err := NewClient[Req, Rep, P](ctx, r.p, service, r.reqrepOptions(opts)...)
	if err != nil {
		return nil, r.commit(e, nil, nil, nil, err)
	}
	if err := r.commit(e, c, c.Close, c.Health, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// AddServer serves service as sessions. It occupies the replier capability of
// service; requests that arrive after the server is removed fail.
func AddServer[Req, Rep, P any](ctx context.Context, r *Reactor, service string, handler SessionHandler[Req, Rep, P],
	opts ...reqrep.Option) (*Server[Req, Rep, P], error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reactor", "AddServer", "handler validation")
	}
	e, err := r.reserve(Key{Topic: service, Kind: KindReplier})
	if err != nil {
		return nil, err
	}

	routed := func(ctx context.Context, s *ServerSession[P], req Req) (Rep, error) {
		if !r.dispatch(e) {
			var zero Rep
			return zero, errors.ErrClosed
		}
		return handler(ctx, s, req)
	}
	srv, err := NewServer[Req, Rep, P](ctx, r.p, service, routed, r.reqrepOptions(opts)...)
	if err != nil {
		return nil, r.commit(e, nil, nil, nil, err)
	}
	if err := r.commit(e, srv, srv.Close, srv.Health, nil); err != nil {
		return nil, err
	}
	return srv, nil
}

// ClientOf returns the session client for service if its types match
func ClientOf[Req, Rep, P any](r *Reactor, service string) (*Client[Req, Rep, P], bool) {
	e, ok := r.lookup(Key{Topic: service, Kind: KindRequester})
	if !ok {
		return nil, false
	}
	c, ok := e.entity.(*Client[Req, Rep, P])
	return c, ok
}

// ServerOf returns the session server for service if its types match
func ServerOf[Req, Rep, P any](r *Reactor, service string) (*Server[Req, Rep, P], bool) {
	e, ok := r.lookup(Key{Topic: service, Kind: KindReplier})
	if !ok {
		return nil, false
	}
	srv, ok := e.entity.(*Server[Req, Rep, P])
	return srv, ok
}

// PublisherOf returns the publisher on topic if it carries T
func PublisherOf[T any](r *Reactor, topic string) (*pubsub.Publisher[T], bool) {
	e, ok := r.lookup(Key{Topic: topic, Kind: KindPublisher})
	if !ok {
		return nil, false
	}
	pub, ok := e.entity.(*pubsub.Publisher[T])
	return pub, ok
}

// SubscriberOf returns the subscriber on topic if it carries T
func SubscriberOf[T any](r *Reactor, topic string) (*pubsub.Subscriber[T], bool) {
	e, ok := r.lookup(Key{Topic: topic, Kind: KindSubscriber})
	if !ok {
		return nil, false
	}
	sub, ok := e.entity.(*pubsub.Subscriber[T])
	return sub, ok
}

// RequesterOf returns the requester for service if its types match
func RequesterOf[Req, Rep any](r *Reactor, service string) (*reqrep.Requester[Req, Rep], bool) {
	e, ok := r.lookup(Key{Topic: service, Kind: KindRequester})
	if !ok {
		return nil, false
	}
	req, ok := e.entity.(*reqrep.Requester[Req, Rep])
	return req, ok
}

// Remove closes the capability under key. Its queued and late events are
// dropped; other capabilities are not affected.
func (r *Reactor) Remove(ctx context.Context, key Key) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok && e.live.Load() {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok || !e.live.Swap(false) {
		return errors.WrapInvalid(fmt.Errorf("%w: capability %s", errors.ErrNotFound, key),
			"Reactor", "Remove", "capability lookup")
	}
	if err := e.close(ctx); err != nil {
		return errors.Wrap(err, "Reactor", "Remove", "close "+key.String())
	}
	r.logger.Debug("Capability removed", "capability", key.String())
	return nil
}

// Capabilities returns the live keys sorted by topic, then kind
func (r *Reactor) Capabilities() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.entries))
	for k, e := range r.entries {
		if e.live.Load() {
			keys = append(keys, k)
		}
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic != keys[j].Topic {
			return keys[i].Topic < keys[j].Topic
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys
}

// Dropped returns the number of events discarded because their capability
// had been removed
func (r *Reactor) Dropped() int64 { return r.dropped.Load() }

// Health aggregates every capability, plus the shared worker when there is one
func (r *Reactor) Health() health.Status {
	name := fmt.Sprintf("reactor/%d", r.p.DomainID())

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return health.NewUnhealthy(name, "closed")
	}

	var parts []health.Status
	if r.worker != nil {
		st := health.FromWorker(r.worker.Stats())
		st.Component = name + "/worker"
		parts = append(parts, st)
	}
	for _, key := range r.Capabilities() {
		if e, ok := r.lookup(key); ok {
			parts = append(parts, e.health())
		}
	}
	return health.Aggregate(name, parts)
}

// Close removes every capability and stops the shared worker. The
// participant stays alive.
func (r *Reactor) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[Key]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if !e.live.Swap(false) {
			continue
		}
		if err := e.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.key, err))
		}
	}
	if r.worker != nil {
		if err := r.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Reactor", "Close", "close capabilities")
	}
	r.logger.Debug("Reactor closed", "capabilities", len(entries))
	return nil
}
