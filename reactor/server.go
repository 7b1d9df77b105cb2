package reactor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/reqrep"
)

// cancelledBacklog bounds the cancels remembered for requests not started yet
const cancelledBacklog = 1024

// SessionHandler serves one session. ctx is cancelled when the client cancels
// the session or the server closes.
type SessionHandler[Req, Rep, P any] func(ctx context.Context, s *ServerSession[P], req Req) (Rep, error)

// ServerSession is the server side of one request
type ServerSession[P any] struct {
	id       middleware.SampleID
	progress *pubsub.Publisher[Progress[P]]
	cancel   context.CancelCauseFunc
	state    atomic.Int32
}

// ID returns the id of the request sample that opened the session
func (s *ServerSession[P]) ID() middleware.SampleID { return s.id }

// Alive reports whether the client still waits for this session
func (s *ServerSession[P]) Alive() bool { return s.state.Load() == sessionRunning }

// Progress reports mark, with optional data, to the client. Marks must lie in
// [ProgressStart, ProgressSuccess); the start, success and failure marks are
// sent by the server itself.
func (s *ServerSession[P]) Progress(ctx context.Context, mark int, data *P) error {
	if mark < ProgressStart || mark >= ProgressSuccess {
		return errors.WrapInvalid(fmt.Errorf("%w: progress mark %d outside %d..%d",
			errors.ErrInvalidData, mark, ProgressStart, ProgressSuccess-1),
			"ServerSession", "Progress", "check mark")
	}
	if !s.Alive() {
		return errors.WrapFatal(fmt.Errorf("%w: session %s", errors.ErrClosed, s.id),
			"ServerSession", "Progress", "check session state")
	}
	return s.report(ctx, mark, data)
}

func (s *ServerSession[P]) report(ctx context.Context, mark int, data *P) error {
	_, err := s.progress.PublishCorrelated(ctx, Progress[P]{Mark: mark, Data: data}, pubsub.Correlation{Related: s.id})
	return err
}

func (s *ServerSession[P]) end(state int32, cause error) bool {
	if !s.state.CompareAndSwap(sessionRunning, state) {
		return false
	}
	s.cancel(cause)
	return true
}

// Server serves a service as sessions: every request reports progress on
// the progress topic and can be cancelled by its client over the command
// topic. Requests are handled one at a time on the replier's worker; commands
// arrive on a worker of their own so a cancel reaches a busy handler.
type Server[Req, Rep, P any] struct {
	service  string
	handler  SessionHandler[Req, Rep, P]
	replier  *reqrep.Replier[Req, Rep]
	progress *pubsub.Publisher[Progress[P]]
	commands *pubsub.Subscriber[Command]
	logger   *slog.Logger

	mu        sync.Mutex
	sessions  map[middleware.SampleID]*ServerSession[P]
	cancelled *lru.Cache[middleware.SampleID, struct{}]
	cancels   atomic.Int64
	closed    atomic.Bool
}

// NewServer advertises service and serves it with handler
func NewServer[Req, Rep, P any](ctx context.Context, p *participant.Participant, service string,
	handler SessionHandler[Req, Rep, P], opts ...reqrep.Option) (*Server[Req, Rep, P], error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "handler validation")
	}
	cancelled, err := lru.New[middleware.SampleID, struct{}](cancelledBacklog)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "create cancel backlog")
	}

	s := &Server[Req, Rep, P]{
		service:   service,
		handler:   handler,
		logger:    p.Logger().With("component", "session-server", "service", service),
		sessions:  make(map[middleware.SampleID]*ServerSession[P]),
		cancelled: cancelled,
	}

	// No handler until progress and commands are wired; earlier requests are dropped
	s.replier, err = reqrep.NewReplier[Req, Rep](ctx, p, reqrep.RequestTopic(service), reqrep.ReplyTopic(service), opts...)
	if err != nil {
		return nil, err
	}
	profile := s.replier.QoS().Profile

	s.progress, err = pubsub.Advertise[Progress[P]](ctx, p, ProgressTopic(service),
		pubsub.WithProfile(profile), pubsub.WithLogger(p.Logger()))
	if err != nil {
		_ = s.replier.Close(context.Background())
		return nil, err
	}
	s.commands, err = pubsub.Subscribe[Command](ctx, p, CommandTopic(service),
		pubsub.WithProfile(profile),
		pubsub.WithLogger(p.Logger()),
		pubsub.WithCallback(pubsub.Callback[Command](s.onCommand)))
	if err != nil {
		_ = s.progress.Close()
		_ = s.replier.Close(context.Background())
		return nil, err
	}

	s.replier.SetHandler(s.serve)
	return s, nil
}

// serve runs one session on the replier's worker
func (s *Server[Req, Rep, P]) serve(ctx context.Context, req Req) (Rep, error) {
	var zero Rep
	info, _ := reqrep.RequestInfo(ctx)

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sess := &ServerSession[P]{id: info.ID, progress: s.progress, cancel: cancel}

	s.mu.Lock()
	if s.cancelled.Contains(info.ID) {
		s.cancelled.Remove(info.ID)
		s.mu.Unlock()
		s.logger.Debug("Skipped cancelled session", "session", info.ID.String())
		return zero, errors.Join(errors.ErrNoReply, errors.ErrCancelled)
	}
	s.sessions[info.ID] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, info.ID)
		s.mu.Unlock()
	}()

	if err := sess.report(ctx, ProgressStart, nil); err != nil {
		s.logger.Warn("Failed to report session start", "session", info.ID.String(), "error", err)
	}

	rep, err := s.invoke(sctx, sess, req)
	if !sess.end(sessionDone, nil) {
		// Cancelled while running; the client no longer waits
		return zero, errors.Join(errors.ErrNoReply, context.Cause(sctx))
	}

	mark := ProgressSuccess
	if err != nil {
		mark = ProgressFailed
	}
	if perr := sess.report(ctx, mark, nil); perr != nil {
		s.logger.Warn("Failed to report session end", "session", info.ID.String(), "error", perr)
	}
	return rep, err
}

func (s *Server[Req, Rep, P]) invoke(ctx context.Context, sess *ServerSession[P], req Req) (rep Rep, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return s.handler(ctx, sess, req)
}

// onCommand runs on the command worker
func (s *Server[Req, Rep, P]) onCommand(_ context.Context, cmd Command, info middleware.SampleInfo) error {
	if cmd.Kind != CommandCancel {
		s.logger.Debug("Ignored unknown command", "kind", cmd.Kind, "session", info.Related.String())
		return nil
	}

	s.cancels.Add(1)
	s.mu.Lock()
	sess, ok := s.sessions[info.Related]
	if !ok {
		s.cancelled.Add(info.Related, struct{}{})
	}
	s.mu.Unlock()

	if ok && sess.end(sessionCancelled, fmt.Errorf("%w: by client", errors.ErrCancelled)) {
		s.logger.Debug("Session cancelled", "session", info.Related.String())
	}
	return nil
}

// Service returns the served service name
func (s *Server[Req, Rep, P]) Service() string { return s.service }

// Replier returns the underlying replier
func (s *Server[Req, Rep, P]) Replier() *reqrep.Replier[Req, Rep] { return s.replier }

// Sessions returns the number of sessions being served
func (s *Server[Req, Rep, P]) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Cancels returns the number of cancel commands received
func (s *Server[Req, Rep, P]) Cancels() int64 { return s.cancels.Load() }

// Health aggregates the request and command workers
func (s *Server[Req, Rep, P]) Health() health.Status {
	name := "server/" + s.service
	if s.closed.Load() {
		return health.NewUnhealthy(name, "closed")
	}
	return health.Aggregate(name, []health.Status{s.replier.Health(), s.commands.Health()})
}

// Close cancels running sessions and closes every topic of the service
func (s *Server[Req, Rep, P]) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.end(sessionCancelled, errors.ErrClosed)
	}
	s.mu.Unlock()

	return stderrors.Join(s.commands.Close(ctx), s.replier.Close(ctx), s.progress.Close())
}
