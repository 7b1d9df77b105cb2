package reactor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pkg/buffer"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/reqrep"
)

// progressDataDepth bounds the progress data queued per session; the oldest
// entries are dropped first
const progressDataDepth = 64

// Session is the client side of one request
type Session[Rep, P any] struct {
	id     middleware.SampleID
	handle *reqrep.Handle[Rep]
	client interface {
		sendCancel(ctx context.Context, id middleware.SampleID) error
	}
	inWorker func(context.Context) bool
	mark     atomic.Int32
	data     buffer.Buffer[P]
	ended    chan struct{}
}

// ID returns the request sample id the server reports progress against
func (s *Session[Rep, P]) ID() middleware.SampleID { return s.id }

// Progress returns the latest mark. A session that ended reports
// ProgressSuccess, ProgressFailed or ProgressUnknown.
func (s *Session[Rep, P]) Progress() int { return int(s.mark.Load()) }

// Alive reports whether the session is still waiting for its reply
func (s *Session[Rep, P]) Alive() bool {
	select {
	case <-s.ended:
		return false
	default:
	}
	m := s.Progress()
	return m >= ProgressSent && m < ProgressSuccess
}

// Done is closed once the session has ended and its final mark is set
func (s *Session[Rep, P]) Done() <-chan struct{} { return s.ended }

// ProgressData waits for the next progress data. Once the session ended and
// the queue is drained it returns errors.ErrClosed.
func (s *Session[Rep, P]) ProgressData(ctx context.Context) (P, error) {
	return s.data.ReadContext(ctx)
}

// TryProgressData returns queued progress data without waiting
func (s *Session[Rep, P]) TryProgressData() (P, bool) {
	return s.data.Read()
}

// Await waits for the reply, as Handle.Await does. Off the requester's
// worker it also waits for the session to end, so Progress is final.
func (s *Session[Rep, P]) Await(ctx context.Context) (Rep, error) {
	rep, err := s.handle.Await(ctx)
	if s.inWorker(ctx) {
		return rep, err
	}
	select {
	case <-s.ended:
	case <-ctx.Done():
	}
	return rep, err
}

// Cancel tells the server to stop working on the session and completes it
// locally with ErrCancelled. Cancelling an ended session does nothing.
func (s *Session[Rep, P]) Cancel(ctx context.Context) error {
	select {
	case <-s.handle.Done():
		return nil
	default:
	}
	err := s.client.sendCancel(ctx, s.id)
	s.handle.Cancel()
	if err != nil {
		return errors.Wrap(err, "Session", "Cancel", "send cancel command")
	}
	return nil
}

// end runs on the requester's worker
func (s *Session[Rep, P]) end(err error) {
	switch {
	case err == nil:
		s.mark.Store(ProgressSuccess)
	case stderrors.Is(err, errors.ErrRemoteFailure):
		s.mark.Store(ProgressFailed)
	default:
		s.mark.Store(ProgressUnknown)
	}
	_ = s.data.Close()
	close(s.ended)
}

// Client opens sessions on a service served by a Server. Its session table
// lives on the requester's worker next to the pending requests.
type Client[Req, Rep, P any] struct {
	service   string
	requester *reqrep.Requester[Req, Rep]
	progress  *pubsub.Subscriber[Progress[P]]
	commands  *pubsub.Publisher[Command]
	logger    *slog.Logger

	sessions map[middleware.SampleID]*Session[Rep, P] // worker goroutine only
	closed   atomic.Bool
}

// NewClient dials service and listens for session progress
func NewClient[Req, Rep, P any](ctx context.Context, p *participant.Participant, service string,
	opts ...reqrep.Option) (*Client[Req, Rep, P], error) {
	req, err := reqrep.DialService[Req, Rep](ctx, p, service, opts...)
	if err != nil {
		return nil, err
	}
	c := &Client[Req, Rep, P]{
		service:   service,
		requester: req,
		logger:    p.Logger().With("component", "session-client", "service", service),
		sessions:  make(map[middleware.SampleID]*Session[Rep, P]),
	}
	profile := req.QoS().Profile

	c.progress, err = pubsub.Subscribe[Progress[P]](ctx, p, ProgressTopic(service),
		pubsub.WithProfile(profile),
		pubsub.WithWorker(req.Worker()),
		pubsub.WithLogger(p.Logger()),
		pubsub.WithCallback(pubsub.Callback[Progress[P]](c.onProgress)))
	if err != nil {
		_ = req.Close(context.Background())
		return nil, err
	}
	c.commands, err = pubsub.Advertise[Command](ctx, p, CommandTopic(service),
		pubsub.WithProfile(profile), pubsub.WithLogger(p.Logger()))
	if err != nil {
		_ = c.progress.Close(context.Background())
		_ = req.Close(context.Background())
		return nil, err
	}
	return c, nil
}

// Request opens a session for payload. A timeout of zero uses the requester
// default.
func (c *Client[Req, Rep, P]) Request(ctx context.Context, payload Req, timeout time.Duration) (*Session[Rep, P], error) {
	if c.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrClosed, "Client", "Request", "check client state")
	}
	data, err := buffer.NewCircularBuffer[P](progressDataDepth, buffer.WithOverflowPolicy[P](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapFatal(err, "Client", "Request", "create progress queue")
	}
	s := &Session[Rep, P]{
		client:   c,
		inWorker: c.requester.Worker().InWorker,
		data:     data,
		ended:    make(chan struct{}),
	}
	s.mark.Store(ProgressSent)

	// Registration shares the work item with the send, so no progress report
	// can arrive before the session is known
	err = c.requester.Worker().Run(ctx, func(wctx context.Context) error {
		h, err := c.requester.SendRequestAsync(wctx, payload, timeout,
			reqrep.WithCallback(func(_ Rep, err error) {
				delete(c.sessions, s.id)
				s.end(err)
			}))
		if err != nil {
			return err
		}
		s.id = h.ID()
		s.handle = h
		c.sessions[s.id] = s
		return nil
	})
	if err != nil {
		_ = data.Close()
		return nil, errors.Wrap(err, "Client", "Request", "open session")
	}
	c.logger.Debug("Session opened", "session", s.id.String())
	return s, nil
}

func (c *Client[Req, Rep, P]) sendCancel(ctx context.Context, id middleware.SampleID) error {
	_, err := c.commands.PublishCorrelated(ctx, Command{Kind: CommandCancel}, pubsub.Correlation{Related: id})
	return err
}

// onProgress runs on the requester's worker
func (c *Client[Req, Rep, P]) onProgress(_ context.Context, pr Progress[P], info middleware.SampleInfo) error {
	s, ok := c.sessions[info.Related]
	if !ok {
		// Another client's session, or one that already ended
		return nil
	}
	s.mark.Store(int32(pr.Mark))
	if pr.Data != nil {
		_ = s.data.Write(*pr.Data)
	}
	return nil
}

// Service returns the dialled service name
func (c *Client[Req, Rep, P]) Service() string { return c.service }

// Requester returns the underlying requester
func (c *Client[Req, Rep, P]) Requester() *reqrep.Requester[Req, Rep] { return c.requester }

// Health aggregates the requester and the progress subscriber
func (c *Client[Req, Rep, P]) Health() health.Status {
	name := "client/" + c.service
	if c.closed.Load() {
		return health.NewUnhealthy(name, "closed")
	}
	return health.Aggregate(name, []health.Status{c.requester.Health(), c.progress.Health()})
}

// Close sends a cancel for every open session, then closes the requester,
// which completes those sessions locally with ErrCancelled
func (c *Client[Req, Rep, P]) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	err := c.requester.Worker().Run(ctx, func(wctx context.Context) error {
		for id := range c.sessions {
			if err := c.sendCancel(wctx, id); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.progress.Close(ctx), c.requester.Close(ctx), c.commands.Close())
	if err := stderrors.Join(errs...); err != nil {
		return errors.Wrap(err, "Client", "Close", "close session client")
	}
	return nil
}
