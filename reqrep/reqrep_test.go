package reqrep_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/middleware/loopback"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pkg/worker"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/qos"
	"github.com/c360/talkbus/reqrep"
	"github.com/c360/talkbus/testutil"
)

const waitTimeout = 2 * time.Second

func newParticipant(t *testing.T, opts ...participant.Option) *participant.Participant {
	t.Helper()
	mgr, _ := testutil.NewManager(t, opts...)
	return testutil.NewParticipant(t, mgr, 0)
}

func pong(_ context.Context, in testutil.Ping) (testutil.Pong, error) {
	return testutil.Pong{Seq: in.Seq, From: "pong"}, nil
}

func dial(t *testing.T, p *participant.Participant, service string, opts ...reqrep.Option) *reqrep.Requester[testutil.Ping, testutil.Pong] {
	t.Helper()
	r, err := reqrep.DialService[testutil.Ping, testutil.Pong](context.Background(), p, service, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func serve(t *testing.T, p *participant.Participant, service string,
	h reqrep.Handler[testutil.Ping, testutil.Pong], opts ...reqrep.Option) *reqrep.Replier[testutil.Ping, testutil.Pong] {
	t.Helper()
	r, err := reqrep.AdvertiseService(context.Background(), p, service, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestRequestReply_PingPong(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	serve(t, p, "ping", pong)
	req := dial(t, p, "ping")

	for seq := 1; seq <= 5; seq++ {
		start := time.Now()
		got, err := req.Request(ctx, testutil.Ping{Seq: seq, Sent: start}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, testutil.Pong{Seq: seq, From: "pong"}, got)
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	}

	testutil.Eventually(t, waitTimeout, func() bool { return req.Pending() == 0 }, "pending table drained")
	assert.Zero(t, req.Unmatched())
}

func TestRequester_TimeoutWithoutReplier(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)
	req := dial(t, p, "nobody")

	assert.False(t, req.IsConnected())

	const timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := req.Request(ctx, testutil.Ping{Seq: 1}, timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	testutil.Eventually(t, waitTimeout, func() bool { return req.Pending() == 0 }, "timed out request removed")
}

func TestRequester_DefaultTimeout(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)
	req := dial(t, p, "nobody", reqrep.WithTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := req.Request(ctx, testutil.Ping{Seq: 1}, 0)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRequester_CallbackRunsOnce(t *testing.T) {
	tests := []struct {
		name    string
		serve   bool
		timeout time.Duration
		wantErr error
	}{
		{name: "resolved", serve: true, timeout: time.Second},
		{name: "timed out", serve: false, timeout: 30 * time.Millisecond, wantErr: errors.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := newParticipant(t)
			if tt.serve {
				serve(t, p, "once", pong)
			}
			req := dial(t, p, "once")

			var calls atomic.Int32
			results := testutil.NewRecorder[error]()
			h, err := req.SendRequestAsync(ctx, testutil.Ping{Seq: 7}, tt.timeout,
				reqrep.WithCallback(func(rep testutil.Pong, err error) {
					calls.Add(1)
					results.Add(err)
				}))
			require.NoError(t, err)

			got := results.WaitFor(t, 1, waitTimeout)
			if tt.wantErr != nil {
				assert.ErrorIs(t, got[0], tt.wantErr)
			} else {
				assert.NoError(t, got[0])
			}

			// Neither a late cancel nor waiting produces a second call
			h.Cancel()
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRequester_UnmatchedReplyDropped(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)
	req := dial(t, p, "manual")

	replies, err := pubsub.Advertise[testutil.Pong](ctx, p, reqrep.ReplyTopic("manual"),
		pubsub.WithProfile(qos.ProfileRPC))
	require.NoError(t, err)
	defer replies.Close()

	var calls atomic.Int32
	h, err := req.SendRequestAsync(ctx, testutil.Ping{Seq: 1}, time.Second,
		reqrep.WithCallback(func(testutil.Pong, error) { calls.Add(1) }))
	require.NoError(t, err)

	stray := middleware.SampleID{Writer: h.ID().Writer, Sequence: h.ID().Sequence + 100}
	_, err = replies.PublishCorrelated(ctx, testutil.Pong{Seq: 99}, pubsub.Correlation{Related: stray})
	require.NoError(t, err)

	testutil.Eventually(t, waitTimeout, func() bool { return req.Unmatched() == 1 }, "stray reply counted")
	assert.Zero(t, calls.Load())
	select {
	case <-h.Done():
		t.Fatal("request completed by an unrelated reply")
	default:
	}

	_, err = replies.PublishCorrelated(ctx, testutil.Pong{Seq: 1}, pubsub.Correlation{Related: h.ID()})
	require.NoError(t, err)

	got, err := h.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Seq)
	testutil.Eventually(t, waitTimeout, func() bool { return calls.Load() == 1 }, "callback ran")
}

func TestRequester_LateReplyIsUnmatched(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	serve(t, p, "slow", func(ctx context.Context, in testutil.Ping) (testutil.Pong, error) {
		time.Sleep(80 * time.Millisecond)
		return pong(ctx, in)
	})
	req := dial(t, p, "slow")

	_, err := req.Request(ctx, testutil.Ping{Seq: 1}, 20*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimeout)

	testutil.Eventually(t, waitTimeout, func() bool { return req.Unmatched() == 1 }, "late reply counted")
}

func TestRequester_RemoteFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler reqrep.Handler[testutil.Ping, testutil.Pong]
		want    string
	}{
		{
			name: "handler error",
			handler: func(context.Context, testutil.Ping) (testutil.Pong, error) {
				return testutil.Pong{}, fmt.Errorf("disk full")
			},
			want: "disk full",
		},
		{
			name: "handler panic",
			handler: func(context.Context, testutil.Ping) (testutil.Pong, error) {
				panic("boom")
			},
			want: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := newParticipant(t)
			rep := serve(t, p, "fragile", tt.handler)
			req := dial(t, p, "fragile")

			_, err := req.Request(ctx, testutil.Ping{Seq: 1}, time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrRemoteFailure)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, int64(1), rep.Failed())

			// The replier keeps serving
			rep.SetHandler(pong)
			got, err := req.Request(ctx, testutil.Ping{Seq: 2}, time.Second)
			require.NoError(t, err)
			assert.Equal(t, 2, got.Seq)
		})
	}
}

func TestHandle_Cancel(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)
	req := dial(t, p, "cancel")

	h, err := req.SendRequestAsync(ctx, testutil.Ping{Seq: 1}, time.Second)
	require.NoError(t, err)
	testutil.Eventually(t, waitTimeout, func() bool { return req.Pending() == 1 }, "request pending")

	h.Cancel()
	h.Cancel()

	_, err = h.Await(ctx)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	testutil.Eventually(t, waitTimeout, func() bool { return req.Pending() == 0 }, "cancelled request removed")
}

func TestRequest_ContextDone(t *testing.T) {
	p := newParticipant(t)
	req := dial(t, p, "ctx")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := req.Request(ctx, testutil.Ping{Seq: 1}, time.Second)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.NotErrorIs(t, err, errors.ErrTimeout)
}

func TestRequester_CloseCancelsPending(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	req, err := reqrep.DialService[testutil.Ping, testutil.Pong](ctx, p, "closing")
	require.NoError(t, err)

	var calls atomic.Int32
	handles := make([]*reqrep.Handle[testutil.Pong], 3)
	for i := range handles {
		handles[i], err = req.SendRequestAsync(ctx, testutil.Ping{Seq: i}, 5*time.Second,
			reqrep.WithCallback(func(testutil.Pong, error) { calls.Add(1) }))
		require.NoError(t, err)
	}

	require.NoError(t, req.Close(ctx))
	for _, h := range handles {
		_, err := h.Await(ctx)
		assert.ErrorIs(t, err, errors.ErrCancelled)
		assert.ErrorIs(t, err, errors.ErrClosed)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, req.Pending())

	_, err = req.SendRequestAsync(ctx, testutil.Ping{}, time.Second)
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.NoError(t, req.Close(ctx))
}

func TestRequester_IsConnected(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)
	req := dial(t, p, "presence")
	assert.False(t, req.IsConnected())

	rep, err := reqrep.AdvertiseService(ctx, p, "presence", reqrep.Handler[testutil.Ping, testutil.Pong](pong))
	require.NoError(t, err)
	assert.True(t, req.IsConnected())

	require.NoError(t, rep.Close(ctx))
	assert.False(t, req.IsConnected())
}

func TestReplier_WithoutHandler(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	rep, err := reqrep.NewReplier[testutil.Ping, testutil.Pong](ctx, p,
		reqrep.RequestTopic("late"), reqrep.ReplyTopic("late"))
	require.NoError(t, err)
	defer rep.Close(ctx)
	req := dial(t, p, "late")

	_, err = req.Request(ctx, testutil.Ping{Seq: 1}, 40*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimeout)

	rep.SetHandler(pong)
	got, err := req.Request(ctx, testutil.Ping{Seq: 2}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Seq)
	testutil.Eventually(t, waitTimeout, func() bool { return rep.Served() == 1 }, "one reply served")
}

func TestRequestReply_SharedWorker(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	ao := worker.NewActiveObject("shared")
	require.NoError(t, ao.Start(ctx))
	t.Cleanup(func() { _ = ao.Stop(context.Background()) })

	serve(t, p, "shared", pong, reqrep.WithWorker(ao))
	req := dial(t, p, "shared", reqrep.WithWorker(ao))
	assert.Same(t, ao, req.Worker())

	got, err := req.Request(ctx, testutil.Ping{Seq: 1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Seq)

	// Sending from a work item on the same worker runs inline
	results := testutil.NewRecorder[testutil.Pong]()
	require.NoError(t, ao.Run(ctx, func(wctx context.Context) error {
		_, err := req.SendRequestAsync(wctx, testutil.Ping{Seq: 2}, time.Second,
			reqrep.WithCallback(func(rep testutil.Pong, err error) {
				if err == nil {
					results.Add(rep)
				}
			}))
		return err
	}))
	assert.Equal(t, 2, results.WaitFor(t, 1, waitTimeout)[0].Seq)
}

func TestRequester_AwaitOnOwnWorker(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	ao := worker.NewActiveObject("own")
	require.NoError(t, ao.Start(ctx))
	t.Cleanup(func() { _ = ao.Stop(context.Background()) })

	serve(t, p, "own", pong, reqrep.WithWorker(ao))
	req := dial(t, p, "own", reqrep.WithWorker(ao))

	var handle *reqrep.Handle[testutil.Pong]
	require.NoError(t, ao.Run(ctx, func(wctx context.Context) error {
		start := time.Now()
		_, err := req.Request(wctx, testutil.Ping{Seq: 1}, 300*time.Millisecond)
		assert.ErrorIs(t, err, errors.ErrWouldBlock)
		assert.True(t, errors.IsInvalid(err))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "fails fast instead of timing out")
		assert.Zero(t, req.Pending(), "nothing was sent")

		handle, err = req.SendRequestAsync(wctx, testutil.Ping{Seq: 2}, time.Second)
		if err != nil {
			return err
		}
		_, err = handle.Await(wctx)
		assert.ErrorIs(t, err, errors.ErrWouldBlock)
		return nil
	}))

	// The request is still live and resolves once awaited off the worker
	got, err := handle.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Seq)
}

func TestRequester_Metrics(t *testing.T) {
	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	mgr, _ := testutil.NewManagerWith(t, testutil.Config(), loopback.New(), participant.WithMetrics(registry))
	p := testutil.NewParticipant(t, mgr, 0)

	serve(t, p, "measured", pong)
	req := dial(t, p, "measured")

	_, err := req.Request(ctx, testutil.Ping{Seq: 1}, time.Second)
	require.NoError(t, err)

	other := dial(t, p, "unserved")
	_, err = other.Request(ctx, testutil.Ping{Seq: 1}, 20*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrTimeout)

	m := registry.Metrics
	testutil.Eventually(t, waitTimeout, func() bool {
		return prom.ToFloat64(m.RequestOutcomes.WithLabelValues(reqrep.RequestTopic("measured"), "resolved")) == 1 &&
			prom.ToFloat64(m.RequestOutcomes.WithLabelValues(reqrep.RequestTopic("unserved"), "timeout")) == 1
	}, "request outcomes recorded")
	assert.Equal(t, 0.0, prom.ToFloat64(m.PendingRequests.WithLabelValues(reqrep.RequestTopic("measured"))))
}

func TestRequester_Health(t *testing.T) {
	ctx := context.Background()
	p := newParticipant(t)

	req, err := reqrep.DialService[testutil.Ping, testutil.Pong](ctx, p, "healthy")
	require.NoError(t, err)

	st := req.Health()
	assert.True(t, st.IsHealthy())
	assert.Equal(t, "requester/healthy/request", st.Component)

	require.NoError(t, req.Close(ctx))
	assert.True(t, req.Health().IsUnhealthy())
}
