package reactor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/reactor"
	"github.com/c360/talkbus/reqrep"
	"github.com/c360/talkbus/testutil"
)

const waitTimeout = 2 * time.Second

func newReactor(t *testing.T, opts ...reactor.Option) (*reactor.Reactor, *participant.Participant) {
	t.Helper()
	mgr, _ := testutil.NewManager(t)
	p := testutil.NewParticipant(t, mgr, 0)

	r, err := reactor.New(p, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, p
}

func record(rec *testutil.Recorder[testutil.Reading]) pubsub.Callback[testutil.Reading] {
	return func(_ context.Context, v testutil.Reading, _ middleware.SampleInfo) error {
		rec.Add(v)
		return nil
	}
}

func pong(_ context.Context, in testutil.Ping) (testutil.Pong, error) {
	return testutil.Pong{Seq: in.Seq, From: "reactor"}, nil
}

func TestNew_RequiresParticipant(t *testing.T) {
	_, err := reactor.New(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestReactor_Capabilities(t *testing.T) {
	ctx := context.Background()
	r, _ := newReactor(t)

	_, err := reactor.AddSubscriber(ctx, r, "sensor/temp", record(testutil.NewRecorder[testutil.Reading]()))
	require.NoError(t, err)
	pub, err := reactor.AddPublisher[testutil.Reading](ctx, r, "sensor/temp")
	require.NoError(t, err)
	_, err = reactor.AddReplier(ctx, r, "echo", reqrep.Handler[testutil.Ping, testutil.Pong](pong))
	require.NoError(t, err)
	req, err := reactor.AddRequester[testutil.Ping, testutil.Pong](ctx, r, "echo")
	require.NoError(t, err)

	assert.Equal(t, []reactor.Key{
		{Topic: "echo", Kind: reactor.KindRequester},
		{Topic: "echo", Kind: reactor.KindReplier},
		{Topic: "sensor/temp", Kind: reactor.KindPublisher},
		{Topic: "sensor/temp", Kind: reactor.KindSubscriber},
	}, r.Capabilities())

	got, ok := reactor.PublisherOf[testutil.Reading](r, "sensor/temp")
	require.True(t, ok)
	assert.Same(t, pub, got)

	_, ok = reactor.PublisherOf[testutil.Ping](r, "sensor/temp")
	assert.False(t, ok, "lookup with the wrong type")
	_, ok = reactor.PublisherOf[testutil.Reading](r, "sensor/humidity")
	assert.False(t, ok)

	gotReq, ok := reactor.RequesterOf[testutil.Ping, testutil.Pong](r, "echo")
	require.True(t, ok)
	assert.Same(t, req, gotReq)

	_, ok = reactor.SubscriberOf[testutil.Reading](r, "sensor/temp")
	assert.True(t, ok)

	rep, err := gotReq.Request(ctx, testutil.Ping{Seq: 3}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, testutil.Pong{Seq: 3, From: "reactor"}, rep)
}

func TestReactor_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	r, _ := newReactor(t)

	_, err := reactor.AddPublisher[testutil.Reading](ctx, r, "dup")
	require.NoError(t, err)

	_, err = reactor.AddPublisher[testutil.Reading](ctx, r, "dup")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)

	// Another kind on the same topic is a different capability
	_, err = reactor.AddSubscriber[testutil.Reading](ctx, r, "dup", nil)
	assert.NoError(t, err)
}

func TestReactor_FailedAddLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	r, _ := newReactor(t)

	_, err := reactor.AddPublisher[testutil.Reading](ctx, r, "typed")
	require.NoError(t, err)

	// Same topic, different type
	_, err = reactor.AddSubscriber[testutil.Ping](ctx, r, "typed", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTopicTypeMismatch)
	assert.Len(t, r.Capabilities(), 1)

	_, err = reactor.AddReplier[testutil.Ping, testutil.Pong](ctx, r, "svc", nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestReactor_RemoveDropsLateEvents(t *testing.T) {
	tests := []struct {
		name    string
		replace bool
	}{
		{"initial callback", false},
		{"replaced callback", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, _ := newReactor(t)

			entered := make(chan struct{}, 1)
			release := make(chan struct{})
			var delivered atomic.Int32
			blocking := pubsub.Callback[testutil.Reading](
				func(context.Context, testutil.Reading, middleware.SampleInfo) error {
					delivered.Add(1)
					select {
					case entered <- struct{}{}:
					default:
					}
					<-release
					return nil
				})

			initial := blocking
			if tt.replace {
				initial = nil
			}
			sub, err := reactor.AddSubscriber(ctx, r, "slow", initial)
			require.NoError(t, err)
			if tt.replace {
				require.NoError(t, reactor.SetSubscriberCallback(r, "slow", blocking))
			}

			others := testutil.NewRecorder[testutil.Reading]()
			_, err = reactor.AddSubscriber(ctx, r, "steady", record(others))
			require.NoError(t, err)

			slow, err := reactor.AddPublisher[testutil.Reading](ctx, r, "slow")
			require.NoError(t, err)
			steady, err := reactor.AddPublisher[testutil.Reading](ctx, r, "steady")
			require.NoError(t, err)

			for _, v := range testutil.Readings("a", 4) {
				require.NoError(t, slow.Publish(ctx, v))
			}
			<-entered

			removed := make(chan error, 1)
			go func() {
				removed <- r.Remove(ctx, reactor.Key{Topic: "slow", Kind: reactor.KindSubscriber})
			}()
			testutil.Eventually(t, waitTimeout, func() bool { return sub.Health().IsUnhealthy() }, "subscriber detached")
			close(release)
			require.NoError(t, <-removed)

			assert.Equal(t, int32(1), delivered.Load())
			assert.Equal(t, int64(3), r.Dropped())

			require.NoError(t, steady.Publish(ctx, testutil.Reading{Seq: 1}))
			others.WaitFor(t, 1, waitTimeout)

			err = r.Remove(ctx, reactor.Key{Topic: "slow", Kind: reactor.KindSubscriber})
			assert.ErrorIs(t, err, errors.ErrNotFound)
		})
	}
}

func TestSetSubscriberCallback(t *testing.T) {
	ctx := context.Background()
	r, _ := newReactor(t)

	before := testutil.NewRecorder[testutil.Reading]()
	after := testutil.NewRecorder[testutil.Reading]()
	_, err := reactor.AddSubscriber(ctx, r, "swap", record(before))
	require.NoError(t, err)
	require.NoError(t, reactor.SetSubscriberCallback(r, "swap", record(after)))

	pub, err := reactor.AddPublisher[testutil.Reading](ctx, r, "swap")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, testutil.Reading{Seq: 1}))
	after.WaitFor(t, 1, waitTimeout)
	before.Never(t, 20*time.Millisecond)

	err = reactor.SetSubscriberCallback(r, "swap", pubsub.Callback[testutil.Ping](nil))
	assert.ErrorIs(t, err, errors.ErrTopicTypeMismatch)
	err = reactor.SetSubscriberCallback(r, "absent", record(after))
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestReactor_SharedWorker(t *testing.T) {
	ctx := context.Background()
	r, _ := newReactor(t, reactor.WithSharedWorker())
	require.NotNil(t, r.Worker())

	var inFlight, overlaps atomic.Int32
	guard := func() func() {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		return func() { inFlight.Add(-1) }
	}

	rec := testutil.NewRecorder[testutil.Reading]()
	for _, topic := range []string{"a", "b"} {
		_, err := reactor.AddSubscriber(ctx, r, topic, pubsub.Callback[testutil.Reading](
			func(_ context.Context, v testutil.Reading, _ middleware.SampleInfo) error {
				defer guard()()
				time.Sleep(time.Millisecond)
				rec.Add(v)
				return nil
			}))
		require.NoError(t, err)
	}
	_, err := reactor.AddReplier(ctx, r, "echo", reqrep.Handler[testutil.Ping, testutil.Pong](
		func(ctx context.Context, in testutil.Ping) (testutil.Pong, error) {
			defer guard()()
			return pong(ctx, in)
		}))
	require.NoError(t, err)
	req, err := reactor.AddRequester[testutil.Ping, testutil.Pong](ctx, r, "echo")
	require.NoError(t, err)
	assert.Same(t, r.Worker(), req.Worker())

	pa, err := reactor.AddPublisher[testutil.Reading](ctx, r, "a")
	require.NoError(t, err)
	pb, err := reactor.AddPublisher[testutil.Reading](ctx, r, "b")
	require.NoError(t, err)

	for _, v := range testutil.Readings("s", 10) {
		require.NoError(t, pa.Publish(ctx, v))
		require.NoError(t, pb.Publish(ctx, v))
	}
	rep, err := req.Request(ctx, testutil.Ping{Seq: 9}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9, rep.Seq)

	rec.WaitFor(t, 20, waitTimeout)
	assert.Zero(t, overlaps.Load())
}

func TestReactor_Health(t *testing.T) {
	ctx := context.Background()
	r, _ := newReactor(t, reactor.WithSharedWorker())

	_, err := reactor.AddPublisher[testutil.Reading](ctx, r, "h")
	require.NoError(t, err)
	_, err = reactor.AddSubscriber[testutil.Reading](ctx, r, "h", nil)
	require.NoError(t, err)

	st := r.Health()
	assert.True(t, st.IsHealthy(), st.Message)
	assert.Len(t, st.SubStatuses, 3)
	assert.Equal(t, "reactor/0", st.Component)
}

func TestReactor_Close(t *testing.T) {
	ctx := context.Background()
	r, p := newReactor(t, reactor.WithSharedWorker())

	sub, err := reactor.AddSubscriber[testutil.Reading](ctx, r, "c", nil)
	require.NoError(t, err)
	req, err := reactor.AddRequester[testutil.Ping, testutil.Pong](ctx, r, "svc")
	require.NoError(t, err)
	h, err := req.SendRequestAsync(ctx, testutil.Ping{Seq: 1}, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	_, err = h.Await(ctx)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.True(t, sub.Health().IsUnhealthy())
	assert.Empty(t, r.Capabilities())
	assert.True(t, r.Health().IsUnhealthy())
	assert.Empty(t, p.Topics(), "capabilities released their topics")
	assert.False(t, p.Closed(), "participant outlives the reactor")

	_, err = reactor.AddPublisher[testutil.Reading](ctx, r, "late")
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind reactor.Kind
		want string
	}{
		{reactor.KindPublisher, "publisher"},
		{reactor.KindSubscriber, "subscriber"},
		{reactor.KindRequester, "requester"},
		{reactor.KindReplier, "replier"},
		{reactor.Kind(9), "kind(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
	assert.Equal(t, "replier/echo", reactor.Key{Topic: "echo", Kind: reactor.KindReplier}.String())
}
