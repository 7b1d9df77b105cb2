//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectAndPublish(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	ctx := context.Background()

	require.True(t, tc.IsReady())
	require.NotNil(t, tc.GetNativeConnection())

	received := make(chan *nats.Msg, 1)
	sub, err := tc.Client.Subscribe("talkbus.0.test", func(msg *nats.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	defer func() { _ = tc.Client.Unsubscribe(sub) }()

	msg := nats.NewMsg("talkbus.0.test")
	msg.Header.Set("Talkbus-Type", "test")
	msg.Data = []byte("payload")
	require.NoError(t, tc.Client.PublishMsg(ctx, msg))

	select {
	case got := <-received:
		assert.Equal(t, []byte("payload"), got.Data)
		assert.Equal(t, "test", got.Header.Get("Talkbus-Type"))
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_StreamReplay(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:              "TALKBUS_TEST",
		Subjects:          []string{"talkbus.0.replay"},
		MaxMsgsPerSubject: 2,
		Discard:           jetstream.DiscardOld,
		Storage:           jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	for _, data := range []string{"a", "b", "c"} {
		msg := nats.NewMsg("talkbus.0.replay")
		msg.Data = []byte(data)
		require.NoError(t, tc.Client.PublishToStream(ctx, msg))
	}

	received := make(chan string, 3)
	stop, err := tc.Client.ConsumeOrdered(ctx, "TALKBUS_TEST", jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}, func(msg jetstream.Msg) {
		received <- string(msg.Data())
	})
	require.NoError(t, err)
	defer stop()

	// Only the last two samples are retained
	for _, want := range []string{"b", "c"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("replayed %q not received", want)
		}
	}

	require.NoError(t, tc.Client.DeleteStream(ctx, "TALKBUS_TEST"))
	require.NoError(t, tc.Client.DeleteStream(ctx, "TALKBUS_TEST"))
}

func TestIntegration_HealthCallback(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())

	changes := make(chan bool, 4)
	client, err := tc.NewClient(WithHealthChangeCallback(func(healthy bool) {
		changes <- healthy
	}))
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	select {
	case healthy := <-changes:
		assert.True(t, healthy)
	case <-time.After(2 * time.Second):
		t.Fatal("health callback not invoked")
	}

	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, client.Status())
}
