package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/config"
	"github.com/c360/talkbus/middleware/loopback"
	"github.com/c360/talkbus/participant"
)

// Config returns the default configuration tuned for fast tests
func Config() config.Config {
	cfg := config.Default()
	cfg.Worker.QueueSize = 256
	cfg.Worker.EnqueueTimeout = 100 * time.Millisecond
	cfg.Requester.DefaultTimeout = time.Second
	cfg.Requester.SweepInterval = 10 * time.Millisecond
	return cfg
}

// NewManager creates a participant manager over a fresh loopback network and
// closes it when the test ends
func NewManager(t testing.TB, opts ...participant.Option) (*participant.Manager, *loopback.Network) {
	t.Helper()
	return NewManagerWith(t, Config(), loopback.New(), opts...)
}

// NewManagerWith creates a participant manager over net with cfg
func NewManagerWith(t testing.TB, cfg config.Config, net *loopback.Network,
	opts ...participant.Option) (*participant.Manager, *loopback.Network) {
	t.Helper()

	mgr, err := participant.NewManager(cfg, net, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr, net
}

// NewParticipant joins domain with the default profile
func NewParticipant(t testing.TB, mgr *participant.Manager, domain int) *participant.Participant {
	t.Helper()

	p, err := mgr.Create(context.Background(), domain, "")
	require.NoError(t, err)
	return p
}
