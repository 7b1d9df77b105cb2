package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/talkbus/config"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/middleware/loopback"
	"github.com/c360/talkbus/middleware/natsbus"
	"github.com/c360/talkbus/natsclient"
	"github.com/c360/talkbus/pkg/retry"
)

// backend is the middleware plus whatever must be closed after it
type backend struct {
	mw    middleware.Middleware
	close func(ctx context.Context) error
}

// setupMiddleware builds the configured middleware. For NATS it connects
// before returning, retrying with backoff.
func setupMiddleware(ctx context.Context, cfg config.Config, logger *slog.Logger,
	registry *metric.MetricsRegistry, monitor *health.Monitor) (*backend, error) {
	switch cfg.Middleware.Kind {
	case config.MiddlewareLoopback:
		slog.Info("Using in-process loopback middleware")
		return &backend{
			mw:    loopback.New(loopback.WithLogger(logger)),
			close: func(context.Context) error { return nil },
		}, nil

	case config.MiddlewareNATS:
		return setupNATS(ctx, cfg.Middleware.NATS, logger, registry, monitor)

	default:
		return nil, fmt.Errorf("unknown middleware %q", cfg.Middleware.Kind)
	}
}

func setupNATS(ctx context.Context, nc config.NATSConfig, logger *slog.Logger,
	registry *metric.MetricsRegistry, monitor *health.Monitor) (*backend, error) {
	connectRetry := retry.DefaultConfig()
	connectRetry.MaxAttempts = nc.ConnectAttempts
	connectRetry.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Warn("NATS connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
		natsclient.WithConnectRetry(connectRetry),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			st := health.NewHealthy("nats", "connected")
			if !healthy {
				st = health.NewUnhealthy("nats", "disconnected")
			}
			if monitor.Update("nats", st) {
				slog.Info("NATS health changed", "healthy", healthy)
			}
		}),
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS.CertFile, nc.TLS.KeyFile, nc.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", nc.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	monitor.Update("nats", health.NewHealthy("nats", "connected"))

	busOpts := []natsbus.Option{natsbus.WithLogger(logger)}
	if nc.SubjectPrefix != "" {
		busOpts = append(busOpts, natsbus.WithSubjectPrefix(nc.SubjectPrefix))
	}
	if nc.JetStream.Storage == "file" {
		busOpts = append(busOpts, natsbus.WithFileStorage())
	}

	return &backend{
		mw:    natsbus.New(client, busOpts...),
		close: client.Close,
	}, nil
}
