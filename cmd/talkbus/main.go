// Package main implements the talkbus command: a small composition root that
// publishes, subscribes, pings or answers pings over the configured middleware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/talkbus/config"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/participant"
	"github.com/c360/talkbus/reactor"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "talkbus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		cli.usage()
		return nil
	}

	logger := setupLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli.ConfigPath)
	if err != nil {
		return err
	}
	if cli.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	slog.Info("Starting talkbus",
		"version", Version,
		"mode", cli.Mode,
		"middleware", cfg.Middleware.Kind,
		"domain", cfg.Domain.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cli, logger)
}

// loadConfig layers the optional file over the defaults and applies the
// environment
func loadConfig(path string) (config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config, cli *CLIConfig, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics server started", "address", server.Address())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Stop(stopCtx)
		}()
	}

	be, err := setupMiddleware(ctx, cfg, logger, registry, monitor)
	if err != nil {
		return err
	}

	mgr, err := participant.NewManager(cfg, be.mw,
		participant.WithLogger(logger),
		participant.WithMetrics(registry))
	if err != nil {
		_ = be.close(context.Background())
		return fmt.Errorf("create participant manager: %w", err)
	}

	p, err := mgr.Create(ctx, cfg.Domain.ID, "")
	if err != nil {
		_ = be.close(context.Background())
		return fmt.Errorf("join domain %d: %w", cfg.Domain.ID, err)
	}

	r, err := reactor.New(p, reactor.WithSharedWorker())
	if err != nil {
		_ = shutdown(mgr, be, nil, cli.ShutdownTimeout)
		return fmt.Errorf("create reactor: %w", err)
	}

	stopHealth := watchHealth(ctx, cli.HealthInterval, monitor, r, p)
	runErr := runMode(ctx, r, cli)
	stopHealth()

	if err := shutdown(mgr, be, r, cli.ShutdownTimeout); err != nil {
		return errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("talkbus shutdown complete")
	return nil
}

// watchHealth feeds the monitor and logs state changes until the returned
// func is called
func watchHealth(ctx context.Context, interval time.Duration, monitor *health.Monitor,
	r *reactor.Reactor, p *participant.Participant) func() {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	check := func() {
		changed := monitor.Update("reactor", r.Health())
		changed = monitor.Update("participant", p.Health()) || changed
		if changed {
			overall := monitor.AggregateHealth(appName)
			slog.Info("Health changed", "state", overall.State, "message", overall.Message)
		}
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		check()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// shutdown closes the reactor, the participants and the middleware, in that
// order, within timeout
func shutdown(mgr *participant.Manager, be *backend, r *reactor.Reactor, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if r != nil {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close reactor: %w", err))
		}
	}
	if err := mgr.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close participants: %w", err))
	}
	if err := be.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close middleware: %w", err))
	}
	return errors.Join(errs...)
}
