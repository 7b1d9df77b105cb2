package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/pubsub"
	"github.com/c360/talkbus/reactor"
	"github.com/c360/talkbus/reqrep"
)

// Chatter is the sample type of pub and sub modes
type Chatter struct {
	Seq  int       `json:"seq"`
	Text string    `json:"text"`
	From string    `json:"from"`
	Sent time.Time `json:"sent"`
}

// Echo is the request of ping and pong modes
type Echo struct {
	Seq  int       `json:"seq"`
	Sent time.Time `json:"sent"`
}

// EchoReply answers an Echo
type EchoReply struct {
	Seq       int       `json:"seq"`
	Responder string    `json:"responder"`
	Received  time.Time `json:"received"`
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%s/%d", name, os.Getpid())
}

// runMode installs the capabilities of cli.Mode and, for the sending modes,
// loops until count is reached or ctx ends
func runMode(ctx context.Context, r *reactor.Reactor, cli *CLIConfig) error {
	switch cli.Mode {
	case modePub:
		return runPub(ctx, r, cli)
	case modeSub:
		return runSub(ctx, r, cli)
	case modePing:
		return runPing(ctx, r, cli)
	case modePong:
		return runPong(ctx, r, cli)
	default:
		return fmt.Errorf("invalid mode: %s", cli.Mode)
	}
}

func runPub(ctx context.Context, r *reactor.Reactor, cli *CLIConfig) error {
	pub, err := reactor.AddPublisher[Chatter](ctx, r, cli.Topic, pubsub.WithProfile(cli.Profile))
	if err != nil {
		return fmt.Errorf("advertise %s: %w", cli.Topic, err)
	}
	from := hostname()
	slog.Info("Publishing", "topic", cli.Topic, "qos", pub.QoS().String(), "count", cli.Count)

	return every(ctx, cli.Interval, cli.Count, func(seq int) error {
		msg := Chatter{Seq: seq, Text: fmt.Sprintf("hello #%d", seq), From: from, Sent: time.Now()}
		if err := pub.Publish(ctx, msg); err != nil {
			slog.Warn("Publish failed", "seq", seq, "error", err)
			return nil
		}
		slog.Debug("Published", "seq", seq, "matched", pub.MatchedSubscribers())
		return nil
	})
}

func runSub(ctx context.Context, r *reactor.Reactor, cli *CLIConfig) error {
	var received int
	onChatter := func(_ context.Context, msg Chatter, info middleware.SampleInfo) error {
		received++
		slog.Info("Received",
			"seq", msg.Seq,
			"text", msg.Text,
			"from", msg.From,
			"sample", info.ID.String(),
			"latency", info.ReceptionTimestamp.Sub(msg.Sent),
			"total", received)
		return nil
	}
	sub, err := reactor.AddSubscriber(ctx, r, cli.Topic, pubsub.Callback[Chatter](onChatter),
		pubsub.WithProfile(cli.Profile),
		pubsub.WithDeadlineMissed(func(_ context.Context, silence time.Duration) {
			slog.Warn("No sample within deadline", "topic", cli.Topic, "silence", silence)
		}))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cli.Topic, err)
	}
	slog.Info("Subscribed", "topic", cli.Topic, "qos", sub.QoS().String())

	<-ctx.Done()
	return nil
}

func runPing(ctx context.Context, r *reactor.Reactor, cli *CLIConfig) error {
	req, err := reactor.AddRequester[Echo, EchoReply](ctx, r, cli.Service, reqrep.WithProfile(cli.Profile))
	if err != nil {
		return fmt.Errorf("dial %s: %w", cli.Service, err)
	}
	slog.Info("Pinging", "service", cli.Service, "qos", req.QoS().String(), "connected", req.IsConnected())

	var ok, failed int
	err = every(ctx, cli.Interval, cli.Count, func(seq int) error {
		start := time.Now()
		rep, err := req.Request(ctx, Echo{Seq: seq, Sent: start}, cli.RequestTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failed++
			slog.Warn("Ping failed", "seq", seq, "error", err, "connected", req.IsConnected())
			return nil
		}
		ok++
		slog.Info("Pong", "seq", rep.Seq, "responder", rep.Responder, "rtt", time.Since(start))
		return nil
	})
	slog.Info("Ping finished", "ok", ok, "failed", failed, "unmatched", req.Unmatched())
	return err
}

func runPong(ctx context.Context, r *reactor.Reactor, cli *CLIConfig) error {
	responder := hostname()
	handler := func(_ context.Context, in Echo) (EchoReply, error) {
		slog.Debug("Ping", "seq", in.Seq, "age", time.Since(in.Sent))
		return EchoReply{Seq: in.Seq, Responder: responder, Received: time.Now()}, nil
	}
	rep, err := reactor.AddReplier(ctx, r, cli.Service, reqrep.Handler[Echo, EchoReply](handler),
		reqrep.WithProfile(cli.Profile))
	if err != nil {
		return fmt.Errorf("serve %s: %w", cli.Service, err)
	}
	slog.Info("Serving", "service", cli.Service, "qos", rep.QoS().String())

	<-ctx.Done()
	slog.Info("Pong finished", "served", rep.Served(), "failed", rep.Failed())
	return nil
}

// every calls fn with 1, 2, ... at each interval until count calls were made
// (count 0 means no limit) or ctx ends
func every(ctx context.Context, interval time.Duration, count int, fn func(seq int) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 1; count == 0 || seq <= count; seq++ {
		if err := fn(seq); err != nil {
			return err
		}
		if count != 0 && seq == count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
