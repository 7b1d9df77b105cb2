// Package natsclient manages the NATS connection used by the NATS middleware.
//
// The client wraps the NATS Go client with a circuit breaker, connection retry
// and health monitoring, and exposes the small set of core and JetStream
// operations the middleware needs: header-carrying publish, subscriptions,
// streams and ordered consumers.
//
// # Circuit Breaker
//
// After a threshold of consecutive failures (default 5) the circuit opens and
// further operations fail fast with ErrCircuitOpen. After the current backoff
// the circuit moves to half-open and the next Connect may try again. Backoff
// doubles per round up to WithMaxBackoff.
//
// # Connection Lifecycle
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//	                                  \-> CircuitOpen (after repeated failures)
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithConnectRetry(retry.DefaultConfig()),
//	    natsclient.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// # JetStream
//
// EnsureStream creates or updates a stream, PublishToStream waits for the
// stream ack, and ConsumeOrdered replays a stream and then follows it live.
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers-go and
// returns a connected client that is torn down with the test.
package natsclient
