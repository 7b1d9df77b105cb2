// Package talkbus is a typed interprocess messaging layer over DDS-class
// middleware: publish/subscribe, request/reply and a reactor that composes
// both, with QoS chosen per entity.
//
// The root package holds no code; it documents how the packages fit together.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│      reactor / pubsub / reqrep      │  Typed entities, callbacks,
//	│  (Publisher, Subscriber, Requester) │  request correlation
//	└─────────────────────────────────────┘
//	           ↓ built on
//	┌─────────────────────────────────────┐
//	│   participant + qos + pkg/worker    │  Ref-counted participants,
//	│  (Manager, Topic, ActiveObject)     │  topic registry, QoS profiles
//	└─────────────────────────────────────┘
//	           ↓ talks to
//	┌─────────────────────────────────────┐
//	│            middleware               │  loopback (in process) or
//	│       (DomainParticipant, ...)      │  natsbus (NATS + JetStream)
//	└─────────────────────────────────────┘
//
// # Threading
//
// Middleware notifications arrive on middleware goroutines. Subscribers never
// run user code there: each sample becomes one work item on an active object,
// which runs items one at a time in arrival order. Requesters keep their
// pending table on their active object; Handle.Await blocks the caller, never
// the worker.
//
// # Packages
//
// Messaging:
//   - participant: Manager, Participant and the topic registry
//   - pubsub: Publisher[T], Subscriber[T], QueueSubscriber[T]
//   - reqrep: Requester[Req, Rep], Replier[Req, Rep], Handle
//   - reactor: capability table over one participant
//   - qos: policies, named profiles and the resolver
//   - codec: sample encoding and type identifiers
//
// Middleware:
//   - middleware: the contract the messaging packages consume
//   - middleware/loopback: in-process network for tests and single-process apps
//   - middleware/natsbus: NATS core for volatile topics, JetStream for
//     transient-local history
//   - natsclient: NATS connection with circuit breaker and stream helpers
//
// Infrastructure:
//   - config: JSON configuration with TALKBUS_* overrides
//   - errors: classified errors and the messaging error taxonomy
//   - health: Status values and the Monitor
//   - metric: Prometheus registry and the /metrics server
//   - pkg/buffer, pkg/worker, pkg/retry: bounded queues, active objects, backoff
//
// # Usage
//
//	mgr, err := participant.NewManager(cfg, loopback.New())
//	p, err := mgr.Create(ctx, 0, "")
//	defer mgr.Release(p)
//
//	sub, err := pubsub.Subscribe[Reading](ctx, p, "sensor/temp",
//		pubsub.WithCallback(pubsub.Callback[Reading](onReading)))
//	pub, err := pubsub.Advertise[Reading](ctx, p, "sensor/temp")
//	err = pub.Publish(ctx, Reading{Celsius: 21.5})
//
// # Binary
//
//	./bin/talkbus --mode=pong --service=echo
//	./bin/talkbus --mode=ping --service=echo --count=10
package talkbus
