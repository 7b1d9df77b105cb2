// Package reactor composes the messaging capabilities of one participant.
//
// A Reactor holds a dispatch table of publishers, subscribers, requesters and
// repliers keyed by topic (or service) and kind. Inbound samples and requests
// are routed through the table to the capability's queue, so removing one
// capability drops its late events without touching the others.
//
//	r, err := reactor.New(p, reactor.WithSharedWorker())
//	defer r.Close(ctx)
//
//	_, err = reactor.AddSubscriber(ctx, r, "sensor/temp", pubsub.Callback[Reading](onReading))
//	_, err = reactor.AddReplier(ctx, r, "calibrate", reqrep.Handler[Cal, CalResult](calibrate))
//	pub, err := reactor.AddPublisher[Reading](ctx, r, "sensor/temp")
//
// With WithSharedWorker every callback and handler of the reactor runs on one
// active object, one at a time. Replace a subscriber callback with
// SetSubscriberCallback so the removal gate stays in front of it.
//
// # Sessions
//
// A Server and Client pair extends request/reply with two more topics per
// service: <service>/progress carries Progress reports correlated to the
// request, and <service>/command carries client commands. The server reports
// ProgressStart when it picks a request up, any steps the handler reports in
// between, then ProgressSuccess or ProgressFailed before the reply.
//
//	srv, err := reactor.AddServer(ctx, r, "calibrate",
//		reactor.SessionHandler[Cal, CalResult, Step](func(ctx context.Context, s *reactor.ServerSession[Step], in Cal) (CalResult, error) {
//			for i, step := range plan(in) {
//				if !s.Alive() {
//					return CalResult{}, ctx.Err()
//				}
//				_ = s.Progress(ctx, 10*(i+1), &step)
//			}
//			return CalResult{OK: true}, nil
//		}))
//
//	client, err := reactor.AddClient[Cal, CalResult, Step](ctx, r, "calibrate")
//	session, err := client.Request(ctx, Cal{Sensor: "t1"}, time.Minute)
//	step, err := session.ProgressData(ctx)
//	err = session.Cancel(ctx)
//
// Cancel reaches the server over the command topic: the handler's ctx is
// cancelled, Alive turns false and no reply is sent. Commands are read on a
// worker of their own, so a cancel reaches a handler that is still running
// even under WithSharedWorker.
package reactor
