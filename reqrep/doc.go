// Package reqrep layers request/reply over two pub/sub topics.
//
// A Requester[Req, Rep] publishes requests on one topic and listens for
// replies on another. Every reply names the sample id of the request it
// answers; the requester matches it against a pending table owned by its
// active object and completes the request exactly once: resolved, failed,
// timed out or cancelled.
//
//	rep, err := reqrep.AdvertiseService(ctx, p, "echo",
//		reqrep.Handler[Ping, Pong](func(ctx context.Context, in Ping) (Pong, error) {
//			return Pong{Seq: in.Seq}, nil
//		}))
//	req, err := reqrep.DialService[Ping, Pong](ctx, p, "echo")
//	pong, err := req.Request(ctx, Ping{Seq: 1}, time.Second)
//
// SendRequestAsync returns a Handle to await or cancel; WithCallback runs a
// function on the requester's worker when the request completes. A reply that
// matches no pending request, including one that arrives after a timeout, is
// counted and dropped.
//
// A Replier answers one request at a time. When the handler returns an error
// or panics, the requester receives a failed reply and the request completes
// with ErrRemoteFailure.
package reqrep
