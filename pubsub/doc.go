// Package pubsub provides typed publishers and subscribers.
//
// A Publisher[T] encodes values of T and hands them to the middleware
// synchronously. A Subscriber[T] receives samples on middleware goroutines,
// decodes them and queues one work item per sample on an active object, so its
// callback runs on a single goroutine and never overlaps itself:
//
//	pub, err := pubsub.Advertise[Reading](ctx, p, "sensor/temp")
//	sub, err := pubsub.Subscribe[Reading](ctx, p, "sensor/temp",
//		pubsub.WithCallback(pubsub.Callback[Reading](handle)))
//	err = pub.Publish(ctx, Reading{Celsius: 21.5})
//
// The callback can be swapped at runtime with SetCallback; each delivery reads
// the current one. Subscribers may share one active object through WithWorker,
// which serializes every callback on it.
//
// QueueSubscriber[T] is the pull-style alternative: samples wait in a bounded
// queue that evicts the oldest entry and are taken with Pop, TryPop or PopAll.
//
// Entities created from a topic own the caller's topic reference and release
// it on Close.
package pubsub
