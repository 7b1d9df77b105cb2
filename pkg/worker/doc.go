// Package worker provides ActiveObject, the single-goroutine executor behind
// every subscription, requester and replier.
//
// Middleware delivers data-available notifications on its own threads. Those
// threads only enqueue work items; the active object's goroutine runs them one
// at a time, so a subscription's callbacks never overlap and observe samples in
// arrival order.
//
//	ao := worker.NewActiveObject("sensor/temp",
//	    worker.WithQueueSize(256),
//	    worker.WithStopPolicy(worker.StopDrain))
//	if err := ao.Start(ctx); err != nil {
//	    return err
//	}
//	defer ao.Stop(context.Background())
//
//	_ = ao.Enqueue(func(ctx context.Context) error {
//	    return handle(sample)
//	})
//
// The queue is bounded. Under the default Block policy a producer waits up to
// the enqueue timeout and the item is then dropped with ErrQueueFull. Drops are
// counted in Stats and logged at most once per second.
//
// Every schedules a periodic item on the same queue, and Run enqueues a closure
// and waits for its result. Run must not be used to wait on another active
// object from inside a work item.
package worker
