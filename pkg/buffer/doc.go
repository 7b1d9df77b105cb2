// Package buffer provides a generic, bounded, thread-safe circular buffer.
//
// The buffer backs the active object work queues, the pull-style queue
// subscriptions and the loopback middleware reader histories. Its overflow
// policy decides what happens when it is full:
//
//   - DropOldest evicts the oldest item (keep-last history semantics)
//   - DropNewest rejects the new item with errors.ErrQueueFull
//   - Block makes the writer wait; WriteContext bounds the wait and drops the
//     item with errors.ErrQueueFull when the context ends first
//
// Close stops writes but leaves queued items readable, so a consumer looping on
// ReadContext drains the buffer and then receives errors.ErrClosed:
//
//	for {
//	    item, err := buf.ReadContext(ctx)
//	    if err != nil {
//	        return
//	    }
//	    handle(item)
//	}
//
// Statistics are always collected. WithMetrics additionally exports them to a
// metric.MetricsRegistry; the collectors are unregistered on Close.
package buffer
