package buffer

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/c360/talkbus/errors"
)

// circularBuffer is a thread-safe ring with configurable overflow policy.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// wakeOnDone broadcasts cond when ctx ends so waiters re-check it.
// The returned stop func must be called once the wait is over.
func (cb *circularBuffer[T]) wakeOnDone(ctx context.Context, cond *sync.Cond) func() bool {
	return context.AfterFunc(ctx, func() {
		cb.mu.Lock()
		cond.Broadcast()
		cb.mu.Unlock()
	})
}

func (cb *circularBuffer[T]) Write(item T) error {
	return cb.write(context.Background(), item)
}

func (cb *circularBuffer[T]) WriteContext(ctx context.Context, item T) error {
	return cb.write(ctx, item)
}

func (cb *circularBuffer[T]) write(ctx context.Context, item T) error {
	var dropped []T
	defer func() {
		// Drop callbacks run outside the lock
		if cb.opts.dropCallback != nil {
			for _, d := range dropped {
				cb.opts.dropCallback(d)
			}
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrClosed, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped = append(dropped, cb.popLocked())
			cb.recordDropLocked()

		case DropNewest:
			dropped = append(dropped, item)
			cb.recordDropLocked()
			return errors.ErrQueueFull

		case Block:
			if ctx.Done() != nil {
				stop := cb.wakeOnDone(ctx, cb.notFull)
				defer stop()
			}
			for cb.size == cb.capacity && !cb.closed && ctx.Err() == nil {
				cb.notFull.Wait()
			}
			if cb.closed {
				return errors.WrapInvalid(errors.ErrClosed, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
			if err := ctx.Err(); err != nil {
				dropped = append(dropped, item)
				cb.recordDropLocked()
				return stderrors.Join(errors.ErrQueueFull, err)
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size)
	}

	cb.notEmpty.Signal()
	return nil
}

func (cb *circularBuffer[T]) recordDropLocked() {
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordDrop()
	}
}

// popLocked removes the item at tail. Caller holds mu and ensures size > 0.
func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

func (cb *circularBuffer[T]) afterReadLocked(n int) {
	cb.stats.Reads(int64(n))
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size)
	}
	if n == 1 {
		cb.notFull.Signal()
	} else {
		cb.notFull.Broadcast()
	}
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}

	item := cb.popLocked()
	cb.afterReadLocked(1)
	return item, true
}

func (cb *circularBuffer[T]) ReadContext(ctx context.Context) (T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 && !cb.closed && ctx.Done() != nil {
		stop := cb.wakeOnDone(ctx, cb.notEmpty)
		defer stop()
	}
	for cb.size == 0 && !cb.closed {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cb.notEmpty.Wait()
	}
	if cb.size == 0 {
		return zero, errors.ErrClosed
	}

	item := cb.popLocked()
	cb.afterReadLocked(1)
	return item, nil
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := min(max, cb.size)
	result := make([]T, n)
	for i := range result {
		result[i] = cb.popLocked()
	}
	cb.afterReadLocked(n)
	return result
}

func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]T, cb.size)
	for i := range out {
		out[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	return out
}

func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.tail], true
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity is immutable, so no lock needed
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) Clear() int {
	cb.mu.Lock()
	removed := make([]T, 0, cb.size)
	for cb.size > 0 {
		removed = append(removed, cb.popLocked())
	}
	cb.head, cb.tail = 0, 0
	for range removed {
		cb.recordDropLocked()
	}
	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0)
	}
	cb.notFull.Broadcast()
	cb.mu.Unlock()

	if cb.opts.dropCallback != nil {
		for _, item := range removed {
			cb.opts.dropCallback(item)
		}
	}
	return len(removed)
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true

	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()

	if cb.metrics != nil {
		cb.metrics.unregister()
	}
	return nil
}
