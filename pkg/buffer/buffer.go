package buffer

import (
	"context"
)

// Buffer is a bounded, thread-safe FIFO parameterized by item type.
type Buffer[T any] interface {
	// Write adds an item according to the overflow policy. With Block it waits
	// without bound; use WriteContext to bound the wait.
	Write(item T) error

	// WriteContext is Write with a bounded wait under the Block policy. When ctx
	// ends before space frees up the item is dropped and the returned error
	// matches both errors.ErrQueueFull and ctx.Err().
	WriteContext(ctx context.Context, item T) error

	// Read removes the oldest item without waiting.
	Read() (T, bool)

	// ReadContext waits for an item. Items written before Close remain
	// readable; once the buffer is closed and empty it returns errors.ErrClosed.
	ReadContext(ctx context.Context) (T, error)

	// ReadBatch removes up to max items.
	ReadBatch(max int) []T

	// Snapshot copies the current contents, oldest first, without removing them.
	Snapshot() []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items, passing each to the drop callback, and returns how many were removed.
	Clear() int

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close stops accepting writes and wakes every waiter.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest rejects the incoming item with errors.ErrQueueFull.
	DropNewest

	// Block makes writers wait for space.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a configuration string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "drop_oldest":
		return DropOldest, true
	case "drop_newest":
		return DropNewest, true
	case "block", "":
		return Block, true
	default:
		return Block, false
	}
}

// DropCallback is called, outside the buffer lock, with every item the buffer discards.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Statistics are always collected; Prometheus export is enabled with WithMetrics.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
