package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity with atomic counters.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records an accepted item.
func (s *Statistics) Write() { s.writes.Add(1) }

// Reads records n removed items.
func (s *Statistics) Reads(n int64) { s.reads.Add(n) }

// Overflow records a write that found the buffer full.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records a discarded item.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and raises the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		high := s.maxSize.Load()
		if size <= high || s.maxSize.CompareAndSwap(high, size) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Writes    int64 `json:"writes"`
	Reads     int64 `json:"reads"`
	Overflows int64 `json:"overflows"`
	Drops     int64 `json:"drops"`
	Size      int64 `json:"size"`
	MaxSize   int64 `json:"max_size"`
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Writes:    s.writes.Load(),
		Reads:     s.reads.Load(),
		Overflows: s.overflows.Load(),
		Drops:     s.drops.Load(),
		Size:      s.size.Load(),
		MaxSize:   s.maxSize.Load(),
	}
}
