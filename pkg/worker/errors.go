package worker

import (
	stderrors "errors"

	"github.com/c360/talkbus/errors"
)

// Sentinel errors for active object operations
var (
	// ErrNotStarted indicates Enqueue before Start
	ErrNotStarted = errors.ErrNotStarted

	// ErrStopped indicates Enqueue after Stop began
	ErrStopped = errors.ErrAlreadyStopped

	// ErrAlreadyStarted indicates Start() was called twice
	ErrAlreadyStarted = errors.ErrAlreadyStarted

	// ErrQueueFull indicates the item was dropped because the queue stayed full
	ErrQueueFull = errors.ErrQueueFull

	// ErrNilWorkItem indicates a nil work item was enqueued
	ErrNilWorkItem = stderrors.New("work item cannot be nil")

	// ErrStopTimeout indicates the worker did not finish before the Stop context ended
	ErrStopTimeout = stderrors.New("timeout waiting for worker to stop")
)
