package dispatch

import "errors"

var (
	// ErrShutdown is returned for work submitted after shutdown began, and to
	// callers whose queued task was discarded by shutdown.
	ErrShutdown = errors.New("dispatcher is shutting down")

	// ErrQueueFull is returned when a bounded queue rejects a task.
	ErrQueueFull = errors.New("task queue is full")

	// ErrUnknownRequest is returned when taking an id the result store does
	// not track: never submitted, already taken, or expired.
	ErrUnknownRequest = errors.New("no result for request")

	// ErrSinkClosed wraps a failed write to a streaming session's sink.
	ErrSinkClosed = errors.New("stream sink closed")
)
