package worker

import "errors"

var (
	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped is returned when submitting after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start call.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull is returned when the work queue cannot accept more
	// items. Callers decide whether to retry, drop, or backpressure.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor is returned when constructing a pool without a
	// processor function.
	ErrNilProcessor = errors.New("worker pool requires a processor")

	// ErrStopTimeout is returned when workers do not drain within the
	// stop timeout.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)
