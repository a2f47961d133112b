package pool

import "errors"

var (
	// ErrNotStarted is returned by submits before Start
	ErrNotStarted = errors.New("processing pool not started")

	// ErrStopped is returned by submits after Stop
	ErrStopped = errors.New("processing pool stopped")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("processing pool already started")

	// ErrQueueFull is returned when no queue slot became free in time
	ErrQueueFull = errors.New("processing queue full")

	// ErrSubmitCanceled wraps the context error of an abandoned blocking submit
	ErrSubmitCanceled = errors.New("submit canceled")

	// ErrNilHandler indicates a nil handler was provided
	ErrNilHandler = errors.New("handler function cannot be nil")
)
