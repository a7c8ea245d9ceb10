package dispatch

import "errors"

// Lookup errors.
var (
	ErrChannelNotFound = errors.New("async channel not found")
	ErrQueueNotFound   = errors.New("async queue not found")
	ErrMessageNotFound = errors.New("async message not found")
)

// ErrMessageNotScheduled is returned when recording an outcome for a message
// whose retries were stopped.
var ErrMessageNotScheduled = errors.New("async message is not scheduled")

// Configuration errors. They are fatal to opening a queue.
var (
	ErrUnknownSender   = errors.New("unknown sender qualifier")
	ErrUnknownStrategy = errors.New("unknown queue strategy")
)

// Runtime errors.
var (
	ErrQueueNotRunning = errors.New("queue is not running")
	ErrMissingTenant   = errors.New("tenant not set in context")
)

// ValidationError reports a payload rejected before any side effect.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
