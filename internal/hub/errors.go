package hub

import "errors"

// Error taxonomy for transition requests. Every one of these is folded
// into a terminal TransitionResponse; none escapes as a panic or crash.
var (
	ErrUnknownMachine      = errors.New("unknown machine")
	ErrValidationRejected  = errors.New("validation rejected")
	ErrTimeout             = errors.New("request timed out")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrConflictTimeout     = errors.New("conflict resolution timed out")
	ErrRequestCancelled    = errors.New("request cancelled")
	ErrShuttingDown        = errors.New("hub is shutting down")
)
