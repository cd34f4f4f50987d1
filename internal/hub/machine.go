package hub

import (
	"context"

	"fsmhub/internal/models"
)

// Machine is the entry point a registered instance must expose. The hub
// invokes it from worker goroutines, so implementations must be safe for
// concurrent use or rely on the hub's conflict resolution to serialize
// overlapping transitions.
type Machine interface {
	Transition(ctx context.Context, from, to, event string, tc *models.TransitionContext) error
}

// MachineHooks are optional callbacks a machine instance can raise
// between hub-driven transitions. The hub forwards them into the event
// stream (stateChange, fsmError) for the monitor and other subscribers.
type MachineHooks struct {
	StateChanged  func(from, to string)
	ErrorReported func(err error)
}

// Observable is implemented by machine instances that emit their own
// notifications. The hub wires hooks on registration and clears them on
// unregistration by passing zero hooks.
type Observable interface {
	SetHooks(hooks MachineHooks)
}

// MachineFunc adapts a plain function to the Machine interface.
type MachineFunc func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error

func (f MachineFunc) Transition(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
	return f(ctx, from, to, event, tc)
}
