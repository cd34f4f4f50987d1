// Package sim provides a built-in state machine implementation so a
// daemon can serve transition traffic without an external process
// registering machines. Each instance tracks its current state,
// optionally simulates work, and reports state changes through hub
// hooks.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fsmhub/internal/hub"
	"fsmhub/internal/models"
)

// Machine is a simulated state machine. It accepts any transition whose
// source matches its current state.
type Machine struct {
	mu    sync.Mutex
	state string
	delay time.Duration
	hooks hub.MachineHooks
}

// New creates a machine in the given initial state. delay simulates
// per-transition work; zero executes instantly.
func New(initial string, delay time.Duration) *Machine {
	return &Machine{state: initial, delay: delay}
}

// SetHooks implements hub.Observable.
func (m *Machine) SetHooks(hooks hub.MachineHooks) {
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
}

// State returns the machine's current state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition implements hub.Machine.
func (m *Machine) Transition(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
	if m.delay > 0 {
		t := time.NewTimer(m.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("machine is in state %q, not %q", cur, from)
	}
	m.state = to
	hooks := m.hooks
	m.mu.Unlock()

	if hooks.StateChanged != nil {
		hooks.StateChanged(from, to)
	}
	return nil
}
