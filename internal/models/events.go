package models

import "time"

// TransitionEvent is the payload dispatched when a transition finishes,
// successfully or not.
type TransitionEvent struct {
	RequestID string        `json:"request_id"`
	MachineID string        `json:"machine_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Event     string        `json:"event"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Priority  int           `json:"priority"`
	Timestamp time.Time     `json:"timestamp"`
}

// MachineEvent is the payload for machine lifecycle notifications
// (heartbeat loss, reported errors, state changes from instance hooks).
type MachineEvent struct {
	MachineID string      `json:"machine_id"`
	Name      string      `json:"name,omitempty"`
	Kind      MachineKind `json:"kind,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
