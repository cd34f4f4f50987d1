package models

import "time"

// MachineKind classifies where a state machine sits in the hierarchy.
type MachineKind string

const (
	KindTopLevel MachineKind = "top-level"
	KindMidTier  MachineKind = "mid-tier"
	KindLeaf     MachineKind = "leaf"
)

// Guard is a caller-supplied predicate attached to a transition context.
// A nil return permits the transition; a non-nil error rejects it with
// the error text as the reason.
type Guard func(from, to, event string) error

// TransitionContext is the typed context bag carried by a request.
// Well-known fields are explicit; Metadata is the open extension map
// for caller-defined values.
type TransitionContext struct {
	Timestamp time.Time         `json:"timestamp"`
	History   []string          `json:"history,omitempty"` // prior transitions as "from->to"
	Tags      map[string]string `json:"tags,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Guards    []Guard           `json:"-"`
}

// NewTransitionContext returns a context stamped with the current time.
func NewTransitionContext() *TransitionContext {
	return &TransitionContext{
		Timestamp: time.Now().UTC(),
		Tags:      map[string]string{},
		Metadata:  map[string]any{},
	}
}

// TransitionRequest is a caller's ask to move a machine between states.
// Immutable after creation; retries are new requests.
type TransitionRequest struct {
	ID          string             `json:"id"`
	MachineID   string             `json:"machine_id"`
	FromState   string             `json:"from_state"`
	ToState     string             `json:"to_state"`
	Event       string             `json:"event"`
	Context     *TransitionContext `json:"context,omitempty"`
	Priority    int                `json:"priority"` // lower value = served first
	SubmittedAt time.Time          `json:"submitted_at"`
	Requester   string             `json:"requester,omitempty"`
}

// TransitionResponse is the terminal outcome of a request. Produced
// exactly once per request.
type TransitionResponse struct {
	RequestID string        `json:"request_id"`
	Success   bool          `json:"success"`
	FromState string        `json:"from_state"`
	ToState   string        `json:"to_state"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// TransitionRecord is an append-only history entry for an executed (or
// validator-rejected) transition.
type TransitionRecord struct {
	MachineID string             `json:"machine_id"`
	From      string             `json:"from"`
	To        string             `json:"to"`
	Event     string             `json:"event"`
	Timestamp time.Time          `json:"timestamp"`
	Duration  time.Duration      `json:"duration"`
	Success   bool               `json:"success"`
	Context   *TransitionContext `json:"context,omitempty"`
}

// HealthStatus summarizes one machine's observed health.
type HealthStatus struct {
	MachineID          string        `json:"machine_id"`
	IsHealthy          bool          `json:"is_healthy"`
	Uptime             time.Duration `json:"uptime"`
	ErrorCount         int           `json:"error_count"`
	LastTransitionTime time.Time     `json:"last_transition_time"`
	Warnings           []string      `json:"warnings,omitempty"`
	Score              float64       `json:"score"`
}

// RealTimeMetrics is a point-in-time snapshot produced by the monitor.
type RealTimeMetrics struct {
	Timestamp             time.Time          `json:"timestamp"`
	ActiveTransitions     int                `json:"active_transitions"`
	TransitionsPerSecond  float64            `json:"transitions_per_second"`
	AverageTransitionTime time.Duration      `json:"average_transition_time"`
	ErrorRate             float64            `json:"error_rate"`
	QueueLength           int                `json:"queue_length"`
	HealthScores          map[string]float64 `json:"health_scores"`
	PerformanceScore      float64            `json:"performance_score"`
}

// AlertType identifies what threshold a PerformanceAlert crossed.
type AlertType string

const (
	AlertErrorRate        AlertType = "error-rate"
	AlertSlowTransition   AlertType = "slow-transition"
	AlertQueueOverflow    AlertType = "queue-overflow"
	AlertMachineUnhealthy AlertType = "machine-unhealthy"
)

// AlertSeverity indicates how serious an alert is.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// PerformanceAlert is raised by the monitor when a threshold is crossed.
type PerformanceAlert struct {
	ID        string             `json:"id"`
	Type      AlertType          `json:"type"`
	Severity  AlertSeverity      `json:"severity"`
	Message   string             `json:"message"`
	MachineID string             `json:"machine_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}
