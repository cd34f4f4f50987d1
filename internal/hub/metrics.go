package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsmhub_transitions_total",
		Help: "Transition requests by terminal result.",
	}, []string{"result"})

	transitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fsmhub_transition_duration_seconds",
		Help:    "Execution duration of transitions.",
		Buckets: prometheus.DefBuckets,
	})

	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsmhub_queue_length",
		Help: "Requests waiting in the priority queue.",
	})

	activeTransitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsmhub_active_transitions",
		Help: "Transitions currently executing.",
	})

	registeredMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsmhub_registered_machines",
		Help: "State machines currently registered.",
	})
)

const (
	resultSuccess   = "success"
	resultFailure   = "failure"
	resultRejected  = "rejected"
	resultTimeout   = "timeout"
	resultCancelled = "cancelled"
)
