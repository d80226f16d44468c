package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_agent_turns_total",
			Help: "Total number of completed turns by intent and terminal outcome",
		},
		[]string{"intent", "outcome"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabula_agent_turn_duration_seconds",
			Help:    "Duration of a full turn in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"intent"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_agent_state_transitions_total",
			Help: "Total number of orchestrator state transitions",
		},
		[]string{"from", "to"},
	)

	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_agent_external_calls_total",
			Help: "Total number of calls to external collaborators by outcome",
		},
		[]string{"collaborator", "operation", "outcome"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabula_agent_external_call_duration_seconds",
			Help:    "Duration of calls to external collaborators in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collaborator", "operation"},
	)

	LoopRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_agent_loop_retries_total",
			Help: "Total number of regenerations by retry loop",
		},
		[]string{"loop"},
	)

	UnverifiedResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabula_agent_unverified_results_total",
			Help: "Total number of query results returned without passing validation",
		},
	)
)
