// Package metrics holds the kernel's Prometheus collectors. Registration is
// on the default registry; the status server exposes them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepOutcomes counts committed receipts by terminal status.
	StepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docket",
		Subsystem: "scheduler",
		Name:      "step_outcomes_total",
		Help:      "Committed step receipts by status.",
	}, []string{"flow", "status"})

	// RoutingDecisions counts routing decisions by word and source layer.
	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docket",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Routing decisions by vocabulary word and source.",
	}, []string{"decision", "source"})

	// Retries counts retry attempts by failure category.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docket",
		Subsystem: "reliability",
		Name:      "retries_total",
		Help:      "Retry attempts by failure category.",
	}, []string{"target", "category"})

	// BreakerTransitions counts circuit-breaker state changes per target.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docket",
		Subsystem: "reliability",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker transitions by target and new state.",
	}, []string{"target", "state"})

	// SpendUSD accumulates recorded backend cost per run.
	SpendUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docket",
		Subsystem: "budget",
		Name:      "spend_usd_total",
		Help:      "Cumulative backend spend in USD.",
	}, []string{"run_id"})

	// StepDuration observes wall time per committed step.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "docket",
		Subsystem: "scheduler",
		Name:      "step_duration_seconds",
		Help:      "Wall time of step executions.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"flow"})

	// MicroloopIterations observes how many iterations loops ran before exit.
	MicroloopIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "docket",
		Subsystem: "microloop",
		Name:      "iterations",
		Help:      "Iterations per micro-loop run, by exit reason.",
		Buckets:   []float64{1, 2, 3, 4, 5, 6},
	}, []string{"exit"})

	// GateVerdicts counts boundary gate outcomes.
	GateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docket",
		Subsystem: "gate",
		Name:      "verdicts_total",
		Help:      "Boundary gate verdicts by outcome.",
	}, []string{"verdict"})

	// RunsActive gauges runs currently scheduled in this process.
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docket",
		Subsystem: "supervisor",
		Name:      "runs_active",
		Help:      "Runs currently executing in this process.",
	})
)
