// Package metrics provides Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tender"

var (
	// RunsTotal counts orchestrator invocations by terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline invocations by terminal run status",
		},
		[]string{"status"},
	)

	// StageDuration tracks per-stage wall time.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"stage"},
	)

	// StageRecords counts records handled by each stage by outcome
	// (inserted, duplicate, valid, invalid, queued, error, ...).
	StageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_records_total",
			Help:      "Records handled per stage by outcome",
		},
		[]string{"stage", "outcome"},
	)

	// ReviewQueued counts items routed to human review.
	ReviewQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "queued_total",
			Help:      "Reconciliation queue items created by kind",
		},
		[]string{"kind"},
	)

	// AgentCalls counts structured agent calls by outcome.
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Structured agent calls by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	// AgentDuration tracks agent call latency including retries.
	AgentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "call_duration_seconds",
			Help:      "Duration of structured agent calls in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	// AgentTokens counts LLM tokens by agent and direction (input, output).
	AgentTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tokens_total",
			Help:      "LLM tokens consumed by agent and direction",
		},
		[]string{"agent", "direction"},
	)

	// IntakeMessages counts queue messages by outcome.
	IntakeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "messages_total",
			Help:      "Intake queue messages by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveStage records a stage duration since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// AddRecords adds n to a stage outcome counter. Zero counts are skipped.
func AddRecords(stage, outcome string, n int) {
	if n <= 0 {
		return
	}
	StageRecords.WithLabelValues(stage, outcome).Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
