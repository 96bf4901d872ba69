// Package observability provides Prometheus metrics, tracing and the event
// emitter for the handoff kernel.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// HANDOFF METRICS
// =============================================================================

var (
	handoffTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_transitions_total",
			Help: "Total number of applied handoff transitions",
		},
		[]string{"event", "from", "to"},
	)

	handoffTransitionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_transition_duration_seconds",
			Help:    "Handoff transition duration in seconds, including validation and persistence",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"event"},
	)

	handoffTransitionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_transition_errors_total",
			Help: "Total number of refused handoff transitions",
		},
		[]string{"event", "reason"}, // reason: illegal, concurrent, not_found, invalid, internal
	)
)

// =============================================================================
// EXCEPTION METRICS
// =============================================================================

var (
	exceptionsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_exceptions_raised_total",
			Help: "Total number of exceptions raised",
		},
		[]string{"category", "source"},
	)

	exceptionsEscalatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_exceptions_escalated_total",
			Help: "Total number of escalated exceptions",
		},
		[]string{"category"},
	)

	resolutionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_resolution_attempts_total",
			Help: "Total number of exception resolution attempts",
		},
		[]string{"category", "outcome"}, // outcome: resolved, rejected
	)
)

// =============================================================================
// WORKFLOW METRICS
// =============================================================================

var (
	workflowAdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_workflow_advances_total",
			Help: "Total number of workflow advance calls by result",
		},
		[]string{"result"}, // result: issued, idle, blocked, completed
	)

	workflowStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_workflow_status_changes_total",
			Help: "Total number of workflow status changes",
		},
		[]string{"status"},
	)
)

// =============================================================================
// EVENT PIPELINE METRICS
// =============================================================================

var (
	eventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_events_emitted_total",
			Help: "Total number of observability records accepted by the emitter",
		},
		[]string{"entity_type", "severity"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_events_dropped_total",
			Help: "Total number of observability records dropped because the queue was full",
		},
	)

	sinkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_sink_failures_total",
			Help: "Total number of failed record deliveries per sink",
		},
		[]string{"sink"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTransition records an applied handoff transition.
func RecordTransition(event, from, to string, durationMS float64) {
	handoffTransitionsTotal.WithLabelValues(event, from, to).Inc()
	handoffTransitionDurationSeconds.WithLabelValues(event).Observe(durationMS / 1000.0)
}

// RecordTransitionError records a refused transition.
func RecordTransitionError(event, reason string) {
	handoffTransitionErrorsTotal.WithLabelValues(event, reason).Inc()
}

// RecordExceptionRaised records a new exception.
func RecordExceptionRaised(category, source string) {
	exceptionsRaisedTotal.WithLabelValues(category, source).Inc()
}

// RecordEscalation records an escalated exception.
func RecordEscalation(category string) {
	exceptionsEscalatedTotal.WithLabelValues(category).Inc()
}

// RecordResolutionAttempt records the outcome of a resolution attempt.
func RecordResolutionAttempt(category, outcome string) {
	resolutionAttemptsTotal.WithLabelValues(category, outcome).Inc()
}

// RecordWorkflowAdvance records the result of an advance call.
func RecordWorkflowAdvance(result string) {
	workflowAdvancesTotal.WithLabelValues(result).Inc()
}

// RecordWorkflowStatus records a workflow entering a status.
func RecordWorkflowStatus(status string) {
	workflowStatusTotal.WithLabelValues(status).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
