// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SESSION METRICS
// =============================================================================

var (
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_sessions_total",
			Help: "Total number of orchestration sessions",
		},
		[]string{"mode", "status"}, // mode: batch, stream, resume; status: success, error
	)

	sessionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "karen_session_duration_seconds",
			Help:    "Orchestration session duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"mode"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karen_active_sessions",
			Help: "Number of orchestration sessions currently in flight",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_stage_executions_total",
			Help: "Total number of graph stage executions",
		},
		[]string{"graph", "stage", "status"}, // status: success, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "karen_stage_duration_seconds",
			Help:    "Graph stage duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"graph", "stage"},
	)

	graphSuspensionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_graph_suspensions_total",
			Help: "Total number of graph runs suspended awaiting external input",
		},
		[]string{"graph", "stage"},
	)
)

// =============================================================================
// COLLABORATOR METRICS
// =============================================================================

var (
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_tool_calls_total",
			Help: "Total number of tool calls issued by tool_exec",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	modelResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_model_responses_total",
			Help: "Total number of synthesized responses by provider and model",
		},
		[]string{"provider", "model", "status"}, // status: success, fallback, error
	)

	collaboratorResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_collaborator_resolutions_total",
			Help: "Lazy collaborator resolution attempts",
		},
		[]string{"collaborator", "status"}, // status: resolved, failed
	)
)

// =============================================================================
// HTTP METRICS
// =============================================================================

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "karen_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 30},
		},
		[]string{"route"},
	)

	streamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_stream_events_total",
			Help: "Streaming events written to clients",
		},
		[]string{"transport", "type"}, // transport: sse, websocket
	)

	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karen_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "code"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// SessionStarted increments the in-flight session gauge.
func SessionStarted() {
	activeSessions.Inc()
}

// RecordSession records a finished session and decrements the in-flight gauge.
func RecordSession(mode string, status string, durationMS int) {
	activeSessions.Dec()
	sessionsTotal.WithLabelValues(mode, status).Inc()
	sessionDurationSeconds.WithLabelValues(mode).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records stage execution metrics.
func RecordStageExecution(graph string, stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(graph, stage, status).Inc()
	stageDurationSeconds.WithLabelValues(graph, stage).Observe(float64(durationMS) / 1000.0)
}

// RecordSuspension records a graph run suspending at stage.
func RecordSuspension(graph string, stage string) {
	graphSuspensionsTotal.WithLabelValues(graph, stage).Inc()
}

// RecordToolCall records one tool invocation.
func RecordToolCall(tool string, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordModelResponse records one response_synth outcome.
func RecordModelResponse(provider string, model string, status string) {
	modelResponsesTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordCollaboratorResolution records a lazy resolution attempt.
func RecordCollaboratorResolution(collaborator string, status string) {
	collaboratorResolutionsTotal.WithLabelValues(collaborator, status).Inc()
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(route string, code string, durationMS int) {
	httpRequestsTotal.WithLabelValues(route, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}

// RecordStreamEvent records one event written to a streaming client.
func RecordStreamEvent(transport string, eventType string) {
	streamEventsTotal.WithLabelValues(transport, eventType).Inc()
}

// RecordGRPCRequest records a finished gRPC call.
func RecordGRPCRequest(method string, code string) {
	grpcRequestsTotal.WithLabelValues(method, code).Inc()
}
