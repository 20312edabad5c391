package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - HTTP API request rates and latencies
//   - Backend stream performance, outcomes, and token consumption
//   - Tool execution patterns and latencies per MCP server
//   - Circuit breaker state per backend
//   - Agent registry and interrupt queue sizes
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordBackendStream("anthropic", "claude-sonnet-4", "success", 1.2, 100, 500)
type Metrics struct {
	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// BackendStreamCounter counts backend chat streams by outcome.
	// Labels: backend, model, status (success|error)
	BackendStreamCounter *prometheus.CounterVec

	// BackendStreamDuration measures full stream duration in seconds.
	// Labels: backend, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	BackendStreamDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption reported by backends.
	// Labels: backend, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: server, tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: server, tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// CircuitOpen reports circuit breaker state per backend (1 open, 0 closed).
	// Labels: backend
	CircuitOpen *prometheus.GaugeVec

	// ChatRunCounter counts completed chat runs by terminal outcome.
	// Labels: outcome (success|interrupt|error)
	ChatRunCounter *prometheus.CounterVec

	// ActiveRuns is a gauge tracking chat runs currently streaming.
	ActiveRuns prometheus.Gauge

	// RegisteredAgents tracks live registry entries by role.
	// Labels: role (leader|worker)
	RegisteredAgents *prometheus.GaugeVec

	// PendingInterrupts tracks unresolved interrupts across all threads.
	PendingInterrupts prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (gateway|backend|mcp|loop|registry), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. This should be called once at application startup; the metrics
// are served by the /metrics endpoint.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer.
// Tests use this with an isolated prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		BackendStreamCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_backend_streams_total",
				Help: "Total number of backend chat streams by backend, model, and status",
			},
			[]string{"backend", "model", "status"},
		),

		BackendStreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_backend_stream_duration_seconds",
				Help:    "Duration of backend chat streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"backend", "model"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Total number of tokens used by backend, model, and type",
			},
			[]string{"backend", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by server, tool, and status",
			},
			[]string{"server", "tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server", "tool"},
		),

		CircuitOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_backend_circuit_open",
				Help: "Circuit breaker state per backend (1 open, 0 closed)",
			},
			[]string{"backend"},
		),

		ChatRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_chat_runs_total",
				Help: "Total number of completed chat runs by terminal outcome",
			},
			[]string{"outcome"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_runs",
				Help: "Current number of chat runs streaming",
			},
		),

		RegisteredAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_registered_agents",
				Help: "Current number of live registry entries by role",
			},
			[]string{"role"},
		),

		PendingInterrupts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_pending_interrupts",
				Help: "Current number of unresolved interrupts across all threads",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordHTTPRequest records metrics for a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordBackendStream records metrics for a completed backend chat stream.
//
// Example:
//
//	start := time.Now()
//	// ... consume stream ...
//	metrics.RecordBackendStream("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordBackendStream(backend, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.BackendStreamCounter.WithLabelValues(backend, model, status).Inc()
	m.BackendStreamDuration.WithLabelValues(backend, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(backend, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(backend, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(server, tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(server, tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(server, tool).Observe(durationSeconds)
}

// SetCircuitOpen reports the circuit breaker state for a backend.
func (m *Metrics) SetCircuitOpen(backend string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.CircuitOpen.WithLabelValues(backend).Set(v)
}

// RecordChatRun counts a completed chat run by its terminal outcome.
func (m *Metrics) RecordChatRun(outcome string) {
	m.ChatRunCounter.WithLabelValues(outcome).Inc()
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active run gauge.
func (m *Metrics) RunEnded() {
	m.ActiveRuns.Dec()
}

// SetRegisteredAgents reports the current registry population for a role.
func (m *Metrics) SetRegisteredAgents(role string, count int) {
	m.RegisteredAgents.WithLabelValues(role).Set(float64(count))
}

// SetPendingInterrupts reports the current unresolved interrupt count.
func (m *Metrics) SetPendingInterrupts(count int) {
	m.PendingInterrupts.Set(float64(count))
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("backend", "circuit_open")
//	metrics.RecordError("mcp", "connect_failed")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
