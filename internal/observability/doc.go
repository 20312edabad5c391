// Package observability provides monitoring and debugging capabilities for
// the relay gateway through structured logging, Prometheus metrics, and
// distributed tracing.
//
// # Logging
//
// NewLogger builds a *slog.Logger whose handler scrubs sensitive data (API
// keys, bearer tokens, JWTs) from messages and attribute values before they
// reach the output, and stamps records with correlation IDs carried on the
// context (request_id, run_id, agent_id). JSON output is intended for
// production, text for development:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.InfoContext(ctx, "stream finished", "backend", "anthropic")
//
// Components receive a *slog.Logger via their Config structs and derive
// their own with logger.With("component", ...).
//
// # Metrics
//
// NewMetrics registers Prometheus instruments for HTTP traffic, backend
// streams, token usage, tool executions, circuit breaker state, and the
// agent registry. The gateway exposes them on /metrics via promhttp.
//
// # Tracing
//
// NewTracer configures an OpenTelemetry tracer exporting over OTLP gRPC.
// Spans cover chat runs, backend streams, and tool executions; when no
// collector endpoint is configured the tracer is a no-op.
package observability
