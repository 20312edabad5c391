package gateway

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/agui"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// spanTap folds one run's event stream into OpenTelemetry spans: a root
// span for the run, a child per turn, and a child per tool execution.
// Events arrive in order from the handler goroutine, so no locking. A
// nil tap is inert.
type spanTap struct {
	tracer  *observability.Tracer
	ctx     context.Context
	backend string
	model   string

	run   trace.Span
	step  trace.Span
	tools map[string]trace.Span
}

// newSpanTap opens the run span. Returns nil when tracing is disabled.
func newSpanTap(ctx context.Context, tracer *observability.Tracer, threadID, runID, backend, model string) *spanTap {
	if tracer == nil {
		return nil
	}
	runCtx, span := tracer.TraceChatRun(ctx, threadID, runID)
	tracer.SetAttributes(span, "backend.name", backend, "backend.model", model)
	return &spanTap{
		tracer:  tracer,
		ctx:     runCtx,
		backend: backend,
		model:   model,
		run:     span,
		tools:   make(map[string]trace.Span),
	}
}

func (t *spanTap) observe(ev agui.Event) {
	if t == nil {
		return
	}
	switch e := ev.(type) {
	case agui.StepStarted:
		_, span := t.tracer.TraceBackendStream(t.ctx, t.backend, t.model)
		t.tracer.SetAttributes(span, "chat.turn", e.StepName)
		t.step = span

	case agui.StepFinished:
		if t.step != nil {
			t.step.End()
			t.step = nil
		}

	case agui.ToolCallStart:
		_, span := t.tracer.TraceToolExecution(t.ctx, e.ToolCallName)
		t.tracer.SetAttributes(span, "tool.call_id", e.ToolCallID)
		t.tools[e.ToolCallID] = span

	case agui.ToolCallResult:
		if span, ok := t.tools[e.ToolCallID]; ok {
			span.End()
			delete(t.tools, e.ToolCallID)
		}

	case agui.RunError:
		// Retry notices and budget stops are mid-stream errors; only
		// max_failures ends the run without a RunFinished.
		if e.Code == "max_failures" {
			t.tracer.RecordError(t.run, errors.New(e.Message))
		} else {
			t.tracer.AddEvent(t.run, "run_error", "code", e.Code)
		}

	case agui.RunFinished:
		t.tracer.SetAttributes(t.run, "run.outcome", e.Outcome)
		if result, ok := e.Result.(map[string]any); ok {
			if stop, ok := result["stopReason"].(string); ok {
				t.tracer.SetAttributes(t.run, "run.stop_reason", stop)
			}
			if usage, ok := result["usage"].(*models.Usage); ok {
				t.tracer.SetAttributes(t.run,
					"llm.input_tokens", usage.InputTokens,
					"llm.output_tokens", usage.OutputTokens,
				)
			}
		}
	}
}

// finish ends whatever is still open. Ending a span twice is a no-op.
func (t *spanTap) finish() {
	if t == nil {
		return
	}
	for id, span := range t.tools {
		span.End()
		delete(t.tools, id)
	}
	if t.step != nil {
		t.step.End()
		t.step = nil
	}
	t.run.End()
}
