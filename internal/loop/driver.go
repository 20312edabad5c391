// Package loop drives the agentic tool loop for one streaming chat
// request: stream a model turn, extract tool calls (native or XML),
// execute them through MCP, feed results back, repeat until the model
// stops calling tools or a budget, failure, or interrupt ends the run.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agui"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/internal/toolparse"
	"github.com/haasonsaas/relay/pkg/models"
)

// maxConsecutiveFailures is how many backend failures in a row the loop
// tolerates before giving up on the run.
const maxConsecutiveFailures = 3

// ToolExecutor runs one tool call. Failures surface as results with
// OK=false, never as Go errors; the model sees the failure and decides
// how to recover. The MCP manager satisfies this.
type ToolExecutor interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) models.ToolResult
}

// Config assembles a driver for one request.
type Config struct {
	Backend  backends.Backend
	Executor ToolExecutor

	// Tools advertised to the backend for this request.
	Tools []models.ToolSchema

	// MaxToolCalls caps tool executions across the whole run. Zero
	// means unlimited. Callers resolve it via ResolveLimit.
	MaxToolCalls int

	// ThreadID and RunID identify the run in emitted events.
	ThreadID string
	RunID    string

	// ModelOverride replaces the backend's default model when set.
	ModelOverride string

	// Extra is passed through to the backend untouched.
	Extra map[string]any

	Logger *slog.Logger
}

// Driver owns the conversation state for one run. It is single-use:
// construct, call Run once, discard.
type Driver struct {
	backend      backends.Backend
	executor     ToolExecutor
	tools        []models.ToolSchema
	maxToolCalls int
	threadID     string
	runID        string
	model        string
	extra        map[string]any
	logger       *slog.Logger
}

// NewDriver validates the collaborators and builds a driver.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Backend == nil {
		return nil, errors.New("loop: backend is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("loop: tool executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		backend:      cfg.Backend,
		executor:     cfg.Executor,
		tools:        cfg.Tools,
		maxToolCalls: cfg.MaxToolCalls,
		threadID:     cfg.ThreadID,
		runID:        cfg.RunID,
		model:        cfg.ModelOverride,
		extra:        cfg.Extra,
		logger:       logger.With("component", "loop", "run_id", cfg.RunID),
	}, nil
}

// Run executes the tool loop and streams AG-UI events. The channel is
// closed when the run terminates. Cancel ctx to abandon the run: the
// backend stream is closed and no further tools execute.
func (d *Driver) Run(ctx context.Context, messages []models.Message, temperature float64, maxTokens int) (<-chan agui.Event, error) {
	if len(messages) == 0 {
		return nil, errors.New("loop: messages are required")
	}

	work := append([]models.Message(nil), messages...)
	out := make(chan agui.Event, 32)

	go func() {
		defer close(out)
		d.run(ctx, out, work, temperature, maxTokens)
	}()
	return out, nil
}

// turn accumulates one backend stream's output.
type turn struct {
	buffer      strings.Builder
	nativeCalls []models.ToolCall
	stopReason  string
	usage       *models.Usage
	errored     bool

	messageID string
	started   bool
	sentUpTo  int
}

func (d *Driver) run(ctx context.Context, out chan<- agui.Event, messages []models.Message, temperature float64, maxTokens int) {
	emit := func(ev agui.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(agui.NewRunStarted(d.threadID, d.runID)) {
		return
	}

	opts := models.RequestOptions{
		Model:       d.model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tools:       d.tools,
		Extra:       d.extra,
	}
	native := d.backend.SupportsNativeTools()

	consecutiveFailures := 0
	toolCallCount := 0
	var lastUsage *models.Usage

	for iteration := 1; ; iteration++ {
		stepName := fmt.Sprintf("turn_%d", iteration)
		if !emit(agui.NewStepStarted(stepName)) {
			return
		}

		t, ok := d.streamTurn(ctx, emit, messages, opts, native)
		if !ok {
			return
		}
		if t.usage != nil {
			lastUsage = t.usage
		}

		if t.errored {
			if t.started && !emit(agui.NewTextMessageEnd(t.messageID)) {
				return
			}
			consecutiveFailures++
			if !emit(agui.NewStepFinished(stepName)) {
				return
			}
			if consecutiveFailures >= maxConsecutiveFailures {
				d.logger.Warn("giving up after consecutive backend failures",
					"failures", consecutiveFailures)
				emit(agui.NewRunError(
					fmt.Sprintf("backend failed %d consecutive times", consecutiveFailures),
					"max_failures"))
				return
			}
			continue
		}
		consecutiveFailures = 0

		text := t.buffer.String()
		clean := text
		var xmlCalls []models.ToolCall
		if !native {
			clean, xmlCalls = toolparse.Extract(text)
		}
		calls := append(t.nativeCalls, xmlCalls...)

		if t.started && !emit(agui.NewTextMessageEnd(t.messageID)) {
			return
		}

		// No tool calls: the model is done talking.
		if len(calls) == 0 {
			messages = append(messages, models.AssistantMessage(clean))
			if !emit(agui.NewStepFinished(stepName)) {
				return
			}
			stop := t.stopReason
			if stop == "" {
				stop = models.StopEndTurn
			}
			emit(d.finished(agui.OutcomeSuccess, stop, lastUsage, nil))
			return
		}

		toolCallCount += len(calls)
		if d.maxToolCalls > 0 && toolCallCount > d.maxToolCalls {
			d.logger.Info("tool budget exceeded",
				"budget", d.maxToolCalls,
				"requested", toolCallCount)
			if !emit(agui.NewRunError(
				fmt.Sprintf("tool call limit of %d exceeded", d.maxToolCalls),
				"tool_limit_exceeded")) {
				return
			}
			messages = append(messages, models.AssistantMessage(
				fmt.Sprintf("Tool call limit of %d reached; stopping here.", d.maxToolCalls)))
			if !emit(agui.NewStepFinished(stepName)) {
				return
			}
			emit(d.finished(agui.OutcomeSuccess, models.StopToolLimit, lastUsage, nil))
			return
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   clean,
			ToolCalls: calls,
		})

		// Execute sequentially, in the order the model asked.
		interrupted := false
		var prompt models.PendingPrompt
		for _, call := range calls {
			if ctx.Err() != nil {
				return
			}
			if !emit(agui.NewToolCallStart(call.ID, call.Name)) {
				return
			}
			if !emit(agui.NewToolCallArgs(call.ID, call.ArgumentsJSON())) {
				return
			}
			if !emit(agui.NewToolCallEnd(call.ID)) {
				return
			}

			result := d.executor.CallTool(ctx, call.Name, call.Arguments)
			result.ID = call.ID
			result.Name = call.Name
			d.logger.Debug("tool executed",
				"tool", call.Name,
				"call_id", call.ID,
				"ok", result.OK)

			if !emit(agui.NewToolCallResult(call.ID, result.TextContent())) {
				return
			}

			if p, ok := result.AsPendingPrompt(); ok {
				prompt = p
				interrupted = true
				break
			}
			messages = append(messages, models.ToolMessage(result))
		}

		if interrupted {
			if !emit(agui.NewCustom("clarification_request", prompt)) {
				return
			}
			if !emit(agui.NewStepFinished(stepName)) {
				return
			}
			emit(d.finished(agui.OutcomeInterrupt, models.StopInterrupt, lastUsage, prompt))
			return
		}

		if !emit(agui.NewStepFinished(stepName)) {
			return
		}
	}
}

// streamTurn consumes one backend stream. The bool is false when the
// run was cancelled mid-stream.
func (d *Driver) streamTurn(ctx context.Context, emit func(agui.Event) bool, messages []models.Message, opts models.RequestOptions, native bool) (*turn, bool) {
	t := &turn{messageID: newMessageID()}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := d.backend.StreamChat(streamCtx, messages, opts)
	if err != nil {
		d.logger.Warn("backend stream failed to open", "error", err)
		if !emit(agui.NewRunError(err.Error(), "backend_error")) {
			return nil, false
		}
		t.errored = true
		return t, true
	}

	for ev := range events {
		switch ev.Type {
		case models.StreamDelta:
			t.buffer.WriteString(ev.Text)
			visible := ev.Text
			if !native {
				visible = t.newlyVisible()
			}
			if visible == "" {
				continue
			}
			if !t.started {
				if !emit(agui.NewTextMessageStart(t.messageID, "assistant")) {
					return nil, false
				}
				t.started = true
			}
			if !emit(agui.NewTextMessageContent(t.messageID, visible)) {
				return nil, false
			}

		case models.StreamToolCall:
			if ev.ToolCall != nil {
				t.nativeCalls = append(t.nativeCalls, *ev.ToolCall)
			}

		case models.StreamDone:
			t.stopReason = ev.StopReason
			t.usage = ev.Usage
			return t, true

		case models.StreamError:
			code := ev.ErrCode
			if code == "" {
				code = "backend_error"
			}
			d.logger.Warn("backend stream error", "code", code, "error", ev.ErrMessage)
			if !emit(agui.NewRunError(ev.ErrMessage, code)) {
				return nil, false
			}
			t.errored = true
			return t, true
		}
	}

	// Stream closed without a done event; treat the turn as complete.
	return t, true
}

// newlyVisible returns the clean text that became safe to show since
// the last delta. While an XML tool call is open the answer is empty;
// once it closes, the text around it flows and the call itself never
// reaches the wire.
func (t *turn) newlyVisible() string {
	text := t.buffer.String()
	if toolparse.HasPartialToolCall(text) {
		return ""
	}
	clean := toolparse.Strip(text)
	if len(clean) <= t.sentUpTo {
		return ""
	}
	visible := clean[t.sentUpTo:]
	t.sentUpTo = len(clean)
	return visible
}

func (d *Driver) finished(outcome, stopReason string, usage *models.Usage, interrupt any) agui.RunFinished {
	ev := agui.NewRunFinished(d.threadID, d.runID, outcome)
	result := map[string]any{
		"stopReason": stopReason,
		"model":      d.modelName(),
	}
	if usage != nil {
		result["usage"] = usage
	}
	ev.Result = result
	if interrupt != nil {
		ev.Interrupt = interrupt
	}
	return ev
}

func (d *Driver) modelName() string {
	if d.model != "" {
		return d.model
	}
	return d.backend.DefaultModel()
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
