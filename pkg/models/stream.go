package models

// StreamEventType tags the backend-level stream event variants.
type StreamEventType string

const (
	StreamDelta    StreamEventType = "delta"
	StreamToolCall StreamEventType = "tool_call"
	StreamDone     StreamEventType = "done"
	StreamError    StreamEventType = "error"
)

// Stop reasons reported on terminal events.
const (
	StopEndTurn     = "end_turn"
	StopToolUse     = "tool_use"
	StopToolLimit   = "tool_limit"
	StopInterrupt   = "interrupt"
	StopMaxFailures = "max_failures"
	StopCancelled   = "cancelled"
)

// Usage reports token consumption when the backend surfaces it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one event in a backend chat stream. Backends produce these
// in arrival order; the tool loop consumes them. A done event is terminal;
// after an error the loop treats the turn as over.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Text carries the delta payload.
	Text string `json:"text,omitempty"`

	// ToolCall carries a native tool-call request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// StopReason and Usage accompany done events. Both are optional; the
	// gateway tolerates backends that omit them.
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`

	// ErrMessage and ErrCode accompany error events.
	ErrMessage string `json:"error,omitempty"`
	ErrCode    string `json:"code,omitempty"`
}

// DeltaEvent builds a text delta.
func DeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: StreamDelta, Text: text}
}

// ToolCallEvent builds a native tool-call event.
func ToolCallEvent(call ToolCall) StreamEvent {
	return StreamEvent{Type: StreamToolCall, ToolCall: &call}
}

// DoneEvent builds a terminal event.
func DoneEvent(stopReason string, usage *Usage) StreamEvent {
	return StreamEvent{Type: StreamDone, StopReason: stopReason, Usage: usage}
}

// ErrorEvent builds an error event.
func ErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: StreamError, ErrCode: code, ErrMessage: message}
}

// RequestOptions is the per-request backend configuration. Extra carries
// opaque passthrough parameters (e.g. a backend-specific conversation id).
// Immutable for the duration of a request.
type RequestOptions struct {
	Model       string         `json:"model,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Tools       []ToolSchema   `json:"tools,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}
