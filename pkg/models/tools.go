package models

import (
	"encoding/json"
	"fmt"
)

// ToolSchema describes one callable tool as advertised by the MCP server.
// InputSchema is a JSON-schema object kept raw so it round-trips untouched
// into whichever wire format a backend needs.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is an LLM's request to execute a tool. Arguments are always a
// parsed object, never a JSON-encoded string; parse failures upstream are
// wrapped as {"raw": <text>} rather than rejected.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// Provider records which backend produced the call ("anthropic",
	// "openai", "xml", ...).
	Provider string `json:"provider,omitempty"`

	// Raw preserves the original text for calls recovered from XML.
	Raw string `json:"raw,omitempty"`
}

// ArgumentsJSON renders the arguments as a compact JSON string.
func (c ToolCall) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ToolError describes a failed tool execution.
type ToolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// ToolResult is the outcome of a single tool invocation. An erroring tool is
// a result with OK=false, not a Go error; the conversation continues and the
// model decides how to recover.
type ToolResult struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	OK      bool       `json:"ok"`
	Content any        `json:"content"`
	Error   *ToolError `json:"error,omitempty"`
}

// FailedToolResult builds an error result with the given code and message.
func FailedToolResult(code int, message string) ToolResult {
	return ToolResult{OK: false, Error: &ToolError{Code: code, Message: message}}
}

// TextContent renders the result content for injection into a tool-role
// message. Structured content is JSON-encoded; errors render their message.
func (r ToolResult) TextContent() string {
	if !r.OK {
		if r.Error != nil {
			return fmt.Sprintf("Error: %s", r.Error.Message)
		}
		return "Error: tool execution failed"
	}
	switch v := r.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// PendingPrompt describes a tool result that paused the run waiting on a
// human answer.
type PendingPrompt struct {
	PromptID  string   `json:"prompt_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	InputType string   `json:"input_type,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Context   any      `json:"context,omitempty"`

	// InterruptID is filled by the gateway once the prompt is filed in the
	// durable interrupt store, so clients know which interrupt to resolve.
	InterruptID string `json:"interrupt_id,omitempty"`
}

// AsPendingPrompt inspects a successful result for a structured payload with
// pending=true and decodes it. The bool reports whether the result is an
// interrupt request.
func (r ToolResult) AsPendingPrompt() (PendingPrompt, bool) {
	if !r.OK {
		return PendingPrompt{}, false
	}
	obj, ok := structuredContent(r.Content)
	if !ok {
		return PendingPrompt{}, false
	}
	pending, _ := obj["pending"].(bool)
	if !pending {
		return PendingPrompt{}, false
	}
	var p PendingPrompt
	data, err := json.Marshal(obj)
	if err != nil {
		return PendingPrompt{}, false
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return PendingPrompt{}, false
	}
	return p, true
}

// structuredContent coerces content into an object. String content that
// parses as a JSON object counts; tools behind MCP often stringify payloads.
func structuredContent(content any) (map[string]any, bool) {
	switch v := content.(type) {
	case map[string]any:
		return v, true
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			return nil, false
		}
		return obj, true
	default:
		return nil, false
	}
}
