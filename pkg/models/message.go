// Package models defines the wire types shared between the gateway, its
// backends, and its clients.
package models

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the normalized conversation message. It is created per request
// and mutated only by appending during the tool loop.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name optionally identifies the author (e.g. the tool that produced a
	// tool-role message).
	Name string `json:"name,omitempty"`

	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries the calls an assistant message invoked.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// SystemMessage is shorthand for a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage is shorthand for a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage is shorthand for an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds the tool-role message carrying one tool result.
func ToolMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    result.TextContent(),
		Name:       result.Name,
		ToolCallID: result.ID,
	}
}
