// Package agui defines the AG-UI compatible event vocabulary the
// gateway streams to clients, plus the SSE writer that frames it.
package agui

// EventType discriminates event payloads on the wire.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventStepStarted        EventType = "STEP_STARTED"
	EventStepFinished       EventType = "STEP_FINISHED"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventToolCallResult     EventType = "TOOL_CALL_RESULT"
	EventStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventStateDelta         EventType = "STATE_DELTA"
	EventMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
	EventCustom             EventType = "CUSTOM"
)

// Run outcomes reported by RunFinished.
const (
	OutcomeSuccess   = "success"
	OutcomeInterrupt = "interrupt"
)

// Event is any AG-UI event. Implementations are plain structs that
// marshal to camelCase JSON with a "type" discriminator.
type Event interface {
	Kind() EventType
}

type RunStarted struct {
	Type        EventType `json:"type"`
	ThreadID    string    `json:"threadId"`
	RunID       string    `json:"runId"`
	ParentRunID string    `json:"parentRunId,omitempty"`
	Input       any       `json:"input,omitempty"`
}

func (e RunStarted) Kind() EventType { return e.Type }

func NewRunStarted(threadID, runID string) RunStarted {
	return RunStarted{Type: EventRunStarted, ThreadID: threadID, RunID: runID}
}

type RunFinished struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"threadId"`
	RunID     string    `json:"runId"`
	Outcome   string    `json:"outcome"`
	Result    any       `json:"result,omitempty"`
	Interrupt any       `json:"interrupt,omitempty"`
}

func (e RunFinished) Kind() EventType { return e.Type }

func NewRunFinished(threadID, runID, outcome string) RunFinished {
	return RunFinished{Type: EventRunFinished, ThreadID: threadID, RunID: runID, Outcome: outcome}
}

type RunError struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

func (e RunError) Kind() EventType { return e.Type }

func NewRunError(message, code string) RunError {
	return RunError{Type: EventRunError, Message: message, Code: code}
}

type StepStarted struct {
	Type     EventType `json:"type"`
	StepName string    `json:"stepName"`
}

func (e StepStarted) Kind() EventType { return e.Type }

func NewStepStarted(name string) StepStarted {
	return StepStarted{Type: EventStepStarted, StepName: name}
}

type StepFinished struct {
	Type     EventType `json:"type"`
	StepName string    `json:"stepName"`
}

func (e StepFinished) Kind() EventType { return e.Type }

func NewStepFinished(name string) StepFinished {
	return StepFinished{Type: EventStepFinished, StepName: name}
}

type TextMessageStart struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
}

func (e TextMessageStart) Kind() EventType { return e.Type }

func NewTextMessageStart(messageID, role string) TextMessageStart {
	return TextMessageStart{Type: EventTextMessageStart, MessageID: messageID, Role: role}
}

type TextMessageContent struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
	Delta     string    `json:"delta"`
}

func (e TextMessageContent) Kind() EventType { return e.Type }

func NewTextMessageContent(messageID, delta string) TextMessageContent {
	return TextMessageContent{Type: EventTextMessageContent, MessageID: messageID, Delta: delta}
}

type TextMessageEnd struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
}

func (e TextMessageEnd) Kind() EventType { return e.Type }

func NewTextMessageEnd(messageID string) TextMessageEnd {
	return TextMessageEnd{Type: EventTextMessageEnd, MessageID: messageID}
}

type ToolCallStart struct {
	Type            EventType `json:"type"`
	ToolCallID      string    `json:"toolCallId"`
	ToolCallName    string    `json:"toolCallName"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
}

func (e ToolCallStart) Kind() EventType { return e.Type }

func NewToolCallStart(id, name string) ToolCallStart {
	return ToolCallStart{Type: EventToolCallStart, ToolCallID: id, ToolCallName: name}
}

type ToolCallArgs struct {
	Type       EventType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	Delta      string    `json:"delta"`
}

func (e ToolCallArgs) Kind() EventType { return e.Type }

func NewToolCallArgs(id, delta string) ToolCallArgs {
	return ToolCallArgs{Type: EventToolCallArgs, ToolCallID: id, Delta: delta}
}

type ToolCallEnd struct {
	Type       EventType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
}

func (e ToolCallEnd) Kind() EventType { return e.Type }

func NewToolCallEnd(id string) ToolCallEnd {
	return ToolCallEnd{Type: EventToolCallEnd, ToolCallID: id}
}

type ToolCallResult struct {
	Type       EventType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	Content    string    `json:"content"`
	Role       string    `json:"role"`
}

func (e ToolCallResult) Kind() EventType { return e.Type }

func NewToolCallResult(id, content string) ToolCallResult {
	return ToolCallResult{Type: EventToolCallResult, ToolCallID: id, Content: content, Role: "tool"}
}

type StateSnapshot struct {
	Type     EventType `json:"type"`
	Snapshot any       `json:"snapshot"`
}

func (e StateSnapshot) Kind() EventType { return e.Type }

func NewStateSnapshot(snapshot any) StateSnapshot {
	return StateSnapshot{Type: EventStateSnapshot, Snapshot: snapshot}
}

// JSONPatchOp is one RFC 6902 operation inside a StateDelta.
type JSONPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

type StateDelta struct {
	Type  EventType     `json:"type"`
	Delta []JSONPatchOp `json:"delta"`
}

func (e StateDelta) Kind() EventType { return e.Type }

func NewStateDelta(ops ...JSONPatchOp) StateDelta {
	return StateDelta{Type: EventStateDelta, Delta: ops}
}

type MessagesSnapshot struct {
	Type     EventType `json:"type"`
	Messages any       `json:"messages"`
}

func (e MessagesSnapshot) Kind() EventType { return e.Type }

func NewMessagesSnapshot(messages any) MessagesSnapshot {
	return MessagesSnapshot{Type: EventMessagesSnapshot, Messages: messages}
}

// Custom carries gateway-specific events that have no first-class AG-UI
// shape, such as clarification requests.
type Custom struct {
	Type  EventType `json:"type"`
	Name  string    `json:"name"`
	Value any       `json:"value"`
}

func (e Custom) Kind() EventType { return e.Type }

func NewCustom(name string, value any) Custom {
	return Custom{Type: EventCustom, Name: name, Value: value}
}
