package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/agui"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedBackend replays one canned event stream per StreamChat call
// and records what it was asked.
type scriptedBackend struct {
	name   string
	native bool

	mu       sync.Mutex
	scripts  [][]models.StreamEvent
	calls    int
	messages [][]models.Message
	opts     []models.RequestOptions
}

func (b *scriptedBackend) Name() string              { return b.name }
func (b *scriptedBackend) SupportsNativeTools() bool { return b.native }
func (b *scriptedBackend) DefaultModel() string      { return "test-model" }

func (b *scriptedBackend) Health(ctx context.Context) backends.HealthStatus {
	return backends.HealthStatus{OK: true}
}

func (b *scriptedBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls >= len(b.scripts) {
		return nil, fmt.Errorf("unscripted call %d", b.calls)
	}
	script := b.scripts[b.calls]
	b.calls++
	b.messages = append(b.messages, append([]models.Message(nil), messages...))
	b.opts = append(b.opts, opts)

	ch := make(chan models.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) messagesForCall(i int) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[i]
}

type executedCall struct {
	name string
	args map[string]any
}

// fakeExecutor returns a canned result per tool name.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []executedCall
	results map[string]models.ToolResult
	onCall  func(name string)
}

func (e *fakeExecutor) CallTool(ctx context.Context, name string, args map[string]any) models.ToolResult {
	e.mu.Lock()
	e.calls = append(e.calls, executedCall{name: name, args: args})
	hook := e.onCall
	result, ok := e.results[name]
	e.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	if !ok {
		return models.FailedToolResult(-32002, fmt.Sprintf("tool %q is not provided by any connected MCP server", name))
	}
	return result
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func driverFor(t *testing.T, backend *scriptedBackend, executor *fakeExecutor, maxCalls int) *Driver {
	t.Helper()
	d, err := NewDriver(Config{
		Backend:      backend,
		Executor:     executor,
		MaxToolCalls: maxCalls,
		ThreadID:     "thread-1",
		RunID:        "20250601_120000_abcdef12",
	})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}

func collect(t *testing.T, d *Driver, messages []models.Message) []agui.Event {
	t.Helper()
	ch, err := d.Run(context.Background(), messages, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var events []agui.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func kinds(events []agui.Event) []agui.EventType {
	out := make([]agui.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func assertKinds(t *testing.T, events []agui.Event, want ...agui.EventType) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v (full sequence %v)", i, got[i], want[i], got)
		}
	}
}

func lastFinished(t *testing.T, events []agui.Event) agui.RunFinished {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if ev, ok := events[i].(agui.RunFinished); ok {
			return ev
		}
	}
	t.Fatal("no RunFinished event in stream")
	return agui.RunFinished{}
}

func userMessages(text string) []models.Message {
	return []models.Message{models.UserMessage(text)}
}

// A plain conversation with no tool calls streams text and finishes in
// one turn.
func TestRunPlainChat(t *testing.T) {
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{{
		models.DeltaEvent("Hel"),
		models.DeltaEvent("lo!"),
		models.DoneEvent(models.StopEndTurn, &models.Usage{InputTokens: 10, OutputTokens: 2}),
	}}}
	executor := &fakeExecutor{}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("hi"))

	assertKinds(t, events,
		agui.EventRunStarted,
		agui.EventStepStarted,
		agui.EventTextMessageStart,
		agui.EventTextMessageContent,
		agui.EventTextMessageContent,
		agui.EventTextMessageEnd,
		agui.EventStepFinished,
		agui.EventRunFinished,
	)

	var text strings.Builder
	for _, ev := range events {
		if content, ok := ev.(agui.TextMessageContent); ok {
			text.WriteString(content.Delta)
		}
	}
	if text.String() != "Hello!" {
		t.Errorf("streamed text = %q, want Hello!", text.String())
	}

	finished := lastFinished(t, events)
	if finished.Outcome != agui.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", finished.Outcome)
	}
	result := finished.Result.(map[string]any)
	if result["stopReason"] != models.StopEndTurn {
		t.Errorf("stopReason = %v, want end_turn", result["stopReason"])
	}
	if result["model"] != "test-model" {
		t.Errorf("model = %v, want test-model", result["model"])
	}
	if executor.callCount() != 0 {
		t.Errorf("executor called %d times, want 0", executor.callCount())
	}
}

// A native tool call executes, its result feeds the second turn, and
// the conversation sent to the backend grows accordingly.
func TestRunNativeToolCall(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "/tmp/x"}}
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		{
			models.DeltaEvent("Let me check."),
			models.ToolCallEvent(call),
			models.DoneEvent(models.StopToolUse, nil),
		},
		{
			models.DeltaEvent("The file says hi."),
			models.DoneEvent(models.StopEndTurn, nil),
		},
	}}
	executor := &fakeExecutor{results: map[string]models.ToolResult{
		"read_file": {OK: true, Content: "hi"},
	}}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("read /tmp/x"))

	assertKinds(t, events,
		agui.EventRunStarted,
		agui.EventStepStarted,
		agui.EventTextMessageStart,
		agui.EventTextMessageContent,
		agui.EventTextMessageEnd,
		agui.EventToolCallStart,
		agui.EventToolCallArgs,
		agui.EventToolCallEnd,
		agui.EventToolCallResult,
		agui.EventStepFinished,
		agui.EventStepStarted,
		agui.EventTextMessageStart,
		agui.EventTextMessageContent,
		agui.EventTextMessageEnd,
		agui.EventStepFinished,
		agui.EventRunFinished,
	)

	start := events[5].(agui.ToolCallStart)
	if start.ToolCallID != "call_1" || start.ToolCallName != "read_file" {
		t.Errorf("tool start = %+v", start)
	}
	args := events[6].(agui.ToolCallArgs)
	if !strings.Contains(args.Delta, `"path":"/tmp/x"`) {
		t.Errorf("args delta = %q", args.Delta)
	}
	result := events[8].(agui.ToolCallResult)
	if result.Content != "hi" || result.Role != "tool" {
		t.Errorf("tool result = %+v", result)
	}

	if executor.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1", executor.callCount())
	}
	if got := executor.calls[0].args["path"]; got != "/tmp/x" {
		t.Errorf("executed args = %v", executor.calls[0].args)
	}

	// Second turn sees the assistant's call and the tool result.
	second := backend.messagesForCall(1)
	if len(second) != 3 {
		t.Fatalf("second turn has %d messages, want 3", len(second))
	}
	assistant := second[1]
	if assistant.Role != models.RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v", assistant)
	}
	toolMsg := second[2]
	if toolMsg.Role != models.RoleTool || toolMsg.Content != "hi" || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

// XML tool calls on a non-native backend are buffered off the wire,
// parsed, and executed like native ones.
func TestRunXMLToolCall(t *testing.T) {
	backend := &scriptedBackend{name: "local", native: false, scripts: [][]models.StreamEvent{
		{
			models.DeltaEvent("I'll list the files. "),
			models.DeltaEvent("<tool_call><name>list_files</name>"),
			models.DeltaEvent(`<arguments>{"path": "/tmp"}</arguments></tool_call>`),
			models.DeltaEvent(" Running now."),
			models.DoneEvent("", nil),
		},
		{
			models.DeltaEvent("Found 3 files."),
			models.DoneEvent(models.StopEndTurn, nil),
		},
	}}
	executor := &fakeExecutor{results: map[string]models.ToolResult{
		"list_files": {OK: true, Content: []any{"a", "b", "c"}},
	}}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("list /tmp"))

	var streamed strings.Builder
	for _, ev := range events {
		if content, ok := ev.(agui.TextMessageContent); ok {
			streamed.WriteString(content.Delta)
		}
	}
	if got := streamed.String(); strings.Contains(got, "<tool_call") || strings.Contains(got, "</tool_call>") {
		t.Errorf("tool call XML leaked to the client: %q", got)
	}
	if got := streamed.String(); !strings.Contains(got, "I'll list the files.") || !strings.Contains(got, "Running now.") {
		t.Errorf("clean text missing from stream: %q", got)
	}

	if executor.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1", executor.callCount())
	}
	if executor.calls[0].name != "list_files" || executor.calls[0].args["path"] != "/tmp" {
		t.Errorf("executed call = %+v", executor.calls[0])
	}

	// The assistant turn recorded for the model keeps the clean text
	// and carries the extracted call.
	second := backend.messagesForCall(1)
	assistant := second[1]
	if strings.Contains(assistant.Content, "<tool_call") {
		t.Errorf("assistant content kept raw XML: %q", assistant.Content)
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Name != "list_files" {
		t.Errorf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	if !strings.HasPrefix(assistant.ToolCalls[0].ID, "xml_") {
		t.Errorf("xml call id = %q, want xml_ prefix", assistant.ToolCalls[0].ID)
	}

	finished := lastFinished(t, events)
	if finished.Outcome != agui.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", finished.Outcome)
	}
}

// Deltas are withheld while an XML tool call is open so no partial
// fragment reaches the client mid-call.
func TestRunSuppressesPartialXML(t *testing.T) {
	backend := &scriptedBackend{name: "local", native: false, scripts: [][]models.StreamEvent{
		{
			models.DeltaEvent("<tool_call><name>ping</name>"),
			models.DeltaEvent("<arguments>{}</arguments>"),
			models.DeltaEvent("</tool_call>"),
			models.DoneEvent("", nil),
		},
		{
			models.DeltaEvent("pong"),
			models.DoneEvent(models.StopEndTurn, nil),
		},
	}}
	executor := &fakeExecutor{results: map[string]models.ToolResult{
		"ping": {OK: true, Content: "ok"},
	}}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("ping"))

	for i, ev := range events {
		if content, ok := ev.(agui.TextMessageContent); ok {
			if strings.Contains(content.Delta, "<") {
				t.Errorf("event[%d] leaked partial XML: %q", i, content.Delta)
			}
			if content.Delta != "pong" {
				t.Errorf("unexpected content frame %q, only the second turn has visible text", content.Delta)
			}
		}
	}
	if executor.callCount() != 1 {
		t.Errorf("executor called %d times, want 1", executor.callCount())
	}
}

// The budget counts every requested call; the turn that exceeds it is
// not executed.
func TestRunToolLimit(t *testing.T) {
	call := func(id string) models.StreamEvent {
		return models.ToolCallEvent(models.ToolCall{ID: id, Name: "ping", Arguments: map[string]any{}})
	}
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		{call("call_1"), models.DoneEvent(models.StopToolUse, nil)},
		{call("call_2"), models.DoneEvent(models.StopToolUse, nil)},
	}}
	executor := &fakeExecutor{results: map[string]models.ToolResult{
		"ping": {OK: true, Content: "ok"},
	}}

	events := collect(t, driverFor(t, backend, executor, 1), userMessages("go"))

	if executor.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1 (second turn over budget)", executor.callCount())
	}

	var limitErr *agui.RunError
	for _, ev := range events {
		if e, ok := ev.(agui.RunError); ok {
			limitErr = &e
		}
	}
	if limitErr == nil || limitErr.Code != "tool_limit_exceeded" {
		t.Fatalf("error event = %+v, want code tool_limit_exceeded", limitErr)
	}

	finished := lastFinished(t, events)
	result := finished.Result.(map[string]any)
	if result["stopReason"] != models.StopToolLimit {
		t.Errorf("stopReason = %v, want tool_limit", result["stopReason"])
	}
}

// A pending tool result interrupts the run: the question is surfaced
// and the loop stops without another backend turn.
func TestRunInterrupt(t *testing.T) {
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		{
			models.ToolCallEvent(models.ToolCall{ID: "call_1", Name: "ask_user", Arguments: map[string]any{"question": "Proceed?"}}),
			models.DoneEvent(models.StopToolUse, nil),
		},
	}}
	executor := &fakeExecutor{results: map[string]models.ToolResult{
		"ask_user": {OK: true, Content: map[string]any{
			"pending":    true,
			"prompt_id":  "q1",
			"question":   "Proceed?",
			"options":    []any{"yes", "no"},
			"input_type": "choice",
		}},
	}}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("deploy"))

	if backend.callCount() != 1 {
		t.Fatalf("backend called %d times, want 1 (run pauses on interrupt)", backend.callCount())
	}

	var clarification *agui.Custom
	for _, ev := range events {
		if c, ok := ev.(agui.Custom); ok && c.Name == "clarification_request" {
			clarification = &c
		}
	}
	if clarification == nil {
		t.Fatal("no clarification_request event")
	}
	prompt, ok := clarification.Value.(models.PendingPrompt)
	if !ok {
		t.Fatalf("clarification value has type %T", clarification.Value)
	}
	if prompt.PromptID != "q1" || prompt.Question != "Proceed?" || len(prompt.Options) != 2 {
		t.Errorf("prompt = %+v", prompt)
	}

	finished := lastFinished(t, events)
	if finished.Outcome != agui.OutcomeInterrupt {
		t.Errorf("outcome = %q, want interrupt", finished.Outcome)
	}
	if finished.Interrupt == nil {
		t.Error("RunFinished.Interrupt not set")
	}
	result := finished.Result.(map[string]any)
	if result["stopReason"] != models.StopInterrupt {
		t.Errorf("stopReason = %v, want interrupt", result["stopReason"])
	}
}

// Three consecutive backend failures end the run; a success in between
// resets the count.
func TestRunMaxFailures(t *testing.T) {
	failing := func() []models.StreamEvent {
		return []models.StreamEvent{models.ErrorEvent("server_error", "boom")}
	}
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		failing(), failing(), failing(),
	}}
	executor := &fakeExecutor{}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("hi"))

	if backend.callCount() != 3 {
		t.Fatalf("backend called %d times, want 3", backend.callCount())
	}

	var codes []string
	for _, ev := range events {
		if e, ok := ev.(agui.RunError); ok {
			codes = append(codes, e.Code)
		}
	}
	want := []string{"server_error", "server_error", "server_error", "max_failures"}
	if len(codes) != len(want) {
		t.Fatalf("error codes = %v, want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("error[%d] = %q, want %q", i, codes[i], want[i])
		}
	}

	for _, ev := range events {
		if _, ok := ev.(agui.RunFinished); ok {
			t.Error("run must not emit RunFinished after max failures")
		}
	}
}

func TestRunRecoversAfterTransientFailures(t *testing.T) {
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		{models.ErrorEvent("", "blip")},
		{models.ErrorEvent("", "blip again")},
		{models.DeltaEvent("Recovered."), models.DoneEvent(models.StopEndTurn, nil)},
	}}
	executor := &fakeExecutor{}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("hi"))

	if backend.callCount() != 3 {
		t.Fatalf("backend called %d times, want 3", backend.callCount())
	}
	finished := lastFinished(t, events)
	if finished.Outcome != agui.OutcomeSuccess {
		t.Errorf("outcome = %q, want success after recovery", finished.Outcome)
	}
	for _, ev := range events {
		if e, ok := ev.(agui.RunError); ok && e.Code == "max_failures" {
			t.Error("max_failures emitted despite recovery")
		}
	}
}

// A failed tool is reported to the model, not to the run: the loop
// continues and the model sees the error text.
func TestRunToolErrorContinues(t *testing.T) {
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		{
			models.ToolCallEvent(models.ToolCall{ID: "call_1", Name: "missing_tool", Arguments: map[string]any{}}),
			models.DoneEvent(models.StopToolUse, nil),
		},
		{
			models.DeltaEvent("That tool is unavailable."),
			models.DoneEvent(models.StopEndTurn, nil),
		},
	}}
	executor := &fakeExecutor{}

	events := collect(t, driverFor(t, backend, executor, 0), userMessages("go"))

	finished := lastFinished(t, events)
	if finished.Outcome != agui.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", finished.Outcome)
	}

	second := backend.messagesForCall(1)
	toolMsg := second[len(second)-1]
	if toolMsg.Role != models.RoleTool {
		t.Fatalf("last message role = %q, want tool", toolMsg.Role)
	}
	if !strings.Contains(toolMsg.Content, "Error:") {
		t.Errorf("tool message = %q, want an error rendering", toolMsg.Content)
	}
}

// Cancelling the run stops tool execution between calls.
func TestRunCancelledBetweenTools(t *testing.T) {
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{
		{
			models.ToolCallEvent(models.ToolCall{ID: "call_1", Name: "ping", Arguments: map[string]any{}}),
			models.ToolCallEvent(models.ToolCall{ID: "call_2", Name: "ping", Arguments: map[string]any{}}),
			models.DoneEvent(models.StopToolUse, nil),
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	executor := &fakeExecutor{
		results: map[string]models.ToolResult{"ping": {OK: true, Content: "ok"}},
		onCall:  func(string) { cancel() },
	}

	d := driverFor(t, backend, executor, 0)
	ch, err := d.Run(ctx, userMessages("go"), 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for range ch {
	}

	if got := executor.callCount(); got != 1 {
		t.Errorf("executor called %d times, want 1 after cancellation", got)
	}
}

func TestDriverValidation(t *testing.T) {
	if _, err := NewDriver(Config{Executor: &fakeExecutor{}}); err == nil {
		t.Error("expected an error for a missing backend")
	}
	if _, err := NewDriver(Config{Backend: &scriptedBackend{}}); err == nil {
		t.Error("expected an error for a missing executor")
	}

	d := driverFor(t, &scriptedBackend{scripts: [][]models.StreamEvent{}}, &fakeExecutor{}, 0)
	if _, err := d.Run(context.Background(), nil, 0, 0); err == nil {
		t.Error("expected an error for empty messages")
	}
}

// Tools advertised to the backend and the model override flow through
// the request options.
func TestRunRequestOptions(t *testing.T) {
	backend := &scriptedBackend{name: "test", native: true, scripts: [][]models.StreamEvent{{
		models.DeltaEvent("ok"),
		models.DoneEvent(models.StopEndTurn, nil),
	}}}
	tools := []models.ToolSchema{{Name: "read_file"}}

	d, err := NewDriver(Config{
		Backend:       backend,
		Executor:      &fakeExecutor{},
		Tools:         tools,
		ModelOverride: "special-model",
		ThreadID:      "thread-1",
		RunID:         "run-1",
	})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ch, err := d.Run(context.Background(), userMessages("hi"), 0.7, 256)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var events []agui.Event
	for ev := range ch {
		events = append(events, ev)
	}

	opts := backend.opts[0]
	if opts.Model != "special-model" || opts.Temperature != 0.7 || opts.MaxTokens != 256 {
		t.Errorf("request options = %+v", opts)
	}
	if len(opts.Tools) != 1 || opts.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", opts.Tools)
	}

	result := lastFinished(t, events).Result.(map[string]any)
	if result["model"] != "special-model" {
		t.Errorf("reported model = %v, want special-model", result["model"])
	}
}
