package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agui"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/internal/interrupts"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/pkg/models"
)

// Chat request headers.
const (
	HeaderAgentRole  = "X-Agent-Role"
	HeaderAgentRunID = "X-Agent-Run-Id"
	HeaderWorkerID   = "X-Worker-Id"
)

// chatRequest is the POST /v2/chat/stream body. Tools is a pointer so an
// omitted field (default to the MCP tool list) and an explicit empty
// list (disable tools) stay distinguishable.
type chatRequest struct {
	Messages     []models.Message     `json:"messages"`
	Model        string               `json:"model,omitempty"`
	Temperature  float64              `json:"temperature,omitempty"`
	MaxTokens    int                  `json:"max_tokens,omitempty"`
	Tools        *[]models.ToolSchema `json:"tools,omitempty"`
	Backend      string               `json:"backend,omitempty"`
	MaxToolCalls int                  `json:"max_tool_calls,omitempty"`
	ThreadID     string               `json:"thread_id,omitempty"`
	Extra        map[string]any       `json:"extra,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		s.jsonError(w, "messages are required", http.StatusBadRequest)
		return
	}

	role := models.AgentRole(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderAgentRole))))
	if role == "" {
		role = models.RoleLeader
	}
	if !role.Valid() {
		s.jsonError(w, "invalid agent role; must be leader or worker", http.StatusBadRequest)
		return
	}

	runID := strings.TrimSpace(r.Header.Get(HeaderAgentRunID))
	workerID := strings.TrimSpace(r.Header.Get(HeaderWorkerID))

	if role == models.RoleWorker {
		if !models.ValidRunID(runID) {
			s.jsonError(w, "invalid run id", http.StatusBadRequest)
			return
		}
		pack, ok := s.runs.Get(runID)
		if !ok {
			s.jsonError(w, "no context pack for run id", http.StatusNotFound)
			return
		}
		if pack.MaxToolCalls > 0 && workerID != "" {
			s.limits.Set(workerID, pack.MaxToolCalls)
		}
	} else if runID == "" {
		runID = models.NewRunID(time.Now())
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	backend, err := s.selectBackend(r.Context(), req.Backend)
	if err != nil {
		s.backendError(w, err)
		return
	}

	if r.URL.Query().Get("direct") == "true" {
		s.streamDirect(w, r, backend, req, threadID, runID, workerID)
		return
	}

	tools := s.resolveTools(r.Context(), req.Tools)

	budget := loop.ResolveLimit(req.MaxToolCalls, workerID, s.limits)
	if def := int(s.defaultBudget.Load()); budget == 0 && def > 0 {
		budget = loop.ResolveLimit(def, "", nil)
	}

	driver, err := loop.NewDriver(loop.Config{
		Backend:       backend,
		Executor:      s.wrapExecutor(threadID, runID, workerID, role),
		Tools:         tools,
		MaxToolCalls:  budget,
		ThreadID:      threadID,
		RunID:         runID,
		ModelOverride: req.Model,
		Extra:         req.Extra,
		Logger:        s.logger,
	})
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	events, err := driver.Run(r.Context(), req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sse, err := agui.NewSSEWriter(w)
	if err != nil {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunEnded()
	}
	model := s.modelFor(backend, req.Model)
	rec := newStreamRecorder(threadID, runID, workerID, backend.Name(), model)
	tap := newSpanTap(r.Context(), s.tracer, threadID, runID, backend.Name(), model)
	defer tap.finish()

	clientGone := false
	for ev := range events {
		s.hub.Broadcast(ev)
		rec.observe(ev)
		tap.observe(ev)
		if clientGone {
			continue
		}
		if err := sse.Send(ev); err != nil {
			s.logger.Debug("client disconnected mid-stream", "run_id", runID, "error", err)
			clientGone = true
		}
	}
	if !clientGone {
		_ = sse.Done()
	}
	s.finishRun(rec)
}

// streamDirect bypasses the tool loop and frames the backend's events
// verbatim. Tool calls pass through unexecuted.
func (s *Server) streamDirect(w http.ResponseWriter, r *http.Request, backend backends.Backend, req chatRequest, threadID, runID, workerID string) {
	opts := models.RequestOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Extra:       req.Extra,
	}
	if req.Tools != nil {
		opts.Tools = *req.Tools
	}

	events, err := backend.StreamChat(r.Context(), req.Messages, opts)
	if err != nil {
		s.jsonError(w, "backend error: "+err.Error(), http.StatusBadGateway)
		return
	}

	sse, err := agui.NewSSEWriter(w)
	if err != nil {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunEnded()
	}
	rec := newStreamRecorder(threadID, runID, workerID, backend.Name(), s.modelFor(backend, req.Model))

	send := func(ev agui.Event) bool {
		s.hub.Broadcast(ev)
		rec.observe(ev)
		return sse.Send(ev) == nil
	}

	if !send(agui.NewRunStarted(threadID, runID)) {
		s.finishRun(rec)
		return
	}

	messageID := ""
	started := false
	for ev := range events {
		ok := true
		switch ev.Type {
		case models.StreamDelta:
			if !started {
				messageID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
				started = true
				ok = send(agui.NewTextMessageStart(messageID, "assistant"))
			}
			if ok && ev.Text != "" {
				ok = send(agui.NewTextMessageContent(messageID, ev.Text))
			}
		case models.StreamToolCall:
			if ev.ToolCall != nil {
				call := *ev.ToolCall
				ok = send(agui.NewToolCallStart(call.ID, call.Name)) &&
					send(agui.NewToolCallArgs(call.ID, call.ArgumentsJSON())) &&
					send(agui.NewToolCallEnd(call.ID))
			}
		case models.StreamDone:
			if started {
				if !send(agui.NewTextMessageEnd(messageID)) {
					s.finishRun(rec)
					return
				}
			}
			finished := agui.NewRunFinished(threadID, runID, agui.OutcomeSuccess)
			result := map[string]any{"stopReason": stopOrDefault(ev.StopReason)}
			if ev.Usage != nil {
				result["usage"] = ev.Usage
			}
			finished.Result = result
			ok = send(finished)
		case models.StreamError:
			ok = send(agui.NewRunError(ev.ErrMessage, codeOrDefault(ev.ErrCode)))
		}
		if !ok {
			s.finishRun(rec)
			return
		}
	}
	_ = sse.Done()
	s.finishRun(rec)
}

func stopOrDefault(stop string) string {
	if stop == "" {
		return models.StopEndTurn
	}
	return stop
}

func codeOrDefault(code string) string {
	if code == "" {
		return "backend_error"
	}
	return code
}

// selectBackend honors an explicit backend name without falling back;
// otherwise the chain picks the first healthy backend.
func (s *Server) selectBackend(ctx context.Context, name string) (backends.Backend, error) {
	if name != "" {
		return s.backends.Get(name)
	}
	return s.backends.GetHealthy(ctx)
}

func (s *Server) backendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backends.ErrUnknownBackend):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, backends.ErrNoHealthyBackend):
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
	if s.metrics != nil {
		s.metrics.RecordError("gateway", "backend_selection")
	}
}

// resolveTools defaults an omitted tool list to MCP discovery. An
// explicit empty list disables tools for the request.
func (s *Server) resolveTools(ctx context.Context, requested *[]models.ToolSchema) []models.ToolSchema {
	if requested != nil {
		return *requested
	}
	if s.tools == nil {
		return nil
	}
	tools, err := s.tools.ListTools(ctx, false)
	if err != nil {
		s.logger.Warn("tool discovery failed; continuing without tools", "error", err)
		return nil
	}
	return tools
}

func (s *Server) modelFor(backend backends.Backend, override string) string {
	if override != "" {
		return override
	}
	return backend.DefaultModel()
}

// wrapExecutor layers interrupt filing onto tool execution. A pending
// prompt from a leader's tool is filed in the durable store and the
// result is annotated with the interrupt id; the same prompt from a
// worker is rejected so only leaders can pause a thread.
func (s *Server) wrapExecutor(threadID, runID, agentID string, role models.AgentRole) loop.ToolExecutor {
	var inner loop.ToolExecutor
	if s.tools != nil {
		inner = s.tools
	} else {
		inner = noToolExecutor{}
	}
	return &runToolExecutor{
		server:   s,
		inner:    inner,
		threadID: threadID,
		runID:    runID,
		agentID:  agentID,
		role:     role,
	}
}

type runToolExecutor struct {
	server   *Server
	inner    loop.ToolExecutor
	threadID string
	runID    string
	agentID  string
	role     models.AgentRole
}

func (e *runToolExecutor) CallTool(ctx context.Context, name string, arguments map[string]any) models.ToolResult {
	start := time.Now()
	result := e.inner.CallTool(ctx, name, arguments)
	if m := e.server.metrics; m != nil {
		status := "ok"
		if !result.OK {
			status = "error"
		}
		m.RecordToolExecution("mcp", name, status, time.Since(start).Seconds())
	}

	prompt, pending := result.AsPendingPrompt()
	if !pending {
		return result
	}

	if e.role != models.RoleLeader {
		return models.ToolResult{
			ID:   result.ID,
			Name: result.Name,
			OK:   false,
			Error: &models.ToolError{
				Code:    -32002,
				Message: "only leader agents may create interrupts; route the question through the leader",
			},
		}
	}

	interrupt, err := e.server.interrupts.Create(interrupts.CreateParams{
		ThreadID:  e.threadID,
		RunID:     e.runID,
		Question:  prompt.Question,
		Reason:    models.InterruptReason(prompt.Reason),
		Options:   prompt.Options,
		InputType: prompt.InputType,
		Context:   prompt.Context,
		AgentID:   e.agentID,
		AgentRole: e.role,
	})
	if err != nil {
		e.server.logger.Warn("interrupt creation failed",
			"thread_id", e.threadID,
			"error", err)
		return models.ToolResult{
			ID:   result.ID,
			Name: result.Name,
			OK:   false,
			Error: &models.ToolError{
				Code:    -32002,
				Message: "interrupt creation failed: " + err.Error(),
			},
		}
	}
	e.server.interruptCreated()

	// Rebuild the content so the stream and the resumed run both see
	// which durable interrupt to resolve.
	prompt.InterruptID = interrupt.InterruptID
	data, err := json.Marshal(prompt)
	if err != nil {
		return result
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return result
	}
	content["pending"] = true
	result.Content = content
	return result
}

// noToolExecutor reports every call as failed; it stands in when no MCP
// server is configured but a model still asks for a tool.
type noToolExecutor struct{}

func (noToolExecutor) CallTool(ctx context.Context, name string, arguments map[string]any) models.ToolResult {
	return models.ToolResult{
		Name: name,
		Error: &models.ToolError{
			Code:    -1,
			Message: "no MCP server is configured; tool calls cannot be executed",
		},
	}
}

// pendingInterrupts approximates the unresolved interrupt count for the
// gauge; it tracks creations and first-time resolutions seen by this
// process.
var pendingInterrupts atomic.Int64

func (s *Server) interruptCreated() {
	n := pendingInterrupts.Add(1)
	if s.metrics != nil {
		s.metrics.SetPendingInterrupts(int(n))
	}
}

func (s *Server) interruptResolved() {
	n := pendingInterrupts.Add(-1)
	if n < 0 {
		pendingInterrupts.Store(0)
		n = 0
	}
	if s.metrics != nil {
		s.metrics.SetPendingInterrupts(int(n))
	}
}

// clarifyRequest is the POST /v2/chat/clarify body.
type clarifyRequest struct {
	ThreadID      string         `json:"thread_id"`
	InterruptID   string         `json:"interrupt_id"`
	Answer        string         `json:"answer"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req clarifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" || req.InterruptID == "" {
		s.jsonError(w, "thread_id and interrupt_id are required", http.StatusBadRequest)
		return
	}

	existing, ok := s.interrupts.Get(req.ThreadID, req.InterruptID)
	if !ok {
		s.jsonError(w, "interrupt not found", http.StatusNotFound)
		return
	}
	wasResolved := existing.Resolved

	resume, ok := s.interrupts.Resolve(req.ThreadID, req.InterruptID, req.Answer, req.Modifications)
	if !ok {
		s.jsonError(w, "interrupt not found", http.StatusNotFound)
		return
	}
	if !wasResolved {
		s.interruptResolved()
	}

	s.jsonResponse(w, map[string]any{
		"resolved": true,
		"resume":   resume,
	})
}

func (s *Server) handleThreadInterrupts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	threadID := strings.TrimPrefix(r.URL.Path, "/v2/chat/interrupts/")
	if threadID == "" || strings.Contains(threadID, "/") {
		s.jsonError(w, "thread id required", http.StatusBadRequest)
		return
	}

	pending := s.interrupts.GetPending(threadID)
	s.jsonResponse(w, map[string]any{
		"thread_id":  threadID,
		"interrupts": pending,
		"count":      len(pending),
	})
}
