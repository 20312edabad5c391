package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer is an in-process MCP server speaking just enough JSON-RPC for
// the client under test.
type fakeServer struct {
	t     *testing.T
	tools []Tool

	// onCall overrides the tools/call response when set.
	onCall func(w http.ResponseWriter, id any, params CallToolParams)

	initCount  atomic.Int32
	listCount  atomic.Int32
	callCount  atomic.Int32
	initParams []byte

	server *httptest.Server
}

func newFakeServer(t *testing.T, tools []Tool) *fakeServer {
	t.Helper()
	f := &fakeServer{t: t, tools: tools}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeServer) URL() string { return f.server.URL }

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
		return
	}

	switch req.Method {
	case "initialize":
		f.initCount.Add(1)
		f.initParams = append([]byte(nil), req.Params...)
		f.respond(w, req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "fake-tools", Version: "1.2.3"},
		})
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/list":
		f.listCount.Add(1)
		f.respond(w, req.ID, ListToolsResult{Tools: f.tools})
	case "tools/call":
		f.callCount.Add(1)
		var params CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			f.respondError(w, req.ID, &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()})
			return
		}
		if f.onCall != nil {
			f.onCall(w, req.ID, params)
			return
		}
		f.respond(w, req.ID, ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}})
	case "ping":
		f.respond(w, req.ID, map[string]any{})
	default:
		f.respondError(w, req.ID, &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found"})
	}
}

func (f *fakeServer) respond(w http.ResponseWriter, id any, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		f.t.Errorf("marshal result: %v", err)
		return
	}
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Result: data})
}

func (f *fakeServer) respondError(w http.ResponseWriter, id any, rpcErr *RPCError) {
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func clientFor(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: f.URL()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

var sampleTools = []Tool{
	{Name: "read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)},
	{Name: "list_files", Description: "List a directory", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
}

func TestClientLazyHandshake(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	c := clientFor(t, f)

	if got := f.initCount.Load(); got != 0 {
		t.Fatalf("initialize before first use: %d calls", got)
	}
	if _, ok := c.Session(); ok {
		t.Error("session reported before handshake")
	}

	tools, err := c.ListTools(context.Background(), false)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", tools)
	}
	if got := f.initCount.Load(); got != 1 {
		t.Errorf("initialize calls = %d, want 1", got)
	}

	var handshake struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if err := json.Unmarshal(f.initParams, &handshake); err != nil {
		t.Fatalf("parse handshake params: %v", err)
	}
	if handshake.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", handshake.ProtocolVersion)
	}
	if handshake.ClientInfo.Name != "relay" {
		t.Errorf("clientInfo.name = %q", handshake.ClientInfo.Name)
	}

	// The session persists; later operations must not re-handshake.
	c.CallTool(context.Background(), "read_file", map[string]any{"path": "/tmp/x"})
	if got := f.initCount.Load(); got != 1 {
		t.Errorf("initialize calls after CallTool = %d, want 1", got)
	}

	info, ok := c.Session()
	if !ok || info.Name != "fake-tools" {
		t.Errorf("session = %+v ok=%v", info, ok)
	}
}

func TestListToolsCache(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	c := clientFor(t, f)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.ListTools(context.Background(), false); err != nil {
			t.Fatalf("ListTools #%d: %v", i, err)
		}
	}
	if got := f.listCount.Load(); got != 1 {
		t.Errorf("list calls = %d, want 1 (cached)", got)
	}

	if _, err := c.ListTools(context.Background(), true); err != nil {
		t.Fatalf("ListTools force: %v", err)
	}
	if got := f.listCount.Load(); got != 2 {
		t.Errorf("list calls = %d, want 2 after force refresh", got)
	}

	now = now.Add(31 * time.Second)
	if _, err := c.ListTools(context.Background(), false); err != nil {
		t.Fatalf("ListTools after TTL: %v", err)
	}
	if got := f.listCount.Load(); got != 3 {
		t.Errorf("list calls = %d, want 3 after TTL expiry", got)
	}

	c.InvalidateTools()
	if _, err := c.ListTools(context.Background(), false); err != nil {
		t.Fatalf("ListTools after invalidate: %v", err)
	}
	if got := f.listCount.Load(); got != 4 {
		t.Errorf("list calls = %d, want 4 after invalidate", got)
	}
}

func TestCallToolContentConcatenation(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	f.onCall = func(w http.ResponseWriter, id any, params CallToolParams) {
		f.respond(w, id, ToolCallResult{Content: []ContentBlock{
			{Type: "text", Text: "3 files"},
			{Type: "json", JSON: json.RawMessage(`{"entries":["a","b","c"]}`)},
		}})
	}
	c := clientFor(t, f)

	result := c.CallTool(context.Background(), "list_files", map[string]any{"path": "/tmp"})
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	if result.ID != "" {
		t.Errorf("id = %q, want empty (caller fills it)", result.ID)
	}
	if result.Name != "list_files" {
		t.Errorf("name = %q", result.Name)
	}
	want := "3 files\n{\"entries\":[\"a\",\"b\",\"c\"]}"
	if result.Content != want {
		t.Errorf("content = %q, want %q", result.Content, want)
	}
}

func TestCallToolServerReportedError(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	f.onCall = func(w http.ResponseWriter, id any, params CallToolParams) {
		f.respond(w, id, ToolCallResult{
			IsError: true,
			Content: []ContentBlock{{Type: "text", Text: "permission denied"}},
		})
	}
	c := clientFor(t, f)

	result := c.CallTool(context.Background(), "read_file", map[string]any{"path": "/etc/shadow"})
	if result.OK {
		t.Fatal("isError result should not be OK")
	}
	if result.Error == nil || result.Error.Code != ErrCodeToolFailure {
		t.Fatalf("error = %+v", result.Error)
	}
	if result.Error.Message != "permission denied" {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestCallToolRPCError(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	f.onCall = func(w http.ResponseWriter, id any, params CallToolParams) {
		f.respondError(w, id, &RPCError{Code: ErrCodeToolNotFound, Message: "no such tool"})
	}
	c := clientFor(t, f)

	result := c.CallTool(context.Background(), "ghost", nil)
	if result.OK {
		t.Fatal("rpc error should not be OK")
	}
	if result.Error == nil || result.Error.Code != ErrCodeToolNotFound {
		t.Fatalf("error = %+v", result.Error)
	}
	if result.Error.Message != "no such tool" {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestCallToolHTTPErrorTruncatesBody(t *testing.T) {
	longBody := strings.Repeat("x", 500)
	f := newFakeServer(t, sampleTools)
	f.onCall = func(w http.ResponseWriter, id any, params CallToolParams) {
		http.Error(w, longBody, http.StatusServiceUnavailable)
	}
	c := clientFor(t, f)

	result := c.CallTool(context.Background(), "read_file", map[string]any{"path": "x"})
	if result.OK {
		t.Fatal("HTTP 503 should not be OK")
	}
	if result.Error == nil || result.Error.Code != http.StatusServiceUnavailable {
		t.Fatalf("error = %+v", result.Error)
	}
	if !strings.Contains(result.Error.Message, "HTTP 503") {
		t.Errorf("message = %q", result.Error.Message)
	}
	if len(result.Error.Message) > 250 {
		t.Errorf("message not truncated: %d bytes", len(result.Error.Message))
	}
}

func TestCallToolConnectionError(t *testing.T) {
	f := newFakeServer(t, nil)
	url := f.URL()
	f.server.Close()

	c, err := NewClient(Config{BaseURL: url})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	result := c.CallTool(context.Background(), "read_file", nil)
	if result.OK {
		t.Fatal("unreachable server should not be OK")
	}
	if result.Error == nil || result.Error.Code != ErrCodeConnection {
		t.Fatalf("error = %+v", result.Error)
	}
	if !strings.Contains(result.Error.Message, "cannot connect") {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestCallToolTimeout(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	f.onCall = func(w http.ResponseWriter, id any, params CallToolParams) {
		time.Sleep(200 * time.Millisecond)
		f.respond(w, id, ToolCallResult{})
	}
	c, err := NewClient(Config{BaseURL: f.URL(), CallTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result := c.CallTool(context.Background(), "read_file", map[string]any{"path": "x"})
	if result.OK {
		t.Fatal("timed-out call should not be OK")
	}
	if result.Error == nil || result.Error.Code != ErrCodeConnection {
		t.Fatalf("error = %+v", result.Error)
	}
	if !strings.Contains(result.Error.Message, "timed out") {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFakeServer(t, sampleTools)
	c := clientFor(t, f)

	health := c.HealthCheck(context.Background())
	if !health.OK {
		t.Fatalf("health = %+v", health)
	}
	if health.ServerName != "fake-tools" || health.URL != f.URL() {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	f := newFakeServer(t, nil)
	url := f.URL()
	f.server.Close()

	c, err := NewClient(Config{BaseURL: url})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	health := c.HealthCheck(context.Background())
	if health.OK {
		t.Fatal("health OK against a closed server")
	}
	if health.Error == "" {
		t.Error("expected error detail")
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("empty URL accepted")
	}
	if _, err := NewClient(Config{BaseURL: "ftp://tools.example.com"}); err == nil {
		t.Error("non-http URL accepted")
	}
}
