package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/internal/interrupts"
	"github.com/haasonsaas/relay/internal/runlog"
	"github.com/haasonsaas/relay/internal/runs"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedBackend replays one canned event stream per StreamChat call.
type scriptedBackend struct {
	name    string
	native  bool
	healthy bool

	mu      sync.Mutex
	scripts [][]models.StreamEvent
	calls   int
	opts    []models.RequestOptions
}

func (b *scriptedBackend) Name() string              { return b.name }
func (b *scriptedBackend) SupportsNativeTools() bool { return b.native }
func (b *scriptedBackend) DefaultModel() string      { return "test-model" }

func (b *scriptedBackend) Health(ctx context.Context) backends.HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.healthy {
		return backends.HealthStatus{OK: false, Detail: "scripted outage"}
	}
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
	b.opts = append(b.opts, opts)

	ch := make(chan models.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (b *scriptedBackend) setHealthy(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = ok
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) optsForCall(i int) models.RequestOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts[i]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*Server
	backend *scriptedBackend
	http    *httptest.Server
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()

	backend := &scriptedBackend{name: "fake", native: true, healthy: true}
	registry := backends.NewRegistry(backends.RegistryConfig{Logger: discardLogger()})
	registry.Add(backend)

	cfg := Config{
		Backends: registry,
		Agents:   agents.NewRegistry(agents.Config{Logger: discardLogger()}),
		Interrupts: interrupts.NewStore(interrupts.Config{
			BaseDir: t.TempDir(),
			Logger:  discardLogger(),
		}),
		Runs: runs.NewStore(runs.Config{
			BaseDir: t.TempDir(),
			Logger:  discardLogger(),
		}),
		RunLog: runlog.NewMemoryStore(),
		Logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.hub.Close)
	return &testServer{Server: srv, backend: backend, http: ts}
}

func (ts *testServer) url(path string) string {
	return ts.http.URL + path
}

// doJSON issues a request with an optional JSON body and decodes the
// JSON response into a map.
func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode body %q: %v", data, err)
		}
	}
	return resp.StatusCode, decoded
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, ts.url("/healthz"), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Auth = NewAuthService(AuthConfig{
			JWTSecret: "test-secret",
			APIKeys:   []string{"key-one", "key-two"},
		})
	})

	t.Run("missing credentials", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, ts.url("/v1/agents/list"), nil, nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
		if body["error"] != "unauthorized" {
			t.Errorf("error = %v, want unauthorized", body["error"])
		}
	})

	t.Run("api key header", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodGet, ts.url("/v1/agents/list"), nil,
			map[string]string{"X-API-Key": "key-two"})
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
	})

	t.Run("api key as bearer", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodGet, ts.url("/v1/agents/list"), nil,
			map[string]string{"Authorization": "Bearer key-one"})
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
	})

	t.Run("jwt bearer", func(t *testing.T) {
		token, err := ts.auth.IssueJWT("tester", time.Minute)
		if err != nil {
			t.Fatalf("IssueJWT: %v", err)
		}
		status, _ := doJSON(t, http.MethodGet, ts.url("/v1/agents/list"), nil,
			map[string]string{"Authorization": "Bearer " + token})
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodGet, ts.url("/v1/agents/list"), nil,
			map[string]string{"Authorization": "Bearer nope"})
		if status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
	})

	t.Run("healthz exempt", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodGet, ts.url("/healthz"), nil, nil)
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
	})

	t.Run("metrics exempt", func(t *testing.T) {
		resp, err := http.Get(ts.url("/metrics"))
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestCORSMiddleware(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.CORSOrigins = []string{"https://app.example.com"}
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.url("/v1/agents/list"), nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want the requesting origin", got)
	}
	if allow := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(allow, "X-Agent-Role") {
		t.Errorf("Allow-Headers = %q, want it to include X-Agent-Role", allow)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.url("/healthz"), nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with foreign origin: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for a foreign origin, want empty", got)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.url("/healthz"), nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", got)
	}

	resp, err = http.Get(ts.url("/healthz"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing on response without one in the request")
	}
}

func TestConfigSchemaEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url("/api/config/schema"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "Relay Configuration") {
		t.Error("schema missing title")
	}
}

func TestBackendsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, ts.url("/api/backends"), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	chain, ok := body["chain"].([]any)
	if !ok || len(chain) != 1 || chain[0] != "fake" {
		t.Errorf("chain = %v, want [fake]", body["chain"])
	}
	if _, ok := body["health"].(map[string]any); !ok {
		t.Errorf("health = %v, want an object", body["health"])
	}
	if _, ok := body["circuits"].(map[string]any); !ok {
		t.Errorf("circuits = %v, want an object", body["circuits"])
	}
}

func TestBackendCurrent(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, ts.url("/api/backends/current"), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["backend"] != "fake" {
		t.Errorf("backend = %v, want fake", body["backend"])
	}
	if body["model"] != "test-model" {
		t.Errorf("model = %v, want test-model", body["model"])
	}
}

func TestBackendCurrentUnhealthy(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.setHealthy(false)

	status, _ := doJSON(t, http.MethodGet, ts.url("/api/backends/current"), nil, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
}

func TestBackendInvalidate(t *testing.T) {
	ts := newTestServer(t)

	// Cache a failing probe, then flip the backend healthy again. The
	// stale verdict keeps selection failing until invalidated.
	ts.backend.setHealthy(false)
	status, _ := doJSON(t, http.MethodGet, ts.url("/api/backends/current"), nil, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("pre-invalidate status = %d, want 503", status)
	}
	ts.backend.setHealthy(true)

	status, body := doJSON(t, http.MethodPost, ts.url("/api/backends/invalidate"),
		map[string]any{"backend": "fake"}, nil)
	if status != http.StatusOK {
		t.Fatalf("invalidate status = %d, want 200", status)
	}
	if body["invalidated"] != "fake" {
		t.Errorf("invalidated = %v, want fake", body["invalidated"])
	}

	status, body = doJSON(t, http.MethodGet, ts.url("/api/backends/current"), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("post-invalidate status = %d, want 200 (body %v)", status, body)
	}
}

func TestRunCreateAndGet(t *testing.T) {
	ts := newTestServer(t)

	runID := models.NewRunID(time.Now())
	status, body := doJSON(t, http.MethodPost, ts.url("/v1/runs"), map[string]any{
		"run_id":         runID,
		"task":           "refactor the parser",
		"worker_id":      "worker-7",
		"max_tool_calls": 5,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (body %v)", status, body)
	}
	pack, ok := body["pack"].(map[string]any)
	if !ok {
		t.Fatalf("pack missing from response: %v", body)
	}
	if pack["run_id"] != runID {
		t.Errorf("run_id = %v, want %s", pack["run_id"], runID)
	}

	// The pack budget seeds the worker's tool limit.
	if limit, ok := ts.limits.Get("worker-7"); !ok || limit != 5 {
		t.Errorf("worker limit = %d ok=%v, want 5 true", limit, ok)
	}

	status, body = doJSON(t, http.MethodGet, ts.url("/v1/runs/"+runID), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d, want 200", status)
	}
	pack = body["pack"].(map[string]any)
	if pack["task"] != "refactor the parser" {
		t.Errorf("task = %v, want the created task", pack["task"])
	}
}

func TestRunCreateRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doJSON(t, http.MethodPost, ts.url("/v1/runs"), map[string]any{
		"run_id": models.NewRunID(time.Now()),
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("missing task status = %d, want 400", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.url("/v1/runs"), map[string]any{
		"run_id": "../../etc/passwd",
		"task":   "x",
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad run id status = %d, want 400", status)
	}
}

func TestRunGetErrors(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doJSON(t, http.MethodGet, ts.url("/v1/runs/not-a-run-id"), nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", status)
	}

	status, _ = doJSON(t, http.MethodGet, ts.url("/v1/runs/"+models.NewRunID(time.Now())), nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", status)
	}
}

func TestUsageRunsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := &runlog.Record{
		RunID:        models.NewRunID(time.Now()),
		Backend:      "fake",
		Model:        "test-model",
		Outcome:      "success",
		Turns:        2,
		ToolCalls:    1,
		InputTokens:  10,
		OutputTokens: 4,
		CreatedAt:    time.Now(),
	}
	if err := ts.runlog.Record(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	status, body := doJSON(t, http.MethodGet, ts.url("/api/usage/runs?limit=10"), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	list, ok := body["runs"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("runs = %v, want one record", body["runs"])
	}
	totals, ok := body["totals"].(map[string]any)
	if !ok {
		t.Fatalf("totals missing: %v", body)
	}
	if totals["runs"] != float64(1) {
		t.Errorf("totals.runs = %v, want 1", totals["runs"])
	}

	status, _ = doJSON(t, http.MethodGet, ts.url("/api/usage/runs?limit=zero"), nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", status)
	}
}

func TestToolsEndpointWithoutMCP(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, ts.url("/v1/tools"), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["count"] != float64(0) {
		t.Errorf("count = %v, want 0", body["count"])
	}

	status, _ = doJSON(t, http.MethodPost, ts.url("/v1/mcp/call"),
		map[string]any{"name": "read_file"}, nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("mcp call status = %d, want 503", status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doJSON(t, http.MethodGet, ts.url("/v2/chat/stream"), nil, nil)
	if status != http.StatusMethodNotAllowed {
		t.Errorf("GET /v2/chat/stream status = %d, want 405", status)
	}
	status, _ = doJSON(t, http.MethodPost, ts.url("/v1/agents/list"), nil, nil)
	if status != http.StatusMethodNotAllowed {
		t.Errorf("POST /v1/agents/list status = %d, want 405", status)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("New with empty config succeeded, want error")
	}
}
