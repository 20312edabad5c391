package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const protocolVersion = "2024-11-05"

// Per-operation deadlines. Tool calls get the long budget; the handshake and
// list are bounded together because the first list triggers the handshake.
const (
	defaultCallTimeout      = 20 * time.Second
	defaultHealthTimeout    = 5 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultToolListTTL      = 30 * time.Second
)

// maxErrorBody bounds how much of an HTTP error body is carried into a tool
// result message.
const maxErrorBody = 200

// Config holds the settings for one MCP client.
type Config struct {
	BaseURL string
	Headers map[string]string

	// ClientName and ClientVersion identify this process in the handshake.
	ClientName    string
	ClientVersion string

	// Zero values take the package defaults.
	CallTimeout      time.Duration
	HealthTimeout    time.Duration
	HandshakeTimeout time.Duration
	ToolListTTL      time.Duration

	Logger *slog.Logger
}

// Client talks JSON-RPC 2.0 to a single MCP server. The initialize handshake
// runs lazily on first use and is never repeated for the life of the client.
// Tool execution failures come back as ToolResults, not Go errors.
type Client struct {
	baseURL       string
	headers       map[string]string
	clientName    string
	clientVersion string

	callTimeout      time.Duration
	healthTimeout    time.Duration
	handshakeTimeout time.Duration
	toolListTTL      time.Duration

	httpClient *http.Client
	logger     *slog.Logger

	initMu      sync.Mutex
	initialized bool
	serverInfo  ServerInfo

	cacheMu     sync.Mutex
	cachedTools []models.ToolSchema
	cachedAt    time.Time

	nowFn func() time.Time
}

// NewClient builds a client for one server. No network traffic happens here.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("mcp: base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("mcp: base URL must start with http:// or https://")
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ToolListTTL <= 0 {
		cfg.ToolListTTL = defaultToolListTTL
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "relay"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:          baseURL,
		headers:          cfg.Headers,
		clientName:       cfg.ClientName,
		clientVersion:    cfg.ClientVersion,
		callTimeout:      cfg.CallTimeout,
		healthTimeout:    cfg.HealthTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		toolListTTL:      cfg.ToolListTTL,
		httpClient:       &http.Client{},
		logger:           cfg.Logger.With("mcp_server", baseURL),
		nowFn:            time.Now,
	}, nil
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Session reports the handshake result, if one has completed.
func (c *Client) Session() (ServerInfo, bool) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.serverInfo, c.initialized
}

// httpError is a non-2xx response from the server.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// rpc performs one JSON-RPC call bounded by timeout. The error is an
// *RPCError for protocol-level failures, an *httpError for non-2xx
// responses, or a transport error.
func (c *Client) rpc(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		return nil, &httpError{Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), maxErrorBody)}
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// notify sends a fire-and-forget notification.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return c.httpClient.Do(httpReq)
}

// ensureSession runs the initialize handshake once. Concurrent callers wait;
// a failed handshake is retried by the next caller.
func (c *Client) ensureSession(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}

	result, err := c.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	}, c.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo
	c.initialized = true
	c.logger.Info("connected to MCP server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	notifyCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	if err := c.notify(notifyCtx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// ListTools returns the server's tools. Results are cached; forceRefresh
// bypasses the cache and replaces it.
func (c *Client) ListTools(ctx context.Context, forceRefresh bool) ([]models.ToolSchema, error) {
	if !forceRefresh {
		c.cacheMu.Lock()
		if c.cachedTools != nil && c.nowFn().Sub(c.cachedAt) < c.toolListTTL {
			tools := append([]models.ToolSchema(nil), c.cachedTools...)
			c.cacheMu.Unlock()
			return tools, nil
		}
		c.cacheMu.Unlock()
	}

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	result, err := c.rpc(ctx, "tools/list", nil, c.handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var listResult ListToolsResult
	if err := json.Unmarshal(result, &listResult); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	tools := make([]models.ToolSchema, 0, len(listResult.Tools))
	for _, tool := range listResult.Tools {
		tools = append(tools, models.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	c.cacheMu.Lock()
	c.cachedTools = tools
	c.cachedAt = c.nowFn()
	c.cacheMu.Unlock()

	c.logger.Debug("refreshed tools", "count", len(tools))
	return append([]models.ToolSchema(nil), tools...), nil
}

// InvalidateTools drops the cached tool list.
func (c *Client) InvalidateTools() {
	c.cacheMu.Lock()
	c.cachedTools = nil
	c.cachedAt = time.Time{}
	c.cacheMu.Unlock()
}

// CallTool invokes one tool. Every failure mode maps to a ToolResult with
// OK=false rather than a Go error; the result's ID is left empty for the
// caller to fill with the originating call's id.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) models.ToolResult {
	if err := c.ensureSession(ctx); err != nil {
		result := c.failureResult(err)
		result.Name = name
		return result
	}

	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return models.ToolResult{
				Name:  name,
				Error: &models.ToolError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("marshal arguments: %v", err)},
			}
		}
		params.Arguments = argsJSON
	}

	raw, err := c.rpc(ctx, "tools/call", params, c.callTimeout)
	if err != nil {
		result := c.failureResult(err)
		result.Name = name
		return result
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(raw, &callResult); err != nil {
		return models.ToolResult{
			Name:  name,
			Error: &models.ToolError{Code: ErrCodeParseError, Message: fmt.Sprintf("parse tools/call result: %v", err)},
		}
	}

	text := callResult.Text()
	if callResult.IsError {
		message := text
		if message == "" {
			message = "tool reported an error"
		}
		return models.ToolResult{
			Name:    name,
			Content: text,
			Error:   &models.ToolError{Code: ErrCodeToolFailure, Message: message},
		}
	}

	return models.ToolResult{Name: name, OK: true, Content: text}
}

// failureResult maps a transport or protocol error into a tool result.
func (c *Client) failureResult(err error) models.ToolResult {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return models.ToolResult{Error: &models.ToolError{Code: rpcErr.Code, Message: rpcErr.Message}}
	}

	var he *httpError
	if errors.As(err, &he) {
		return models.ToolResult{Error: &models.ToolError{Code: he.Status, Message: he.Error()}}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ToolResult{Error: &models.ToolError{
			Code:    ErrCodeConnection,
			Message: fmt.Sprintf("MCP request to %s timed out", c.baseURL),
		}}
	}

	return models.ToolResult{Error: &models.ToolError{
		Code:    ErrCodeConnection,
		Message: fmt.Sprintf("cannot connect to MCP server at %s: %v", c.baseURL, err),
	}}
}

// Health reports whether the server answers within the health budget. The
// probe pings an established session; servers predating the ping method
// still count as healthy because the handshake itself proved liveness.
type Health struct {
	OK            bool   `json:"ok"`
	URL           string `json:"url"`
	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// HealthCheck probes the server.
func (c *Client) HealthCheck(ctx context.Context) Health {
	health := Health{URL: c.baseURL}

	if err := c.ensureSession(ctx); err != nil {
		health.Error = err.Error()
		return health
	}
	info, _ := c.Session()
	health.ServerName = info.Name
	health.ServerVersion = info.Version

	if _, err := c.rpc(ctx, "ping", nil, c.healthTimeout); err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
			health.Error = err.Error()
			return health
		}
	}
	health.OK = true
	return health
}

// truncate clips s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
