package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// ManagerConfig configures the multi-server manager.
type ManagerConfig struct {
	Servers []ServerConfig

	// ValidateArguments checks tool-call arguments against the tool's
	// inputSchema before dispatch.
	ValidateArguments bool

	ClientName    string
	ClientVersion string
	Logger        *slog.Logger
}

// Manager fans tool discovery and execution out to the configured servers.
// Tool names are merged across servers; on a name collision the earlier
// server in config order wins. The manager satisfies the loop's executor
// contract, so a single-server deployment and a fleet look the same to the
// rest of the gateway.
type Manager struct {
	order    []string
	clients  map[string]*Client
	configs  map[string]ServerConfig
	validate bool
	logger   *slog.Logger

	schemaCache sync.Map
}

// NewManager builds clients for every configured server. Handshakes are
// lazy, so construction cannot fail on an unreachable server, only on bad
// configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		clients:  make(map[string]*Client, len(cfg.Servers)),
		configs:  make(map[string]ServerConfig, len(cfg.Servers)),
		validate: cfg.ValidateArguments,
		logger:   logger.With("component", "mcp"),
	}

	for i := range cfg.Servers {
		serverCfg := cfg.Servers[i]
		if err := serverCfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := m.clients[serverCfg.ID]; exists {
			return nil, fmt.Errorf("duplicate MCP server ID %q", serverCfg.ID)
		}
		client, err := NewClient(Config{
			BaseURL:       serverCfg.URL,
			Headers:       serverCfg.Headers,
			ClientName:    cfg.ClientName,
			ClientVersion: cfg.ClientVersion,
			CallTimeout:   serverCfg.CallTimeout,
			Logger:        logger.With("mcp_server", serverCfg.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", serverCfg.ID, err)
		}
		m.order = append(m.order, serverCfg.ID)
		m.clients[serverCfg.ID] = client
		m.configs[serverCfg.ID] = serverCfg
	}
	return m, nil
}

// Servers returns the configured server IDs in order.
func (m *Manager) Servers() []string {
	return append([]string(nil), m.order...)
}

// Client returns the client for one server.
func (m *Manager) Client(id string) (*Client, bool) {
	c, ok := m.clients[id]
	return c, ok
}

// ListTools merges tool lists across servers, first server winning a name
// collision. With several servers a partial outage degrades to the tools of
// the reachable ones; the error is returned only when no server answers.
func (m *Manager) ListTools(ctx context.Context, forceRefresh bool) ([]models.ToolSchema, error) {
	seen := make(map[string]struct{})
	var merged []models.ToolSchema
	var firstErr error
	answered := 0

	for _, id := range m.order {
		tools, err := m.clients[id].ListTools(ctx, forceRefresh)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("server %s: %w", id, err)
			}
			m.logger.Warn("tool list failed", "server", id, "error", err)
			continue
		}
		answered++
		for _, tool := range tools {
			if _, dup := seen[tool.Name]; dup {
				continue
			}
			seen[tool.Name] = struct{}{}
			merged = append(merged, tool)
		}
	}

	if answered == 0 && firstErr != nil {
		return nil, firstErr
	}
	return merged, nil
}

// InvalidateTools drops every server's cached tool list.
func (m *Manager) InvalidateTools() {
	for _, client := range m.clients {
		client.InvalidateTools()
	}
}

// CallTool routes a call to the server advertising the tool and executes it.
// All failures, including an unknown tool name and argument-schema
// violations, come back as results with OK=false.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any) models.ToolResult {
	client, schema, ok := m.route(ctx, name)
	if !ok {
		return models.ToolResult{
			Name: name,
			Error: &models.ToolError{
				Code:    ErrCodeToolNotFound,
				Message: fmt.Sprintf("tool %q is not provided by any connected MCP server", name),
			},
		}
	}

	if m.validate && len(schema.InputSchema) > 0 {
		if err := m.validateArguments(schema.InputSchema, arguments); err != nil {
			return models.ToolResult{
				Name: name,
				Error: &models.ToolError{
					Code:    ErrCodeInvalidParams,
					Message: fmt.Sprintf("invalid arguments for %s: %v", name, err),
				},
			}
		}
	}

	return client.CallTool(ctx, name, arguments)
}

// route finds the first server in config order whose tool list contains
// name. Listing hits each server's cache on the hot path.
func (m *Manager) route(ctx context.Context, name string) (*Client, models.ToolSchema, bool) {
	for _, id := range m.order {
		tools, err := m.clients[id].ListTools(ctx, false)
		if err != nil {
			continue
		}
		for _, tool := range tools {
			if tool.Name == name {
				return m.clients[id], tool, true
			}
		}
	}
	return nil, models.ToolSchema{}, false
}

// validateArguments checks arguments against a tool's JSON schema. Compiled
// schemas are cached on the schema text so the tool list can churn without
// recompiling unchanged schemas.
func (m *Manager) validateArguments(schema json.RawMessage, arguments map[string]any) error {
	compiled, err := m.compileSchema(schema)
	if err != nil {
		// An uncompilable schema is the server's defect; skip validation
		// and let the server reject the call itself.
		m.logger.Warn("tool schema does not compile", "error", err)
		return nil
	}

	payload, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return compiled.Validate(decoded)
}

func (m *Manager) compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := m.schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	m.schemaCache.Store(key, compiled)
	return compiled, nil
}

// ServerStatus is the operator view of one server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	URL       string     `json:"url"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server,omitempty"`
}

// HealthCheck probes every server.
func (m *Manager) HealthCheck(ctx context.Context) map[string]Health {
	results := make(map[string]Health, len(m.clients))
	for _, id := range m.order {
		results[id] = m.clients[id].HealthCheck(ctx)
	}
	return results
}

// Status reports handshake state for every server without touching the
// network.
func (m *Manager) Status() []ServerStatus {
	statuses := make([]ServerStatus, 0, len(m.order))
	for _, id := range m.order {
		client := m.clients[id]
		info, connected := client.Session()
		statuses = append(statuses, ServerStatus{
			ID:        id,
			Name:      m.configs[id].Name,
			URL:       client.URL(),
			Connected: connected,
			Server:    info,
		})
	}
	return statuses
}
