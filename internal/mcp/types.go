// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 over HTTP against one or more external tool servers.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ServerConfig holds configuration for one MCP server.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// CallTimeout overrides the per-call default for this server.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout,omitempty"`
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server ID is required")
	}
	if c.URL == "" {
		return fmt.Errorf("URL is required for server %s", c.ID)
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("URL for server %s must start with http:// or https://", c.ID)
	}
	return nil
}

// Tool is a tool advertised by an MCP server. InputSchema stays raw; it is
// reshaped per backend at conversion time.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is one piece of a tool result. Servers emit text blocks and,
// less commonly, structured json blocks.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// ToolCallResult is the payload of a tools/call response.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the result's content blocks into one string. A json
// block contributes its raw encoding.
func (r *ToolCallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		switch block.Type {
		case "json":
			if len(block.JSON) > 0 {
				parts = append(parts, string(block.JSON))
			}
		default:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ServerInfo identifies an MCP server, reported during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities holds the capability sets exchanged in the handshake. Only
// the tool surface matters to this client.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// JSON-RPC 2.0 envelope types.

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. It doubles as a Go error so the
// transport can return it unchanged.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCP-specific error codes. ErrCodeToolFailure reports a tool that ran but
// flagged its own result as an error; ErrCodeConnection covers failures to
// reach the server at all, timeouts included.
const (
	ErrCodeToolFailure  = -32000
	ErrCodeToolNotFound = -32002
	ErrCodeConnection   = -1
)
