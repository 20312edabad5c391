package gateway

import (
	"net/http"
	"time"
)

// handleBackends reports the chain, circuit state and live probe results
// for every configured backend.
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := time.Now()
	circuits := s.backends.CircuitStates()
	open := make(map[string]bool, len(circuits))
	for name, state := range circuits {
		open[name] = state.Open(now)
		if s.metrics != nil {
			s.metrics.SetCircuitOpen(name, state.Open(now))
		}
	}

	s.jsonResponse(w, map[string]any{
		"chain":    s.backends.Chain(),
		"current":  s.backends.LastHealthy(),
		"backends": s.backends.List(),
		"health":   s.backends.HealthCheckAll(r.Context()),
		"circuits": circuits,
		"open":     open,
	})
}

// handleBackendCurrent resolves the chain right now and reports which
// backend a chat request would land on.
func (s *Server) handleBackendCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	backend, err := s.backends.GetHealthy(r.Context())
	if err != nil {
		s.backendError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"backend": backend.Name(),
		"model":   backend.DefaultModel(),
	})
}

type invalidateRequest struct {
	Backend string `json:"backend,omitempty"`
}

// handleBackendInvalidate drops cached health state so the next request
// re-probes. Naming a backend also lifts its open circuit.
func (s *Server) handleBackendInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req invalidateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.backends.InvalidateHealth(req.Backend)
	scope := req.Backend
	if scope == "" {
		scope = "all"
	}
	s.logger.Info("backend health invalidated", "scope", scope)
	s.jsonResponse(w, map[string]any{"invalidated": scope})
}

// handleTools exposes the merged MCP tool list. ?refresh=true bypasses
// the cache.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.tools == nil {
		s.jsonResponse(w, map[string]any{
			"tools":   []any{},
			"count":   0,
			"servers": []any{},
		})
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"
	tools, err := s.tools.ListTools(r.Context(), refresh)
	if err != nil {
		s.jsonError(w, "tool discovery failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]any{
		"tools":   tools,
		"count":   len(tools),
		"servers": s.tools.Status(),
	})
}

type mcpCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleMCPCall executes one tool out of band of any chat run. Tool
// failures come back as 200 with ok=false, matching how results read
// inside a stream.
func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.tools == nil {
		s.jsonError(w, "no MCP server is configured", http.StatusServiceUnavailable)
		return
	}
	var req mcpCallRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		s.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := s.tools.CallTool(r.Context(), req.Name, req.Arguments)
	if s.metrics != nil {
		status := "ok"
		if !result.OK {
			status = "error"
		}
		s.metrics.RecordToolExecution("mcp", req.Name, status, time.Since(start).Seconds())
	}
	s.jsonResponse(w, result)
}
