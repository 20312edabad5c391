package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/pkg/models"
)

type registerRequest struct {
	ModelName    string   `json:"model_name"`
	Role         string   `json:"role,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	PTYSessionID string   `json:"pty_session_id,omitempty"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ModelName == "" {
		s.jsonError(w, "model_name is required", http.StatusBadRequest)
		return
	}
	role := models.AgentRole(strings.ToLower(strings.TrimSpace(req.Role)))
	if role != "" && !role.Valid() {
		s.jsonError(w, "invalid role; must be leader or worker", http.StatusBadRequest)
		return
	}

	agent, message := s.agents.Register(agents.RegisterParams{
		ModelName:    req.ModelName,
		Role:         role,
		Capabilities: req.Capabilities,
		AgentID:      req.AgentID,
		PTYSessionID: req.PTYSessionID,
	})
	s.updateAgentGauges()
	s.jsonResponse(w, map[string]any{
		"agent":   agent,
		"message": message,
	})
}

type heartbeatRequest struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status,omitempty"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		s.jsonError(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	agent, err := s.agents.Heartbeat(req.AgentID, models.AgentStatus(req.Status), req.CurrentTaskID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			s.jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, map[string]any{"agent": agent})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	includeDead := r.URL.Query().Get("include_dead") == "true"
	list := s.agents.ListAll(includeDead)
	s.jsonResponse(w, map[string]any{
		"agents": list,
		"count":  len(list),
	})
}

func (s *Server) handleAgentLeader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	leader, ok := s.agents.Leader()
	if !ok {
		s.jsonError(w, "no leader registered", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]any{"leader": leader})
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.agents.Stats()
	s.updateAgentGauges()
	s.jsonResponse(w, stats)
}

func (s *Server) handleAgentPurgeDead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	purged := s.agents.PurgeDead()
	s.updateAgentGauges()
	s.jsonResponse(w, map[string]any{"purged": purged})
}

func (s *Server) handleAgentPurgeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	purged := s.agents.PurgeAll()
	s.updateAgentGauges()
	s.jsonResponse(w, map[string]any{"purged": purged})
}

type timeoutRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (s *Server) handleAgentTimeout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.jsonResponse(w, map[string]any{
			"timeout_seconds": s.agents.HeartbeatTimeout().Seconds(),
		})
	case http.MethodPut:
		var req timeoutRequest
		if err := decodeJSON(r, &req); err != nil {
			s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.TimeoutSeconds <= 0 {
			s.jsonError(w, "timeout_seconds must be positive", http.StatusBadRequest)
			return
		}
		applied := s.agents.SetHeartbeatTimeout(time.Duration(req.TimeoutSeconds * float64(time.Second)))
		s.jsonResponse(w, map[string]any{
			"timeout_seconds": applied.Seconds(),
		})
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAgentByID serves GET and DELETE on /v1/agents/{agent_id}. The
// named collection routes are registered exactly, so only ids land
// here.
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	if agentID == "" || strings.Contains(agentID, "/") {
		s.jsonError(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		agent, ok := s.agents.Get(agentID)
		if !ok {
			s.jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, map[string]any{"agent": agent})
	case http.MethodDelete:
		if err := s.agents.Deregister(agentID); err != nil {
			s.jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.updateAgentGauges()
		s.jsonResponse(w, map[string]any{
			"deregistered": true,
			"agent_id":     agentID,
		})
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) updateAgentGauges() {
	if s.metrics == nil {
		return
	}
	counts := map[string]int{string(models.RoleLeader): 0, string(models.RoleWorker): 0}
	for _, agent := range s.agents.ListAll(false) {
		counts[string(agent.Role)]++
	}
	for role, count := range counts {
		s.metrics.SetRegisteredAgents(role, count)
	}
}
