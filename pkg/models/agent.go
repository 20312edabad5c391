package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentRole distinguishes the single leader from its workers.
type AgentRole string

const (
	RoleLeader AgentRole = "leader"
	RoleWorker AgentRole = "worker"
)

// Valid reports whether the role is one of the two accepted values.
func (r AgentRole) Valid() bool {
	return r == RoleLeader || r == RoleWorker
}

// AgentStatus is the agent's self-reported activity state.
type AgentStatus string

const (
	StatusIdle AgentStatus = "idle"
	StatusBusy AgentStatus = "busy"
	StatusDead AgentStatus = "dead"
)

// Agent is one registered agent process. Liveness derives from
// LastHeartbeat; dead agents are deleted on reap rather than kept as
// tombstones.
type Agent struct {
	AgentID       string      `json:"agent_id"`
	ModelName     string      `json:"model_name"`
	Role          AgentRole   `json:"role"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	PTYSessionID  string      `json:"pty_session_id,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// Alive reports whether the agent heartbeated within the timeout.
func (a *Agent) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.LastHeartbeat) < timeout
}

// LeaderEligible reports whether the agent id opts into auto-promotion on
// leader death. The id prefix is the only signal the registry uses.
func (a *Agent) LeaderEligible() bool {
	return strings.HasPrefix(a.AgentID, "leader_")
}

// NewAgentID generates a sortable agent id: {model}_{YYYYMMDD_HHMMSS}_{8-hex}.
// Model names are sanitized so ids stay filesystem-safe when persisted.
func NewAgentID(modelName string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s",
		sanitizeIDComponent(modelName),
		now.Format("20060102_150405"),
		uuid.NewString()[:8],
	)
}

func sanitizeIDComponent(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "agent"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
