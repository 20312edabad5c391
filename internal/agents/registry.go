// Package agents tracks the fleet of coordinating agent processes: at
// most one leader plus any number of workers, with liveness decided by
// heartbeat recency. Dead agents are removed inline during reads and
// writes rather than by a background sweeper, so liveness is always
// evaluated against the current clock.
package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// DefaultHeartbeatTimeout is how long an agent may go silent
	// before it is considered dead.
	DefaultHeartbeatTimeout = 30 * time.Second

	// MinHeartbeatTimeout is the floor applied to configured and
	// runtime-adjusted timeouts.
	MinHeartbeatTimeout = 100 * time.Millisecond
)

var (
	// ErrAgentNotFound is returned when an operation names an agent
	// that is not registered (or has already been reaped).
	ErrAgentNotFound = errors.New("agent not found")

	// ErrLeaderExists is returned when a role change would create a
	// second leader.
	ErrLeaderExists = errors.New("a leader is already registered")
)

// Config holds registry construction options.
type Config struct {
	// PersistPath is the JSON snapshot location. Empty disables
	// persistence entirely.
	PersistPath string

	// HeartbeatTimeout overrides DefaultHeartbeatTimeout when > 0.
	HeartbeatTimeout time.Duration

	Logger *slog.Logger
}

// RegisterParams describes a registration request.
type RegisterParams struct {
	ModelName    string
	Role         models.AgentRole
	Capabilities []string
	// AgentID, when set, requests a specific identifier. Re-using an
	// existing identifier refreshes that agent instead of creating a
	// new one.
	AgentID      string
	PTYSessionID string
}

// Stats summarizes the registry for monitoring endpoints.
type Stats struct {
	TotalAgents             int                        `json:"total_agents"`
	LeaderID                string                     `json:"leader_id,omitempty"`
	Workers                 int                        `json:"workers"`
	ByStatus                map[models.AgentStatus]int `json:"by_status"`
	HeartbeatTimeoutSeconds float64                    `json:"heartbeat_timeout_seconds"`
}

// persistedState is the on-disk snapshot shape. The timeout is stored
// in seconds. Unknown fields in an existing file are ignored on load
// so older snapshots stay readable.
type persistedState struct {
	LeaderID         string                   `json:"leader_id,omitempty"`
	HeartbeatTimeout float64                  `json:"heartbeat_timeout"`
	Agents           map[string]*models.Agent `json:"agents"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// Registry is the in-memory agent table. A single mutex guards every
// operation, including reads, because reads reap expired agents as a
// side effect.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*models.Agent
	leaderID string
	timeout  time.Duration

	persistPath string
	logger      *slog.Logger

	nowFn func() time.Time
}

// NewRegistry builds a registry and restores any persisted snapshot.
// Restored agents get their heartbeats reset to the current time so a
// restart does not mass-reap a previously healthy fleet.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if timeout < MinHeartbeatTimeout {
		timeout = MinHeartbeatTimeout
	}

	r := &Registry{
		agents:      make(map[string]*models.Agent),
		timeout:     timeout,
		persistPath: cfg.PersistPath,
		logger:      logger.With("component", "agents"),
		nowFn:       time.Now,
	}
	r.restore()
	return r
}

// Register admits an agent into the fleet. The returned message is a
// human-readable note for the caller, for example explaining that a
// requested leader role was denied because a leader is already active.
func (r *Registry) Register(params RegisterParams) (models.Agent, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	r.reapLocked(now)

	// Re-registration under an existing identifier refreshes the
	// agent rather than minting a duplicate.
	if params.AgentID != "" {
		if existing, ok := r.agents[params.AgentID]; ok {
			existing.LastHeartbeat = now
			if existing.Status == models.StatusDead {
				existing.Status = models.StatusIdle
			}
			msg := fmt.Sprintf("agent %s already registered; heartbeat refreshed", existing.AgentID)
			if r.leaderID == "" && existing.LeaderEligible() {
				existing.Role = models.RoleLeader
				r.leaderID = existing.AgentID
				msg = fmt.Sprintf("agent %s re-registered and promoted to leader", existing.AgentID)
				r.logger.Info("agent promoted to leader on re-registration", "agent_id", existing.AgentID)
			}
			r.persistLocked(now)
			return *existing, msg
		}
	}

	id := params.AgentID
	if id == "" {
		id = models.NewAgentID(params.ModelName, now)
	}

	role := params.Role
	if role == "" {
		role = models.RoleWorker
	}

	var msg string
	switch {
	case role == models.RoleLeader && r.leaderID == "":
		r.leaderID = id
		msg = fmt.Sprintf("agent %s registered as leader", id)
	case role == models.RoleLeader:
		role = models.RoleWorker
		msg = fmt.Sprintf("leader %s is already active; agent %s registered as worker", r.leaderID, id)
	default:
		msg = fmt.Sprintf("agent %s registered as worker", id)
	}

	agent := &models.Agent{
		AgentID:       id,
		ModelName:     params.ModelName,
		Role:          role,
		Status:        models.StatusIdle,
		Capabilities:  params.Capabilities,
		PTYSessionID:  params.PTYSessionID,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.agents[id] = agent
	r.logger.Info("agent registered",
		"agent_id", id,
		"role", role,
		"model", params.ModelName)

	r.persistLocked(now)
	return *agent, msg
}

// Heartbeat refreshes an agent's liveness and optionally updates its
// status and current task. An agent that outlived the timeout has
// already been reaped and must register again.
func (r *Registry) Heartbeat(agentID string, status models.AgentStatus, currentTaskID string) (models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	r.reapLocked(now)

	agent, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, fmt.Errorf("heartbeat from %s: %w", agentID, ErrAgentNotFound)
	}
	if status != "" {
		if !validStatus(status) {
			return models.Agent{}, fmt.Errorf("invalid status %q", status)
		}
		agent.Status = status
	}
	if currentTaskID != "" {
		agent.CurrentTaskID = currentTaskID
	}
	agent.LastHeartbeat = now

	r.persistLocked(now)
	return *agent, nil
}

// Deregister removes an agent. Removing the leader clears leadership
// and immediately runs the promotion scan.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	r.reapLocked(now)

	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("deregister %s: %w", agentID, ErrAgentNotFound)
	}
	delete(r.agents, agentID)
	if r.leaderID == agentID {
		r.leaderID = ""
		r.promoteLocked()
	}
	r.logger.Info("agent deregistered", "agent_id", agentID)

	r.persistLocked(now)
	return nil
}

// UpdateRole changes an agent's role. Promotion to leader fails while
// another live leader exists; demoting the current leader vacates the
// seat and lets an eligible agent take over.
func (r *Registry) UpdateRole(agentID string, role models.AgentRole) (models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	r.reapLocked(now)

	agent, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, fmt.Errorf("update role for %s: %w", agentID, ErrAgentNotFound)
	}
	if !role.Valid() {
		return models.Agent{}, fmt.Errorf("invalid role %q", role)
	}

	switch role {
	case models.RoleLeader:
		if r.leaderID != "" && r.leaderID != agentID {
			return models.Agent{}, fmt.Errorf("promote %s: %w (current leader %s)", agentID, ErrLeaderExists, r.leaderID)
		}
		agent.Role = models.RoleLeader
		r.leaderID = agentID
	case models.RoleWorker:
		agent.Role = models.RoleWorker
		if r.leaderID == agentID {
			r.leaderID = ""
			r.promoteLocked()
		}
	}
	r.logger.Info("agent role updated", "agent_id", agentID, "role", role)

	r.persistLocked(now)
	return *agent, nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (models.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked(r.nowFn())

	agent, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, false
	}
	return *agent, true
}

// ListAll returns every registered agent sorted by identifier. Agents
// past the heartbeat timeout are reaped first, so the listing only
// ever contains live entries; includeDead controls whether agents that
// self-reported a dead status (but are still heartbeating) appear.
func (r *Registry) ListAll(includeDead bool) []models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked(r.nowFn())

	out := make([]models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if !includeDead && agent.Status == models.StatusDead {
			continue
		}
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Leader returns the current leader, if one exists.
func (r *Registry) Leader() (models.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked(r.nowFn())

	if r.leaderID == "" {
		return models.Agent{}, false
	}
	agent, ok := r.agents[r.leaderID]
	if !ok {
		return models.Agent{}, false
	}
	return *agent, true
}

// Workers returns all worker agents, optionally filtered by status.
func (r *Registry) Workers(status models.AgentStatus) []models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked(r.nowFn())

	var out []models.Agent
	for _, agent := range r.agents {
		if agent.Role != models.RoleWorker {
			continue
		}
		if status != "" && agent.Status != status {
			continue
		}
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stats summarizes the fleet after reaping.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked(r.nowFn())

	s := Stats{
		TotalAgents:             len(r.agents),
		LeaderID:                r.leaderID,
		ByStatus:                make(map[models.AgentStatus]int),
		HeartbeatTimeoutSeconds: r.timeout.Seconds(),
	}
	for _, agent := range r.agents {
		s.ByStatus[agent.Status]++
		if agent.Role == models.RoleWorker {
			s.Workers++
		}
	}
	return s
}

// PurgeDead removes expired agents plus any that self-reported a dead
// status, returning how many were removed.
func (r *Registry) PurgeDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	removed := r.reapLocked(now)
	for id, agent := range r.agents {
		if agent.Status != models.StatusDead {
			continue
		}
		delete(r.agents, id)
		removed++
		if r.leaderID == id {
			r.leaderID = ""
		}
	}
	if r.leaderID == "" {
		r.promoteLocked()
	}
	if removed > 0 {
		r.logger.Info("purged dead agents", "count", removed)
	}

	r.persistLocked(now)
	return removed
}

// PurgeAll empties the registry, leadership included.
func (r *Registry) PurgeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := len(r.agents)
	r.agents = make(map[string]*models.Agent)
	r.leaderID = ""
	r.logger.Info("purged all agents", "count", removed)

	r.persistLocked(r.nowFn())
	return removed
}

// SetHeartbeatTimeout adjusts the liveness window at runtime, clamped
// to MinHeartbeatTimeout, and returns the applied value.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d < MinHeartbeatTimeout {
		d = MinHeartbeatTimeout
	}
	r.timeout = d
	r.logger.Info("heartbeat timeout updated", "timeout", d)

	now := r.nowFn()
	r.reapLocked(now)
	r.persistLocked(now)
	return d
}

// HeartbeatTimeout returns the current liveness window.
func (r *Registry) HeartbeatTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// reapLocked deletes every agent whose heartbeat is older than the
// timeout. If the leader dies, or no leader is seated after the pass,
// the first eligible agent (identifier prefixed "leader_") is
// promoted. Caller must hold r.mu. Returns the number reaped.
func (r *Registry) reapLocked(now time.Time) int {
	reaped := 0
	for id, agent := range r.agents {
		if agent.Alive(now, r.timeout) {
			continue
		}
		delete(r.agents, id)
		reaped++
		if r.leaderID == id {
			r.leaderID = ""
		}
		r.logger.Info("reaped dead agent",
			"agent_id", id,
			"last_heartbeat", agent.LastHeartbeat)
	}
	if r.leaderID == "" {
		r.promoteLocked()
	}
	return reaped
}

// promoteLocked seats the lexicographically first leader-eligible
// agent when the leader seat is empty. Caller must hold r.mu.
func (r *Registry) promoteLocked() {
	if r.leaderID != "" {
		return
	}
	candidates := make([]string, 0, len(r.agents))
	for id, agent := range r.agents {
		if agent.LeaderEligible() {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Strings(candidates)
	id := candidates[0]
	r.agents[id].Role = models.RoleLeader
	r.leaderID = id
	r.logger.Info("agent promoted to leader", "agent_id", id)
}

// persistLocked writes the snapshot to disk via a temp file rename.
// Persistence failures are logged, not fatal; the in-memory table
// remains authoritative. Caller must hold r.mu.
func (r *Registry) persistLocked(now time.Time) {
	if r.persistPath == "" {
		return
	}
	state := persistedState{
		LeaderID:         r.leaderID,
		HeartbeatTimeout: r.timeout.Seconds(),
		Agents:           r.agents,
		UpdatedAt:        now,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		r.logger.Warn("failed to marshal agent registry", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.persistPath), 0o755); err != nil {
		r.logger.Warn("failed to create registry directory", "error", err)
		return
	}
	tmp := r.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Warn("failed to write agent registry", "error", err)
		return
	}
	if err := os.Rename(tmp, r.persistPath); err != nil {
		r.logger.Warn("failed to replace agent registry", "error", err)
	}
}

// restore loads a persisted snapshot. Every restored agent gets its
// heartbeat reset to now so agents have a full timeout window to check
// in after a restart.
func (r *Registry) restore() {
	if r.persistPath == "" {
		return
	}
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read agent registry", "error", err)
		}
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		r.logger.Warn("failed to parse agent registry", "error", err)
		return
	}

	now := r.nowFn()
	for id, agent := range state.Agents {
		if agent == nil || id == "" {
			continue
		}
		agent.LastHeartbeat = now
		r.agents[id] = agent
	}
	if state.HeartbeatTimeout > 0 {
		timeout := time.Duration(state.HeartbeatTimeout * float64(time.Second))
		if timeout < MinHeartbeatTimeout {
			timeout = MinHeartbeatTimeout
		}
		r.timeout = timeout
	}
	if _, ok := r.agents[state.LeaderID]; ok {
		r.leaderID = state.LeaderID
	}
	if len(r.agents) > 0 {
		r.logger.Info("restored agent registry",
			"agents", len(r.agents),
			"leader_id", r.leaderID)
	}
}

func validStatus(s models.AgentStatus) bool {
	switch s {
	case models.StatusIdle, models.StatusBusy, models.StatusDead:
		return true
	}
	return false
}
