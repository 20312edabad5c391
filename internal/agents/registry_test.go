package agents

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// testRegistry builds a registry with a controllable clock. Tests
// advance time by mutating the returned pointer.
func testRegistry(t *testing.T, cfg Config) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(cfg)
	r.nowFn = func() time.Time { return now }
	return r, &now
}

func TestRegisterFirstLeaderGranted(t *testing.T) {
	r, _ := testRegistry(t, Config{})

	agent, msg := r.Register(RegisterParams{
		ModelName: "claude-4",
		Role:      models.RoleLeader,
		AgentID:   "leader_alpha",
	})
	if agent.Role != models.RoleLeader {
		t.Fatalf("role = %q, want %q", agent.Role, models.RoleLeader)
	}
	if agent.Status != models.StatusIdle {
		t.Errorf("status = %q, want %q", agent.Status, models.StatusIdle)
	}
	if want := "agent leader_alpha registered as leader"; msg != want {
		t.Errorf("message = %q, want %q", msg, want)
	}

	leader, ok := r.Leader()
	if !ok {
		t.Fatal("expected a leader after registration")
	}
	if leader.AgentID != "leader_alpha" {
		t.Errorf("leader = %q, want leader_alpha", leader.AgentID)
	}
}

func TestRegisterSecondLeaderBecomesWorker(t *testing.T) {
	r, _ := testRegistry(t, Config{})

	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	agent, msg := r.Register(RegisterParams{ModelName: "gpt-5", Role: models.RoleLeader, AgentID: "leader_bravo"})

	if agent.Role != models.RoleWorker {
		t.Fatalf("role = %q, want %q", agent.Role, models.RoleWorker)
	}
	wantMsg := "leader leader_alpha is already active; agent leader_bravo registered as worker"
	if msg != wantMsg {
		t.Errorf("message = %q, want %q", msg, wantMsg)
	}

	workers := r.Workers("")
	if len(workers) != 1 || workers[0].AgentID != "leader_bravo" {
		t.Errorf("workers = %+v, want just leader_bravo", workers)
	}
}

// An agent registering with a leader-eligible identifier takes over
// once the sitting leader goes silent past the heartbeat timeout.
func TestLeaderFailover(t *testing.T) {
	r, now := testRegistry(t, Config{HeartbeatTimeout: 30 * time.Second})

	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", Role: models.RoleLeader, AgentID: "leader_bravo"})

	// Only bravo keeps heartbeating.
	*now = now.Add(10 * time.Second)
	if _, err := r.Heartbeat("leader_bravo", "", ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// 35s after alpha's last heartbeat, 25s after bravo's.
	*now = now.Add(25 * time.Second)

	leader, ok := r.Leader()
	if !ok {
		t.Fatal("expected a promoted leader after failover")
	}
	if leader.AgentID != "leader_bravo" {
		t.Errorf("leader = %q, want leader_bravo", leader.AgentID)
	}
	if leader.Role != models.RoleLeader {
		t.Errorf("promoted role = %q, want %q", leader.Role, models.RoleLeader)
	}
	if _, ok := r.Get("leader_alpha"); ok {
		t.Error("leader_alpha should have been reaped")
	}
}

func TestLeaderDeathWithoutEligibleSuccessor(t *testing.T) {
	r, now := testRegistry(t, Config{HeartbeatTimeout: 30 * time.Second})

	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})

	*now = now.Add(10 * time.Second)
	r.Heartbeat("worker_bravo", "", "")
	*now = now.Add(25 * time.Second)

	if _, ok := r.Leader(); ok {
		t.Fatal("expected no leader: worker_bravo is not leader-eligible")
	}

	// The seat being empty, a fresh leader registration succeeds.
	agent, _ := r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_charlie"})
	if agent.Role != models.RoleLeader {
		t.Errorf("role = %q, want %q", agent.Role, models.RoleLeader)
	}
}

func TestReRegisterRefreshesHeartbeat(t *testing.T) {
	r, now := testRegistry(t, Config{HeartbeatTimeout: 30 * time.Second})

	first, _ := r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})

	*now = now.Add(20 * time.Second)
	second, msg := r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})

	if second.AgentID != first.AgentID {
		t.Fatalf("re-register produced a new agent %q", second.AgentID)
	}
	if !second.LastHeartbeat.After(first.LastHeartbeat) {
		t.Error("re-register should refresh the heartbeat")
	}
	if want := "agent worker_alpha already registered; heartbeat refreshed"; msg != want {
		t.Errorf("message = %q, want %q", msg, want)
	}
	if got := len(r.ListAll(true)); got != 1 {
		t.Errorf("agent count = %d, want 1", got)
	}
}

func TestRegisterGeneratesAgentID(t *testing.T) {
	r, _ := testRegistry(t, Config{})

	agent, _ := r.Register(RegisterParams{ModelName: "Claude 4 Opus"})

	idPattern := regexp.MustCompile(`^[a-z0-9\-_.]+_\d{8}_\d{6}_[0-9a-f]{8}$`)
	if !idPattern.MatchString(agent.AgentID) {
		t.Errorf("agent id %q does not match expected format", agent.AgentID)
	}
	if agent.Role != models.RoleWorker {
		t.Errorf("default role = %q, want %q", agent.Role, models.RoleWorker)
	}
}

func TestHeartbeatUpdatesStatusAndTask(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})

	agent, err := r.Heartbeat("worker_alpha", models.StatusBusy, "task-42")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if agent.Status != models.StatusBusy {
		t.Errorf("status = %q, want %q", agent.Status, models.StatusBusy)
	}
	if agent.CurrentTaskID != "task-42" {
		t.Errorf("task = %q, want task-42", agent.CurrentTaskID)
	}

	// Omitting the status leaves it untouched.
	agent, err = r.Heartbeat("worker_alpha", "", "")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if agent.Status != models.StatusBusy {
		t.Errorf("status after blank heartbeat = %q, want %q", agent.Status, models.StatusBusy)
	}

	if _, err := r.Heartbeat("worker_alpha", "zombie", ""); err == nil {
		t.Error("expected an error for an invalid status")
	}
}

func TestHeartbeatAfterTimeoutIsRejected(t *testing.T) {
	r, now := testRegistry(t, Config{HeartbeatTimeout: 30 * time.Second})
	r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})

	*now = now.Add(31 * time.Second)

	_, err := r.Heartbeat("worker_alpha", "", "")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestDeregisterLeaderPromotesSuccessor(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "leader_bravo"})

	if err := r.Deregister("leader_alpha"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	leader, ok := r.Leader()
	if !ok || leader.AgentID != "leader_bravo" {
		t.Fatalf("leader after deregister = %+v, want leader_bravo", leader)
	}

	if err := r.Deregister("ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("deregister ghost: err = %v, want ErrAgentNotFound", err)
	}
}

func TestUpdateRole(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "leader_bravo"})

	if _, err := r.UpdateRole("leader_bravo", models.RoleLeader); !errors.Is(err, ErrLeaderExists) {
		t.Fatalf("promote with sitting leader: err = %v, want ErrLeaderExists", err)
	}

	// Demoting the leader vacates the seat and promotes bravo.
	agent, err := r.UpdateRole("leader_alpha", models.RoleWorker)
	if err != nil {
		t.Fatalf("demote: %v", err)
	}
	if agent.Role != models.RoleWorker {
		t.Errorf("demoted role = %q, want %q", agent.Role, models.RoleWorker)
	}
	leader, ok := r.Leader()
	if !ok || leader.AgentID != "leader_bravo" {
		t.Fatalf("leader after demotion = %+v, want leader_bravo", leader)
	}

	if _, err := r.UpdateRole("leader_alpha", "referee"); err == nil {
		t.Error("expected an error for an invalid role")
	}
}

func TestListAllFiltersSelfReportedDead(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})
	if _, err := r.Heartbeat("worker_bravo", models.StatusDead, ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	alive := r.ListAll(false)
	if len(alive) != 1 || alive[0].AgentID != "worker_alpha" {
		t.Errorf("ListAll(false) = %+v, want just worker_alpha", alive)
	}
	all := r.ListAll(true)
	if len(all) != 2 {
		t.Errorf("ListAll(true) returned %d agents, want 2", len(all))
	}
}

func TestWorkersFilterByStatus(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_charlie"})
	r.Heartbeat("worker_charlie", models.StatusBusy, "task-1")

	busy := r.Workers(models.StatusBusy)
	if len(busy) != 1 || busy[0].AgentID != "worker_charlie" {
		t.Errorf("busy workers = %+v, want just worker_charlie", busy)
	}
	all := r.Workers("")
	if len(all) != 2 {
		t.Errorf("workers = %d, want 2 (leader excluded)", len(all))
	}
}

func TestStats(t *testing.T) {
	r, _ := testRegistry(t, Config{HeartbeatTimeout: 45 * time.Second})
	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})
	r.Heartbeat("worker_bravo", models.StatusBusy, "")

	s := r.Stats()
	if s.TotalAgents != 2 {
		t.Errorf("total = %d, want 2", s.TotalAgents)
	}
	if s.LeaderID != "leader_alpha" {
		t.Errorf("leader_id = %q, want leader_alpha", s.LeaderID)
	}
	if s.Workers != 1 {
		t.Errorf("workers = %d, want 1", s.Workers)
	}
	if s.ByStatus[models.StatusBusy] != 1 || s.ByStatus[models.StatusIdle] != 1 {
		t.Errorf("by_status = %v, want one busy and one idle", s.ByStatus)
	}
	if s.HeartbeatTimeoutSeconds != 45 {
		t.Errorf("timeout seconds = %v, want 45", s.HeartbeatTimeoutSeconds)
	}
}

func TestPurgeDead(t *testing.T) {
	r, now := testRegistry(t, Config{HeartbeatTimeout: 30 * time.Second})
	r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_charlie"})
	r.Heartbeat("worker_charlie", models.StatusDead, "")

	// Alpha expires; charlie self-reported dead but keeps heartbeating.
	*now = now.Add(20 * time.Second)
	r.Heartbeat("worker_bravo", "", "")
	r.Heartbeat("worker_charlie", "", "")
	*now = now.Add(15 * time.Second)

	if got := r.PurgeDead(); got != 2 {
		t.Errorf("purged = %d, want 2 (expired alpha plus dead charlie)", got)
	}
	if got := len(r.ListAll(true)); got != 1 {
		t.Errorf("remaining = %d, want 1", got)
	}
}

func TestPurgeAll(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	r.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	r.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})

	if got := r.PurgeAll(); got != 2 {
		t.Errorf("purged = %d, want 2", got)
	}
	if got := len(r.ListAll(true)); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
	if _, ok := r.Leader(); ok {
		t.Error("leader should be cleared by PurgeAll")
	}
}

func TestSetHeartbeatTimeoutFloor(t *testing.T) {
	r, _ := testRegistry(t, Config{})

	if got := r.SetHeartbeatTimeout(10 * time.Millisecond); got != MinHeartbeatTimeout {
		t.Errorf("applied timeout = %v, want floor %v", got, MinHeartbeatTimeout)
	}
	if got := r.SetHeartbeatTimeout(2 * time.Minute); got != 2*time.Minute {
		t.Errorf("applied timeout = %v, want 2m", got)
	}
	if got := r.HeartbeatTimeout(); got != 2*time.Minute {
		t.Errorf("HeartbeatTimeout = %v, want 2m", got)
	}
}

func TestShrinkingTimeoutReapsImmediately(t *testing.T) {
	r, now := testRegistry(t, Config{HeartbeatTimeout: time.Minute})
	r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})

	*now = now.Add(10 * time.Second)
	r.SetHeartbeatTimeout(5 * time.Second)

	if got := len(r.ListAll(true)); got != 0 {
		t.Errorf("agents = %d, want 0 after the window shrank below the silence", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "agents.json")

	first := NewRegistry(Config{PersistPath: path, HeartbeatTimeout: 45 * time.Second})
	first.Register(RegisterParams{ModelName: "claude-4", Role: models.RoleLeader, AgentID: "leader_alpha"})
	first.Register(RegisterParams{ModelName: "gpt-5", AgentID: "worker_bravo"})
	first.Heartbeat("worker_bravo", models.StatusBusy, "task-7")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	for _, key := range []string{"leader_id", "heartbeat_timeout", "agents", "updated_at"} {
		if _, ok := snapshot[key]; !ok {
			t.Errorf("snapshot missing key %q", key)
		}
	}

	second := NewRegistry(Config{PersistPath: path})
	agents := second.ListAll(true)
	if len(agents) != 2 {
		t.Fatalf("restored %d agents, want 2", len(agents))
	}
	leader, ok := second.Leader()
	if !ok || leader.AgentID != "leader_alpha" {
		t.Errorf("restored leader = %+v, want leader_alpha", leader)
	}
	if got := second.HeartbeatTimeout(); got != 45*time.Second {
		t.Errorf("restored timeout = %v, want 45s", got)
	}
	bravo, ok := second.Get("worker_bravo")
	if !ok {
		t.Fatal("worker_bravo not restored")
	}
	if bravo.Status != models.StatusBusy || bravo.CurrentTaskID != "task-7" {
		t.Errorf("restored bravo = %+v, want busy on task-7", bravo)
	}
}

// Restored agents must survive their first timeout window even though
// the snapshot's heartbeats predate the restart.
func TestRestoreResetsHeartbeats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")

	// Write a snapshot whose heartbeats are long in the past.
	stale := NewRegistry(Config{HeartbeatTimeout: time.Second})
	stale.persistPath = path
	past := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stale.nowFn = func() time.Time { return past }
	stale.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})

	second := NewRegistry(Config{PersistPath: path, HeartbeatTimeout: time.Second})
	agent, ok := second.Get("worker_alpha")
	if !ok {
		t.Fatal("worker_alpha should survive the restart grace period")
	}
	if !agent.LastHeartbeat.After(past) {
		t.Errorf("heartbeat %v was not reset on restore", agent.LastHeartbeat)
	}
}

func TestCorruptSnapshotIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(Config{PersistPath: path})
	if got := len(r.ListAll(true)); got != 0 {
		t.Errorf("agents = %d, want 0 from a corrupt snapshot", got)
	}

	// The registry still works and overwrites the bad file.
	r.Register(RegisterParams{ModelName: "claude-4", AgentID: "worker_alpha"})
	if got := len(r.ListAll(true)); got != 1 {
		t.Errorf("agents = %d, want 1", got)
	}
}
