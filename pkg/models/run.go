package models

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// RunIDPattern validates run ids at the edge. The strict shape
// (date_time_randomhex) keeps ids sortable and blocks path-traversal abuse
// before an id ever touches the filesystem.
var RunIDPattern = regexp.MustCompile(`^[0-9]{8}_[0-9]{6}_[0-9a-f]{8}$`)

// ValidRunID reports whether id matches the required run id shape.
func ValidRunID(id string) bool {
	return RunIDPattern.MatchString(id)
}

// NewRunID generates a run id: YYYYMMDD_HHMMSS_{8-hex}.
func NewRunID(now time.Time) string {
	return now.Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

// ContextPack is the payload a leader persists for a worker run. Workers
// must present a run id whose pack exists before they may stream.
type ContextPack struct {
	RunID        string         `json:"run_id"`
	Task         string         `json:"task"`
	LeaderID     string         `json:"leader_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	MaxToolCalls int            `json:"max_tool_calls,omitempty"`
	Files        []string       `json:"files,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
