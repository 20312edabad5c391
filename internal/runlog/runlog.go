// Package runlog records completed chat runs for usage reporting.
//
// Every run the gateway finishes (success, interrupt, or error) becomes one
// append-only record carrying its backend, token usage, and outcome. Three
// stores implement the interface: in-memory (default), SQLite for
// single-node deployments, and Postgres for shared ones.
package runlog

import (
	"context"
	"fmt"
	"time"
)

// Record is one completed chat run.
type Record struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Backend      string    `json:"backend"`
	Model        string    `json:"model"`
	Outcome      string    `json:"outcome"`
	StopReason   string    `json:"stop_reason,omitempty"`
	Turns        int       `json:"turns"`
	ToolCalls    int       `json:"tool_calls"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Totals aggregates the whole log for the usage endpoint.
type Totals struct {
	Runs         int `json:"runs"`
	ToolCalls    int `json:"tool_calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Store persists run records.
type Store interface {
	// Record appends one completed run. A blank ID is filled in.
	Record(ctx context.Context, rec *Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)

	// Totals aggregates all recorded runs.
	Totals(ctx context.Context) (Totals, error)

	// Close releases any underlying resources.
	Close() error
}

// Config selects and configures a run log store.
type Config struct {
	// Driver is "memory", "sqlite", or "postgres". Empty means memory.
	Driver string

	// Path is the SQLite database file.
	Path string

	// DSN is the Postgres connection string.
	DSN string
}

// Open builds the store the config names.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStoreFromDSN(cfg.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown runlog driver %q", cfg.Driver)
	}
}
