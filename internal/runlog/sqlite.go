package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists run records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_records (
			id TEXT PRIMARY KEY,
			thread_id TEXT,
			run_id TEXT,
			agent_id TEXT,
			backend TEXT NOT NULL,
			model TEXT,
			outcome TEXT NOT NULL,
			stop_reason TEXT,
			turns INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create run_records table: %w", err)
	}

	if _, err := s.db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_run_records_created ON run_records(created_at)",
	); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records
		 (id, thread_id, run_id, agent_id, backend, model, outcome, stop_reason,
		  turns, tool_calls, input_tokens, output_tokens, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.ThreadID,
		rec.RunID,
		rec.AgentID,
		rec.Backend,
		rec.Model,
		rec.Outcome,
		rec.StopReason,
		rec.Turns,
		rec.ToolCalls,
		rec.InputTokens,
		rec.OutputTokens,
		rec.DurationMS,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, run_id, agent_id, backend, model, outcome, stop_reason,
		        turns, tool_calls, input_tokens, output_tokens, duration_ms, created_at
		 FROM run_records
		 ORDER BY created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLiteStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        coalesce(sum(tool_calls), 0),
		        coalesce(sum(input_tokens), 0),
		        coalesce(sum(output_tokens), 0)
		 FROM run_records`,
	).Scan(&t.Runs, &t.ToolCalls, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("total runs: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanRecords drains a result set whose columns match the record SELECT list.
func scanRecords(rows *sql.Rows) ([]*Record, error) {
	records := []*Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.ThreadID,
			&rec.RunID,
			&rec.AgentID,
			&rec.Backend,
			&rec.Model,
			&rec.Outcome,
			&rec.StopReason,
			&rec.Turns,
			&rec.ToolCalls,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.DurationMS,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}
