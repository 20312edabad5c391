package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver
)

// PostgresConfig configures connection pooling for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore persists run records in Postgres for shared deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a Postgres-backed run log using a DSN.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
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
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create run_records table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_run_records_created ON run_records(created_at)",
	); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
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
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
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

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, run_id, agent_id, backend, model, outcome, stop_reason,
		        turns, tool_calls, input_tokens, output_tokens, duration_ms, created_at
		 FROM run_records
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) Totals(ctx context.Context) (Totals, error) {
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
