package tilth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists checkpoints and dead-letter entries in PostgreSQL.
// It implements both Checkpointer and DeadLetterStore so a run shares one
// connection pool for all durable state.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tilth_runs (
	run_id        TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	status        TEXT NOT NULL,
	state         JSONB NOT NULL,
	start_time    TIMESTAMPTZ,
	end_time      TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tilth_dead_letters (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	item_index INT NOT NULL,
	entry      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tilth_dead_letters_run_idx ON tilth_dead_letters (run_id);
`

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, state *RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tilth_runs (run_id, workflow_name, status, state, start_time, end_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			end_time = EXCLUDED.end_time,
			updated_at = now()`,
		state.RunID, state.WorkflowName, string(state.Status), data,
		nullTime(state.StartTime), nullTime(state.EndTime))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, runID string) (*RunState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM tilth_runs WHERE run_id = $1`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tilth_runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tilth_dead_letters WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow_name, status, start_time, end_time
		FROM tilth_runs ORDER BY start_time DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []*RunSummary
	for rows.Next() {
		var summary RunSummary
		var start, end sql.NullTime
		if err := rows.Scan(&summary.RunID, &summary.WorkflowName, &summary.Status, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		summary.StartTime = start.Time
		summary.EndTime = end.Time
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, entry *DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tilth_dead_letters (run_id, item_index, entry)
		VALUES ($1, $2, $3)`,
		entry.RunID, entry.ItemIndex, data); err != nil {
		return fmt.Errorf("failed to append dead letter entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, runID string) ([]*DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM tilth_dead_letters WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("corrupt dead letter entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Remove(ctx context.Context, runID string, itemIndices []int) error {
	if len(itemIndices) == 0 {
		return nil
	}
	for _, idx := range itemIndices {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM tilth_dead_letters WHERE run_id = $1 AND item_index = $2`,
			runID, idx); err != nil {
			return fmt.Errorf("failed to remove dead letter entry: %w", err)
		}
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
