package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database described by dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_history (
    id                   TEXT PRIMARY KEY,
    pipeline_id          TEXT NOT NULL,
    pipeline_name        TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL CHECK(status IN ('completed','failed','cancelled')),
    started_at           TIMESTAMPTZ NOT NULL,
    finished_at          TIMESTAMPTZ NOT NULL,
    duration_ms          BIGINT NOT NULL DEFAULT 0,
    step_count           INTEGER NOT NULL DEFAULT 0,
    completed_step_count INTEGER NOT NULL DEFAULT 0,
    error_message        TEXT NOT NULL DEFAULT '',
    output               JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_history_pipeline ON run_history(pipeline_id, finished_at DESC);
`

// Migrate applies the database schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, postgresSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS run_history, schema_version`); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return s.Migrate(ctx)
}

// Save upserts a record.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	output, err := encodeOutput(rec.Output)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_history
		 (id, pipeline_id, pipeline_name, status, started_at, finished_at, duration_ms, step_count, completed_step_count, error_message, output)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   finished_at = EXCLUDED.finished_at,
		   duration_ms = EXCLUDED.duration_ms,
		   completed_step_count = EXCLUDED.completed_step_count,
		   error_message = EXCLUDED.error_message,
		   output = EXCLUDED.output`,
		rec.ID, rec.PipelineID, rec.PipelineName, rec.Status, rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
		rec.DurationMs, rec.StepCount, rec.CompletedStepCount, rec.ErrorMessage, output,
	)
	if err != nil {
		return fmt.Errorf("save history record: %w", err)
	}
	return nil
}

const postgresSelect = `SELECT id, pipeline_id, pipeline_name, status, started_at, finished_at, duration_ms,
	step_count, completed_step_count, error_message, output FROM run_history`

// Get returns one record.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanPostgres(s.pool.QueryRow(ctx, postgresSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get history record: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if f.PipelineID != "" {
		args = append(args, f.PipelineID)
		where = append(where, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := postgresSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY finished_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a record.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM run_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanPostgres(row pgx.Row) (*Record, error) {
	var r Record
	var output []byte
	if err := row.Scan(&r.ID, &r.PipelineID, &r.PipelineName, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.DurationMs, &r.StepCount, &r.CompletedStepCount, &r.ErrorMessage, &output); err != nil {
		return nil, err
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &r.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return &r, nil
}
