package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps history in a local SQLite database.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// DefaultDBPath returns ~/.flowwatch/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".flowwatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// OpenSQLite opens or creates the database at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &SQLiteStore{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_history (
    id                   TEXT PRIMARY KEY,
    pipeline_id          TEXT NOT NULL,
    pipeline_name        TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL CHECK(status IN ('completed','failed','cancelled')),
    started_at           TEXT NOT NULL,
    finished_at          TEXT NOT NULL,
    duration_ms          INTEGER NOT NULL DEFAULT 0,
    step_count           INTEGER NOT NULL DEFAULT 0,
    completed_step_count INTEGER NOT NULL DEFAULT 0,
    error_message        TEXT,
    output               TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_history_pipeline ON run_history(pipeline_id, finished_at DESC);
`

// Migrate applies the database schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqliteSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, t := range []string{"run_history", "schema_version"} {
		if _, err := s.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return s.Migrate(ctx)
}

// Save inserts a record. Saving an id twice replaces the earlier row.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	output, err := encodeOutput(rec.Output)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_history
		 (id, pipeline_id, pipeline_name, status, started_at, finished_at, duration_ms, step_count, completed_step_count, error_message, output)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PipelineID, rec.PipelineName, rec.Status,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		rec.DurationMs, rec.StepCount, rec.CompletedStepCount, nullString(rec.ErrorMessage), output,
	)
	if err != nil {
		return fmt.Errorf("save history record: %w", err)
	}
	return nil
}

const sqliteSelect = `SELECT id, pipeline_id, pipeline_name, status, started_at, finished_at, duration_ms,
	step_count, completed_step_count, error_message, output FROM run_history`

// Get returns one record.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, sqliteSelect+` WHERE id = ?`, id)
	rec, err := scanSQLite(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get history record: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if f.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, f.PipelineID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := sqliteSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY finished_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM run_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*Record, error) {
	var r Record
	var started, finished, output string
	var errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.PipelineID, &r.PipelineName, &r.Status, &started, &finished,
		&r.DurationMs, &r.StepCount, &r.CompletedStepCount, &errMsg, &output); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	if r.Output, err = decodeOutput(output); err != nil {
		return nil, err
	}
	return &r, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeOutput(lines []OutputLine) (string, error) {
	if lines == nil {
		lines = []OutputLine{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("marshal output: %w", err)
	}
	return string(data), nil
}

func decodeOutput(s string) ([]OutputLine, error) {
	var lines []OutputLine
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &lines); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return lines, nil
}
