package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDB(t *testing.T) *SQLiteStore {
	t.Helper()
	d, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleRecord(id, pipelineID string, finished time.Time) Record {
	return Record{
		ID:                 id,
		PipelineID:         pipelineID,
		PipelineName:       "Deploy " + pipelineID,
		Status:             "completed",
		StartedAt:          finished.Add(-3 * time.Second),
		FinishedAt:         finished,
		DurationMs:         3000,
		StepCount:          3,
		CompletedStepCount: 3,
		Output: []OutputLine{
			{StepID: "s1", StepName: "build", Content: "Starting step: build", Stream: "system", Timestamp: finished.Add(-3 * time.Second)},
			{StepID: "s1", StepName: "build", Content: "hello", Stream: "stdout", Timestamp: finished.Add(-2 * time.Second)},
		},
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	d, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range []string{"schema_version", "run_history"} {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	if err := d.Save(ctx, sampleRecord("r1", "p1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	recs, err := d.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list after reset: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records after reset, got %d", len(recs))
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, testDB(t))
}

func TestSQLiteStore_NilOutputRoundTrips(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	rec := sampleRecord("r1", "p1", time.Now())
	rec.Output = nil
	rec.Status = "failed"
	rec.ErrorMessage = "exit 2"
	if err := d.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := d.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Output) != 0 {
		t.Errorf("expected empty output, got %d lines", len(got.Output))
	}
	if got.ErrorMessage != "exit 2" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestSQLiteStore_RejectsNonTerminalStatus(t *testing.T) {
	d := testDB(t)
	rec := sampleRecord("r1", "p1", time.Now())
	rec.Status = "running"
	if err := d.Save(context.Background(), rec); err == nil {
		t.Fatal("expected constraint error for running status")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), DriverPostgres, ""); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/history.db"
	d, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := d.Save(ctx, sampleRecord("r1", "p1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
}

// runStoreContract exercises the behavior every Store shares.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []Record{
		sampleRecord("r1", "p1", base),
		sampleRecord("r2", "p2", base.Add(time.Minute)),
		sampleRecord("r3", "p1", base.Add(2*time.Minute)),
	}
	recs[1].Status = "cancelled"
	for _, r := range recs {
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PipelineName != "Deploy p1" || got.CompletedStepCount != 3 || got.DurationMs != 3000 {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.FinishedAt.Equal(base) {
		t.Errorf("finished at = %v, want %v", got.FinishedAt, base)
	}
	if len(got.Output) != 2 || got.Output[1].Content != "hello" || got.Output[1].Stream != "stdout" {
		t.Errorf("unexpected output: %+v", got.Output)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"r3", "r2", "r1"}},
		{"by pipeline", Filter{PipelineID: "p1"}, []string{"r3", "r1"}},
		{"by status", Filter{Status: "cancelled"}, []string{"r2"}},
		{"limit", Filter{Limit: 2}, []string{"r3", "r2"}},
		{"no match", Filter{PipelineID: "nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var ids []string
			for _, r := range list {
				ids = append(ids, r.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}

	if err := s.Delete(ctx, "r2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "r2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "r2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete twice: expected ErrNotFound, got %v", err)
	}
}
