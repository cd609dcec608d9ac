package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/flowwatch/internal/events"
)

type fakeBackend struct {
	id      string
	err     error
	calls   int
	opts    Options
	onStart func()
}

func (f *fakeBackend) RunBatch(ctx context.Context, script string, targets []string, opts Options) (string, error) {
	f.calls++
	f.opts = opts
	if f.onStart != nil {
		f.onStart()
	}
	return f.id, f.err
}

func TestRunBatchRequiresTargets(t *testing.T) {
	backend := &fakeBackend{id: "b1"}
	tr := NewTracker(backend, Config{})

	_, err := tr.RunBatch(context.Background(), "make test", nil, Options{})
	assert.ErrorIs(t, err, ErrNoTargets)
	assert.Equal(t, 0, backend.calls)
}

func TestRunBatchCreatesRunningExecution(t *testing.T) {
	backend := &fakeBackend{id: "b1"}
	tr := NewTracker(backend, Config{})

	id, err := tr.RunBatch(context.Background(), "make test", []string{"a", "b", "c"}, Options{Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, "b1", id)
	assert.True(t, backend.opts.Parallel)

	exec, ok := tr.Get("b1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, 3, exec.Progress.Total)
	assert.Equal(t, 0, exec.Progress.Completed)
	assert.Len(t, tr.Active(), 1)
}

func TestRunBatchBackendError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	tr := NewTracker(backend, Config{})

	_, err := tr.RunBatch(context.Background(), "x", []string{"a"}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, tr.Active())
}

func TestProgressUpdatesResults(t *testing.T) {
	tr := NewTracker(&fakeBackend{id: "b1"}, Config{})
	_, err := tr.RunBatch(context.Background(), "x", []string{"a", "b"}, Options{})
	require.NoError(t, err)

	assert.True(t, tr.HandleEvent(events.BatchProgress{
		ExecutionID:    "b1",
		Total:          2,
		Completed:      1,
		RunningTargets: []string{"b"},
		Results:        []events.TargetResult{{Target: "a", Success: false, ExitCode: 1}},
	}))
	// A retry of target a replaces its earlier result.
	tr.HandleEvent(events.BatchProgress{
		ExecutionID: "b1",
		Completed:   1,
		Results:     []events.TargetResult{{Target: "a", Success: true, Cached: true}},
	})

	exec, ok := tr.Get("b1")
	require.True(t, ok)
	assert.Equal(t, 1, exec.Progress.Completed)
	require.Len(t, exec.Results, 1)
	assert.True(t, exec.Results[0].Success)
	assert.True(t, exec.Results[0].Cached)
}

func TestCompletionIsIdempotent(t *testing.T) {
	tr := NewTracker(&fakeBackend{id: "b1"}, Config{})
	_, err := tr.RunBatch(context.Background(), "x", []string{"a"}, Options{})
	require.NoError(t, err)

	done := events.BatchCompleted{
		ExecutionID: "b1",
		Status:      "completed",
		Results:     []events.TargetResult{{Target: "a", Success: true}},
		DurationMs:  1200,
	}
	tr.HandleEvent(done)
	tr.HandleEvent(done)

	hist := tr.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCompleted, hist[0].Status)
	require.NotNil(t, hist[0].DurationMs)
	assert.Equal(t, int64(1200), *hist[0].DurationMs)
	assert.Equal(t, 1, hist[0].Progress.Completed)
	assert.Empty(t, tr.Active())
}

func TestProgressAfterCompletionIgnored(t *testing.T) {
	tr := NewTracker(&fakeBackend{id: "b1"}, Config{})
	_, err := tr.RunBatch(context.Background(), "x", []string{"a", "b"}, Options{})
	require.NoError(t, err)

	tr.HandleEvent(events.BatchCompleted{ExecutionID: "b1", Status: "failed"})
	tr.HandleEvent(events.BatchProgress{ExecutionID: "b1", Completed: 2})

	exec, ok := tr.Get("b1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 0, exec.Progress.Completed)
	assert.Empty(t, tr.Active())
}

func TestUnknownStatusIsFailure(t *testing.T) {
	tr := NewTracker(&fakeBackend{id: "b1"}, Config{})
	_, err := tr.RunBatch(context.Background(), "x", []string{"a"}, Options{})
	require.NoError(t, err)

	tr.HandleEvent(events.BatchCompleted{ExecutionID: "b1", Status: "weird"})
	exec, _ := tr.Get("b1")
	assert.Equal(t, StatusFailed, exec.Status)
}

func TestHistoryIsCappedNewestFirst(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTracker(backend, Config{HistorySize: 3})

	for i := 0; i < 5; i++ {
		backend.id = fmt.Sprintf("b%d", i)
		_, err := tr.RunBatch(context.Background(), "x", []string{"a"}, Options{})
		require.NoError(t, err)
		tr.HandleEvent(events.BatchCompleted{ExecutionID: backend.id, Status: "completed"})
	}

	hist := tr.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "b4", hist[0].ExecutionID)
	assert.Equal(t, "b3", hist[1].ExecutionID)
	assert.Equal(t, "b2", hist[2].ExecutionID)
}

func TestCompletionBeforeAcceptanceIsHeld(t *testing.T) {
	backend := &fakeBackend{id: "b1"}
	tr := NewTracker(backend, Config{})

	// The engine finishes the batch before its response reaches us.
	backend.onStart = func() {
		tr.HandleEvent(events.BatchProgress{ExecutionID: "b1", Total: 1, Completed: 1,
			Results: []events.TargetResult{{Target: "a", Success: true}}})
		tr.HandleEvent(events.BatchCompleted{ExecutionID: "b1", Status: "completed", DurationMs: 5})
	}

	var seen []Status
	tr.cfg.OnChange = func(e Execution) { seen = append(seen, e.Status) }

	_, err := tr.RunBatch(context.Background(), "x", []string{"a"}, Options{})
	require.NoError(t, err)

	exec, ok := tr.Get("b1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 1, exec.Succeeded())
	assert.Empty(t, tr.Active())
	assert.Equal(t, []Status{StatusRunning, StatusRunning, StatusCompleted}, seen)
}

func TestForeignEventsNotConsumed(t *testing.T) {
	tr := NewTracker(&fakeBackend{}, Config{})
	assert.False(t, tr.HandleEvent(events.PipelinePaused{ExecutionID: "e1"}))
}

func TestHeldEventsAreBounded(t *testing.T) {
	tr := NewTracker(&fakeBackend{}, Config{})
	for i := 0; i < heldLimit+10; i++ {
		tr.HandleEvent(events.BatchProgress{ExecutionID: fmt.Sprintf("x%d", i)})
	}
	assert.Len(t, tr.held, heldLimit)
	_, ok := tr.held["x0"]
	assert.False(t, ok)
}
