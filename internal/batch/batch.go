// Package batch tracks fan-out runs of one script across independent
// targets. Batches have their own identity space and no steps.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// ErrNoTargets is returned by RunBatch when no targets are given.
var ErrNoTargets = errors.New("batch requires at least one target")

// DefaultHistorySize is the number of finished batches kept.
const DefaultHistorySize = 10

// heldLimit bounds how many unknown execution ids may have events held
// while their RunBatch call is still in flight.
const heldLimit = 64

// Status of a batch execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Options control how the engine fans the script out.
type Options struct {
	Parallel    bool `json:"parallel"`
	StopOnError bool `json:"stopOnError"`
}

// Backend issues batch commands to the engine.
type Backend interface {
	RunBatch(ctx context.Context, script string, targets []string, opts Options) (string, error)
}

// Progress is the aggregate state of a batch.
type Progress struct {
	Total          int      `json:"total"`
	Completed      int      `json:"completed"`
	RunningTargets []string `json:"runningTargets,omitempty"`
}

// Execution is one batch run.
type Execution struct {
	ExecutionID string                `json:"executionId"`
	Script      string                `json:"script"`
	Targets     []string              `json:"targets"`
	Status      Status                `json:"status"`
	Progress    Progress              `json:"progress"`
	Results     []events.TargetResult `json:"results"`
	StartedAt   time.Time             `json:"startedAt"`
	DurationMs  *int64                `json:"durationMs,omitempty"`
}

// Succeeded counts targets that reported success.
func (e Execution) Succeeded() int {
	n := 0
	for _, r := range e.Results {
		if r.Success {
			n++
		}
	}
	return n
}

func (e *Execution) clone() Execution {
	c := *e
	c.Targets = append([]string(nil), e.Targets...)
	c.Progress.RunningTargets = append([]string(nil), e.Progress.RunningTargets...)
	c.Results = append([]events.TargetResult(nil), e.Results...)
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	return c
}

// mergeResults records results, replacing any earlier entry for the same
// target.
func (e *Execution) mergeResults(results []events.TargetResult) {
	for _, r := range results {
		replaced := false
		for i := range e.Results {
			if e.Results[i].Target == r.Target {
				e.Results[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			e.Results = append(e.Results, r)
		}
	}
}

// Config configures a Tracker.
type Config struct {
	HistorySize int
	Logger      *zap.Logger
	// OnChange runs after every applied change with a snapshot.
	OnChange func(Execution)
}

// Tracker follows batch executions.
type Tracker struct {
	backend Backend
	cfg     Config
	log     *zap.Logger

	mu      sync.Mutex
	active  map[string]*Execution
	history []Execution
	held    map[string][]events.Event
	order   []string
}

// NewTracker creates a Tracker.
func NewTracker(backend Backend, cfg Config) *Tracker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{
		backend: backend,
		cfg:     cfg,
		log:     cfg.Logger,
		active:  make(map[string]*Execution),
		held:    make(map[string][]events.Event),
	}
}

// RunBatch starts a batch and begins tracking it once the engine accepts it.
func (t *Tracker) RunBatch(ctx context.Context, script string, targets []string, opts Options) (string, error) {
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	id, err := t.backend.RunBatch(ctx, script, targets, opts)
	if err != nil {
		return "", fmt.Errorf("run batch: %w", err)
	}

	t.mu.Lock()
	exec := &Execution{
		ExecutionID: id,
		Script:      script,
		Targets:     append([]string(nil), targets...),
		Status:      StatusRunning,
		Progress:    Progress{Total: len(targets)},
		StartedAt:   time.Now().UTC(),
	}
	t.active[id] = exec
	held := t.held[id]
	t.dropHeldLocked(id)
	snaps := []Execution{exec.clone()}
	for _, ev := range held {
		if snap, ok := t.applyLocked(ev); ok {
			snaps = append(snaps, snap)
		}
	}
	t.mu.Unlock()

	t.log.Info("batch started", zap.String("execution", id), zap.Int("targets", len(targets)))
	for _, s := range snaps {
		t.changed(s)
	}
	return id, nil
}

// HandleEvent applies batch events and reports whether ev was one.
func (t *Tracker) HandleEvent(ev events.Event) bool {
	switch ev.(type) {
	case events.BatchProgress, events.BatchCompleted:
	default:
		return false
	}

	t.mu.Lock()
	id := events.ExecutionID(ev)
	if _, ok := t.active[id]; !ok {
		if t.inHistoryLocked(id) {
			t.mu.Unlock()
			t.log.Debug("dropped stale batch event", zap.String("kind", string(ev.Kind())), zap.String("execution", id))
			return true
		}
		t.holdLocked(id, ev)
		t.mu.Unlock()
		return true
	}
	snap, ok := t.applyLocked(ev)
	t.mu.Unlock()

	if ok {
		t.changed(snap)
	}
	return true
}

func (t *Tracker) applyLocked(ev events.Event) (Execution, bool) {
	switch e := ev.(type) {
	case events.BatchProgress:
		exec, ok := t.active[e.ExecutionID]
		if !ok {
			return Execution{}, false
		}
		if e.Total > 0 {
			exec.Progress.Total = e.Total
		}
		if e.Completed > exec.Progress.Completed {
			exec.Progress.Completed = e.Completed
		}
		exec.Progress.RunningTargets = append([]string(nil), e.RunningTargets...)
		exec.mergeResults(e.Results)
		return exec.clone(), true

	case events.BatchCompleted:
		exec, ok := t.active[e.ExecutionID]
		if !ok {
			return Execution{}, false
		}
		exec.Status = StatusFailed
		if Status(e.Status) == StatusCompleted {
			exec.Status = StatusCompleted
		}
		exec.mergeResults(e.Results)
		exec.Progress.RunningTargets = nil
		if len(exec.Results) > exec.Progress.Completed {
			exec.Progress.Completed = len(exec.Results)
		}
		d := e.DurationMs
		exec.DurationMs = &d
		delete(t.active, e.ExecutionID)

		snap := exec.clone()
		if !t.inHistoryLocked(snap.ExecutionID) {
			t.history = append([]Execution{snap}, t.history...)
			if len(t.history) > t.cfg.HistorySize {
				t.history = t.history[:t.cfg.HistorySize]
			}
		}
		t.log.Info("batch finished",
			zap.String("execution", snap.ExecutionID),
			zap.String("status", string(snap.Status)),
			zap.Int("succeeded", snap.Succeeded()),
			zap.Int("targets", len(snap.Targets)))
		return snap, true
	}
	return Execution{}, false
}

func (t *Tracker) inHistoryLocked(id string) bool {
	for _, h := range t.history {
		if h.ExecutionID == id {
			return true
		}
	}
	return false
}

func (t *Tracker) holdLocked(id string, ev events.Event) {
	if _, ok := t.held[id]; !ok {
		if len(t.order) >= heldLimit {
			oldest := t.order[0]
			t.log.Debug("evicting held batch events", zap.String("execution", oldest))
			t.dropHeldLocked(oldest)
		}
		t.order = append(t.order, id)
	}
	t.held[id] = append(t.held[id], ev)
}

func (t *Tracker) dropHeldLocked(id string) {
	delete(t.held, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker) changed(e Execution) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(e)
	}
}

// Get returns a batch by execution id, active or historical.
func (t *Tracker) Get(id string) (Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.active[id]; ok {
		return e.clone(), true
	}
	for i := range t.history {
		if t.history[i].ExecutionID == id {
			return t.history[i].clone(), true
		}
	}
	return Execution{}, false
}

// Active returns running batches, oldest first.
func (t *Tracker) Active() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Execution, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns finished batches, newest first.
func (t *Tracker) History() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Execution, len(t.history))
	for i := range t.history {
		out[i] = t.history[i].clone()
	}
	return out
}
