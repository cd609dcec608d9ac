package tracker

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// RestoreReport summarises one restoration pass.
type RestoreReport struct {
	Restored []string `json:"restored"`
	// Skipped lists pipelines whose local state was kept, either because it
	// is terminal or because it already matched.
	Skipped []string `json:"skipped,omitempty"`
}

// Restorer rebuilds tracker state from the engine after (re)attachment.
type Restorer struct {
	backend Backend
	store   *Store
	log     *zap.Logger
}

// NewRestorer creates a Restorer.
func NewRestorer(backend Backend, store *Store, log *zap.Logger) *Restorer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Restorer{backend: backend, store: store, log: log}
}

// Restore reattaches to surviving executions, fetches the running set and
// each execution's buffered output, and merges the result into the store.
// A reattach failure is logged and tolerated; a listing failure aborts.
func (r *Restorer) Restore(ctx context.Context) (*RestoreReport, error) {
	if err := r.backend.Reattach(ctx); err != nil {
		r.log.Warn("reattach failed, continuing with running snapshot", zap.Error(err))
	}

	running, err := r.backend.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}

	ids := make([]string, 0, len(running))
	for id := range running {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	report := &RestoreReport{}
	for _, executionID := range ids {
		run := running[executionID]
		if run.PipelineID == "" {
			r.log.Debug("running execution without pipeline id", zapExecution(executionID))
			continue
		}
		lines, err := r.backend.GetBufferedOutput(ctx, run.PipelineID)
		if err != nil {
			// Output is cosmetic; the state itself is still worth restoring.
			r.log.Warn("fetch buffered output failed", zapPipeline(run.PipelineID), zap.Error(err))
			lines = nil
		}
		restored := Reconstruct(executionID, run, lines, r.store.Capacity())
		if r.store.MergeRestored(restored) {
			report.Restored = append(report.Restored, run.PipelineID)
		} else {
			report.Skipped = append(report.Skipped, run.PipelineID)
		}
	}
	return report, nil
}

// Reconstruct builds an ExecutionState from an engine snapshot.
//
// When no step is marked running but the pipeline is, the first pending step
// is assumed to be active. The engine does not guarantee this, so the
// restored current step can be briefly stale until the next step event.
func Reconstruct(executionID string, run RunningExecution, lines []BufferedLine, capacity int) *ExecutionState {
	st := newState(run.PipelineID, capacity)
	st.PipelineName = run.PipelineName
	st.ExecutionID = executionID
	st.Status = StatusRunning
	if Status(run.Status) == StatusPaused {
		st.Status = StatusPaused
	}
	if run.StartedAt != nil {
		t := *run.StartedAt
		st.StartedAt = &t
	}

	st.TotalStepCount = len(run.StepResults)
	st.totalKnown = st.TotalStepCount > 0
	kinds := make(map[string]events.StepKind, len(run.StepResults))
	var firstPending *StepResult
	for i := range run.StepResults {
		sr := &run.StepResults[i]
		if sr.StepKind != "" {
			kinds[sr.StepID] = sr.StepKind
		}
		switch sr.Status {
		case "completed", "failed", "skipped", "cancelled":
			st.completedSteps[sr.StepID] = true
			st.CompletedStepCount++
		case "running":
			if st.CurrentStep == nil {
				st.CurrentStep = &StepRef{ID: sr.StepID, Name: sr.StepName}
			}
		case "pending":
			if firstPending == nil {
				firstPending = sr
			}
		}
	}
	if st.CurrentStep == nil && st.Status == StatusRunning && firstPending != nil {
		st.CurrentStep = &StepRef{ID: firstPending.StepID, Name: firstPending.StepName}
	}
	st.recomputeProgress()

	for _, l := range lines {
		kind := kinds[l.StepID]
		if kind == "" {
			kind = events.StepScript
		}
		stream := l.Stream
		if stream == "" {
			stream = events.Stdout
		}
		appendLine(st, OutputLine{
			StepID:    l.StepID,
			StepName:  l.StepName,
			StepKind:  kind,
			Content:   l.Content,
			Stream:    stream,
			Timestamp: l.Timestamp,
		})
	}
	return st
}

// MergeRestored folds a reconstructed state into the store. Terminal local
// state is never overwritten. For the same execution, local output is kept
// unless it is empty. It reports whether the store changed.
func (s *Store) MergeRestored(restored *ExecutionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipelineID := restored.PipelineID
	local, ok := s.states[pipelineID]
	if ok && local.Status.Terminal() {
		s.log.Debug("restore skipped terminal pipeline",
			zapPipeline(pipelineID), zap.String("status", string(local.Status)))
		return false
	}

	if ok && local.ExecutionID == "" && local.isRetired(restored.ExecutionID) {
		s.log.Debug("restore skipped earlier run of starting pipeline",
			zapPipeline(pipelineID), zapExecution(restored.ExecutionID))
		return false
	}
	if ok {
		restored.retired = slices.Clone(local.retired)
		if local.ExecutionID != restored.ExecutionID {
			restored.retire(local.ExecutionID)
		}
	}

	if ok && (local.ExecutionID == restored.ExecutionID || local.ExecutionID == "") {
		before := local.ExecutionID
		if local.Output.Len() > 0 {
			restored.Output = local.Output
			restored.stepMeta = local.stepMeta
		}
		if len(local.ChildExecutions) > 0 {
			restored.ChildExecutions = local.ChildExecutions
		}
		if restored.PipelineName == "" {
			restored.PipelineName = local.PipelineName
		}
		if restored.StartedAt == nil {
			restored.StartedAt = local.StartedAt
		}
		s.states[pipelineID] = restored
		s.reindexLocked(pipelineID, before, restored.ExecutionID)
		if before == "" {
			// The snapshot arrived before the start response: treat it like a
			// first event so a late response cannot rebind.
			s.boundByEventLocked(pipelineID, restored.ExecutionID)
		}
		s.stampLocked(restored)
		return true
	}

	before := ""
	if ok {
		before = local.ExecutionID
	}
	s.states[pipelineID] = restored
	s.reindexLocked(pipelineID, before, restored.ExecutionID)
	s.stampLocked(restored)
	return true
}
