package tracker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// Store holds per-pipeline execution state. It is the only owner of mutable
// tracker state; readers get deep copies.
type Store struct {
	mu       sync.RWMutex
	states   map[string]*ExecutionState // keyed by pipeline id
	byExec   map[string]string          // execution id -> pipeline id
	pending  map[string]*pendingStart   // keyed by pipeline id
	capacity int
	tickets  uint64
	version  uint64
	log      *zap.Logger
}

// NewStore creates a Store whose output buffers hold capacity lines.
func NewStore(capacity int, log *zap.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultOutputCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		states:   make(map[string]*ExecutionState),
		byExec:   make(map[string]string),
		pending:  make(map[string]*pendingStart),
		capacity: capacity,
		log:      log,
	}
}

// Capacity returns the per-pipeline output capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Get returns a snapshot of the pipeline's state, or an idle default when the
// pipeline is not tracked.
func (s *Store) Get(pipelineID string) ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[pipelineID]; ok {
		return st.Clone()
	}
	st := newState(pipelineID, s.capacity)
	st.Version = s.version
	return *st
}

// Tracked reports whether the store holds state for the pipeline.
func (s *Store) Tracked(pipelineID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.states[pipelineID]
	return ok
}

// PipelineFor returns the pipeline bound to an execution id.
func (s *Store) PipelineFor(executionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExec[executionID]
	return id, ok
}

// Update performs a read-modify-write of the pipeline's state, creating it
// if needed. The execution index follows any change to ExecutionID.
func (s *Store) Update(pipelineID string, fn func(*ExecutionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(pipelineID)
	before, total := st.ExecutionID, st.TotalStepCount
	fn(st)
	if st.TotalStepCount != total {
		st.totalKnown = st.TotalStepCount > 0
	}
	s.reindexLocked(pipelineID, before, st.ExecutionID)
	s.stampLocked(st)
}

// Clear removes all state for the pipeline, including any in-flight start.
func (s *Store) Clear(pipelineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[pipelineID]; ok && st.ExecutionID != "" {
		delete(s.byExec, st.ExecutionID)
	}
	delete(s.states, pipelineID)
	delete(s.pending, pipelineID)
	s.version++
}

// List returns snapshots of every tracked pipeline sorted by pipeline id.
func (s *Store) List() []ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExecutionState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PipelineID < out[j].PipelineID
	})
	return out
}

// Change describes the effect of applying one event.
type Change struct {
	PipelineID string
	Applied    bool
	// Finished is true exactly once per run, on the first authoritative
	// terminal transition; completion side effects key off it.
	Finished bool
	State    ExecutionState
}

// Apply routes an event to its pipeline and reconciles it. Events for
// pipelines that are not tracked, or for another execution, are reported as
// not applied.
func (s *Store) Apply(ev events.Event) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipelineID, ok := s.ownerLocked(ev)
	if !ok {
		return Change{}
	}
	st := s.states[pipelineID]
	before := st.ExecutionID
	if !Reconcile(st, ev) {
		return Change{PipelineID: pipelineID}
	}
	s.reindexLocked(pipelineID, before, st.ExecutionID)
	if before == "" && st.ExecutionID != "" {
		s.boundByEventLocked(pipelineID, st.ExecutionID)
	}

	s.stampLocked(st)
	ch := Change{PipelineID: pipelineID, Applied: true}
	if st.Status.Terminal() && !st.optimisticCancel && !st.notified {
		st.notified = true
		ch.Finished = true
	}
	ch.State = st.Clone()
	return ch
}

// ApplyOutput appends a batch of output chunks for one execution under a
// single lock.
func (s *Store) ApplyOutput(chunks []events.OutputChunk) Change {
	if len(chunks) == 0 {
		return Change{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pipelineID, ok := s.ownerLocked(chunks[0])
	if !ok {
		return Change{}
	}
	st := s.states[pipelineID]
	before := st.ExecutionID
	applied := false
	for _, c := range chunks {
		if Reconcile(st, c) {
			applied = true
		}
	}
	if !applied {
		return Change{PipelineID: pipelineID}
	}
	s.reindexLocked(pipelineID, before, st.ExecutionID)
	if before == "" && st.ExecutionID != "" {
		s.boundByEventLocked(pipelineID, st.ExecutionID)
	}
	s.stampLocked(st)
	return Change{PipelineID: pipelineID, Applied: true, State: st.Clone()}
}

// ownerLocked finds the pipeline an event belongs to.
func (s *Store) ownerLocked(ev events.Event) (string, bool) {
	switch e := ev.(type) {
	case events.StepStarted:
		return s.trackedLocked(e.PipelineID, e.ExecutionID)
	case events.OutputChunk:
		return s.trackedLocked(e.PipelineID, e.ExecutionID)
	case events.StepCompleted:
		return s.trackedLocked(e.PipelineID, e.ExecutionID)
	case events.PipelineCompleted:
		return s.trackedLocked(e.PipelineID, e.ExecutionID)
	case events.PipelinePaused:
		return s.trackedLocked(e.PipelineID, e.ExecutionID)
	case events.ChildStarted, events.ChildProgress, events.ChildCompleted:
		return s.childOwnerLocked(events.ExecutionID(ev))
	}
	return "", false
}

// trackedLocked resolves a pipeline-scoped event. The pipeline id is
// preferred; the execution index covers engines that omit it.
func (s *Store) trackedLocked(pipelineID, executionID string) (string, bool) {
	if pipelineID != "" {
		_, ok := s.states[pipelineID]
		return pipelineID, ok
	}
	id, ok := s.byExec[executionID]
	return id, ok
}

// childOwnerLocked locates the pipeline whose execution, or one of whose
// nested children, has parentExecutionID.
func (s *Store) childOwnerLocked(parentExecutionID string) (string, bool) {
	if parentExecutionID == "" {
		return "", false
	}
	if id, ok := s.byExec[parentExecutionID]; ok {
		return id, true
	}
	for id, st := range s.states {
		if findChildScope(st.ChildExecutions, parentExecutionID) != nil {
			return id, true
		}
	}
	return "", false
}

// stampLocked records a change to st. Removals bump the counter too, so the
// idle default handed out afterwards is newer than the removed state.
func (s *Store) stampLocked(st *ExecutionState) {
	s.version++
	st.Version = s.version
}

func (s *Store) stateLocked(pipelineID string) *ExecutionState {
	st, ok := s.states[pipelineID]
	if !ok {
		st = newState(pipelineID, s.capacity)
		s.states[pipelineID] = st
	}
	return st
}

func (s *Store) reindexLocked(pipelineID, before, after string) {
	if before == after {
		return
	}
	if before != "" && s.byExec[before] == pipelineID {
		delete(s.byExec, before)
	}
	if after != "" {
		s.byExec[after] = pipelineID
	}
}
