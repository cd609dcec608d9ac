package tracker

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrAlreadyActive is returned when starting a pipeline that is in flight.
	ErrAlreadyActive = errors.New("pipeline already has an active execution")
	// ErrNotBound is returned when a command needs an execution id that has
	// not been assigned yet.
	ErrNotBound = errors.New("pipeline has no bound execution id")
	// ErrNotPaused is returned when continuing a pipeline that is not paused.
	ErrNotPaused = errors.New("pipeline is not paused")
	// ErrTerminal is returned when cancelling a pipeline that already ended.
	ErrTerminal = errors.New("pipeline execution already finished")
)

// startPhase is the arbitration state of one in-flight start. Two writers
// race to supply the execution id: the start command's response and the
// first lifecycle event. The first one wins.
type startPhase int

const (
	// awaiting: neither the response nor an event has supplied an id.
	awaiting startPhase = iota
	// boundByEvent: an event (or a restored snapshot) bound the id first;
	// the response is only confirmation.
	boundByEvent
)

type pendingStart struct {
	ticket uint64
	phase  startPhase
	// prior is the state to restore if the start command fails before any
	// event arrives. nil means the pipeline was not tracked.
	prior *ExecutionState
}

// StartOptions describe the run being started.
type StartOptions struct {
	PipelineName string
	TotalSteps   int
}

// Ticket identifies one start attempt.
type Ticket struct {
	PipelineID string
	id         uint64
}

// BeginStart optimistically moves a pipeline to starting with no execution id
// and opens a start ticket. Counters, output and children are reset.
func (s *Store) BeginStart(pipelineID string, opts StartOptions) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prior *ExecutionState
	var retired []string
	if st, ok := s.states[pipelineID]; ok {
		if st.Status.Active() {
			return Ticket{}, fmt.Errorf("start %s: %w", pipelineID, ErrAlreadyActive)
		}
		cp := st.Clone()
		prior = &cp
		if st.ExecutionID != "" && s.byExec[st.ExecutionID] == pipelineID {
			delete(s.byExec, st.ExecutionID)
		}
		retired = slices.Clone(st.retired)
	}

	now := time.Now().UTC()
	st := newState(pipelineID, s.capacity)
	st.PipelineName = opts.PipelineName
	st.TotalStepCount = opts.TotalSteps
	st.totalKnown = opts.TotalSteps > 0
	st.Status = StatusStarting
	st.StartedAt = &now
	// Late events of the previous run must not bind this start.
	st.retired = retired
	if prior != nil {
		st.retire(prior.ExecutionID)
	}
	s.states[pipelineID] = st
	s.stampLocked(st)

	s.tickets++
	s.pending[pipelineID] = &pendingStart{ticket: s.tickets, phase: awaiting, prior: prior}
	return Ticket{PipelineID: pipelineID, id: s.tickets}, nil
}

// ResolveStart records the start command's response. It reports whether the
// id was written. The response is discarded when the ticket was superseded,
// when an event already bound a different id, or when the pipeline already
// reached a terminal state.
func (s *Store) ResolveStart(t Ticket, executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[t.PipelineID]
	if !ok || p.ticket != t.id {
		return false
	}
	delete(s.pending, t.PipelineID)

	st := s.states[t.PipelineID]
	if st == nil || st.Status.Terminal() {
		return false
	}
	if p.phase == boundByEvent {
		// Same id is a no-op confirmation; a different id loses.
		return false
	}
	st.ExecutionID = executionID
	if st.Status == StatusStarting {
		st.Status = StatusRunning
	}
	s.byExec[executionID] = t.PipelineID
	s.stampLocked(st)
	return true
}

// AbortStart rolls back a start whose command failed. If an event already
// bound the execution the engine evidently did start, so state is kept.
func (s *Store) AbortStart(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[t.PipelineID]
	if !ok || p.ticket != t.id {
		return
	}
	delete(s.pending, t.PipelineID)
	if p.phase == boundByEvent {
		return
	}
	if p.prior == nil {
		delete(s.states, t.PipelineID)
		s.version++
		return
	}
	prior := p.prior.Clone()
	s.states[t.PipelineID] = &prior
	if prior.ExecutionID != "" {
		s.byExec[prior.ExecutionID] = t.PipelineID
	}
	s.stampLocked(&prior)
}

// boundByEventLocked marks a pending start as won by an event.
func (s *Store) boundByEventLocked(pipelineID, executionID string) {
	if p, ok := s.pending[pipelineID]; ok && p.phase == awaiting {
		p.phase = boundByEvent
		s.log.Debug("execution id bound by event before start response",
			zapPipeline(pipelineID), zapExecution(executionID))
	}
}

// cancelUndo is what an optimistic cancel overwrote.
type cancelUndo struct {
	status      Status
	currentStep *StepRef
	finishedAt  *time.Time
}

// BeginCancel optimistically marks a bound, non-terminal pipeline cancelled
// and returns the execution id to cancel.
func (s *Store) BeginCancel(pipelineID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[pipelineID]
	if !ok || st.ExecutionID == "" {
		return "", fmt.Errorf("cancel %s: %w", pipelineID, ErrNotBound)
	}
	if st.Status.Terminal() {
		return "", fmt.Errorf("cancel %s: %w", pipelineID, ErrTerminal)
	}
	st.priorCancel = &cancelUndo{status: st.Status, currentStep: st.CurrentStep, finishedAt: st.FinishedAt}
	now := time.Now().UTC()
	st.Status = StatusCancelled
	st.CurrentStep = nil
	st.FinishedAt = &now
	st.optimisticCancel = true
	s.stampLocked(st)
	return st.ExecutionID, nil
}

// RollbackCancel restores the state an optimistic cancel replaced, provided
// no authoritative event has settled it since.
func (s *Store) RollbackCancel(pipelineID, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[pipelineID]
	if !ok || st.ExecutionID != executionID || !st.optimisticCancel || st.priorCancel == nil {
		return
	}
	st.Status = st.priorCancel.status
	st.CurrentStep = st.priorCancel.currentStep
	st.FinishedAt = st.priorCancel.finishedAt
	st.optimisticCancel = false
	st.priorCancel = nil
	s.stampLocked(st)
}

// BeginContinue optimistically resumes a paused pipeline and returns its
// execution id.
func (s *Store) BeginContinue(pipelineID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[pipelineID]
	if !ok || st.Status != StatusPaused {
		return "", fmt.Errorf("continue %s: %w", pipelineID, ErrNotPaused)
	}
	if st.ExecutionID == "" {
		return "", fmt.Errorf("continue %s: %w", pipelineID, ErrNotBound)
	}
	st.Status = StatusRunning
	s.stampLocked(st)
	return st.ExecutionID, nil
}

// RollbackContinue returns a pipeline to paused after a failed continue.
func (s *Store) RollbackContinue(pipelineID, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[pipelineID]
	if !ok || st.ExecutionID != executionID || st.Status != StatusRunning {
		return
	}
	st.Status = StatusPaused
	s.stampLocked(st)
}
