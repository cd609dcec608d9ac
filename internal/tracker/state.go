package tracker

import (
	"math"
	"slices"
	"time"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// Status is the lifecycle status of a pipeline execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether an execution is in flight.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusPaused
}

// parseTerminal maps an engine status string to a terminal Status.
// Anything unrecognised is treated as a failure.
func parseTerminal(s string) Status {
	switch Status(s) {
	case StatusCompleted, StatusCancelled:
		return Status(s)
	}
	return StatusFailed
}

// StepRef identifies the step currently running.
type StepRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OutputLine is one captured line of pipeline output. ID is process-unique
// and never reused.
type OutputLine struct {
	ID        uint64          `json:"id"`
	StepID    string          `json:"stepId"`
	StepName  string          `json:"stepName,omitempty"`
	StepKind  events.StepKind `json:"stepKind"`
	Content   string          `json:"content"`
	Stream    events.Stream   `json:"stream"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChildExecutionState tracks a pipeline launched by a trigger step.
type ChildExecutionState struct {
	ChildExecutionID  string                          `json:"childExecutionId"`
	ChildPipelineID   string                          `json:"childPipelineId"`
	ChildPipelineName string                          `json:"childPipelineName"`
	Status            Status                          `json:"status"`
	CurrentStep       int                             `json:"currentStep"`
	TotalSteps        int                             `json:"totalSteps"`
	CurrentStepName   string                          `json:"currentStepName,omitempty"`
	DurationMs        *int64                          `json:"durationMs,omitempty"`
	ErrorMessage      string                          `json:"errorMessage,omitempty"`
	StartedAt         time.Time                       `json:"startedAt"`
	FinishedAt        *time.Time                      `json:"finishedAt,omitempty"`
	Children          map[string]*ChildExecutionState `json:"children,omitempty"`
}

func (c *ChildExecutionState) clone() *ChildExecutionState {
	if c == nil {
		return nil
	}
	cp := *c
	if c.DurationMs != nil {
		d := *c.DurationMs
		cp.DurationMs = &d
	}
	if c.FinishedAt != nil {
		f := *c.FinishedAt
		cp.FinishedAt = &f
	}
	cp.Children = cloneChildren(c.Children)
	return &cp
}

func cloneChildren(m map[string]*ChildExecutionState) map[string]*ChildExecutionState {
	if m == nil {
		return nil
	}
	out := make(map[string]*ChildExecutionState, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

// ExecutionState is the tracked picture of one pipeline, keyed by the
// pipeline's own id rather than its execution id.
type ExecutionState struct {
	PipelineID         string                          `json:"pipelineId"`
	PipelineName       string                          `json:"pipelineName,omitempty"`
	ExecutionID        string                          `json:"executionId,omitempty"`
	Status             Status                          `json:"status"`
	CurrentStep        *StepRef                        `json:"currentStep,omitempty"`
	CompletedStepCount int                             `json:"completedStepCount"`
	TotalStepCount     int                             `json:"totalStepCount"`
	ProgressPercent    int                             `json:"progressPercent"`
	Error              string                          `json:"error,omitempty"`
	Output             *OutputBuffer                   `json:"output"`
	StartedAt          *time.Time                      `json:"startedAt,omitempty"`
	FinishedAt         *time.Time                      `json:"finishedAt,omitempty"`
	ChildExecutions    map[string]*ChildExecutionState `json:"childExecutions,omitempty"`
	// Version increases with every change the store makes to this pipeline.
	// A snapshot with a lower version is older.
	Version uint64 `json:"version"`

	// completedSteps makes step-completed idempotent under redelivery.
	completedSteps map[string]bool
	// stepMeta holds the attribution of the latest system line per step. It
	// outlives eviction of that line.
	stepMeta map[string]stepMeta
	// totalKnown is set once the step total came from the caller, an event
	// or an engine snapshot. Until then the total grows with observed steps.
	totalKnown bool
	// retired lists execution ids of earlier runs of this pipeline, newest
	// last. A start waiting for its identity never binds one of them.
	retired []string
	// optimisticCancel is set while a locally-issued cancel awaits the
	// engine's authoritative pipeline-completed.
	optimisticCancel bool
	priorCancel      *cancelUndo
	// notified is set once completion side effects have run.
	notified bool
}

type stepMeta struct {
	name string
	kind events.StepKind
}

// newState returns an idle state with an empty output buffer.
func newState(pipelineID string, capacity int) *ExecutionState {
	return &ExecutionState{
		PipelineID:      pipelineID,
		Status:          StatusIdle,
		Output:          NewOutputBuffer(capacity),
		ChildExecutions: make(map[string]*ChildExecutionState),
		completedSteps:  make(map[string]bool),
		stepMeta:        make(map[string]stepMeta),
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *ExecutionState) Clone() ExecutionState {
	cp := *s
	if s.CurrentStep != nil {
		step := *s.CurrentStep
		cp.CurrentStep = &step
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Output = s.Output.Clone()
	cp.ChildExecutions = cloneChildren(s.ChildExecutions)
	cp.completedSteps = make(map[string]bool, len(s.completedSteps))
	for k, v := range s.completedSteps {
		cp.completedSteps[k] = v
	}
	cp.stepMeta = make(map[string]stepMeta, len(s.stepMeta))
	for k, v := range s.stepMeta {
		cp.stepMeta[k] = v
	}
	if s.priorCancel != nil {
		u := *s.priorCancel
		cp.priorCancel = &u
	}
	cp.retired = slices.Clone(s.retired)
	return cp
}

// retiredLimit bounds how many earlier execution ids a pipeline remembers.
const retiredLimit = 16

// retire records executionID as belonging to a finished or abandoned run.
func (s *ExecutionState) retire(executionID string) {
	if executionID == "" || s.isRetired(executionID) {
		return
	}
	s.retired = append(s.retired, executionID)
	if len(s.retired) > retiredLimit {
		s.retired = slices.Clone(s.retired[len(s.retired)-retiredLimit:])
	}
}

func (s *ExecutionState) isRetired(executionID string) bool {
	return slices.Contains(s.retired, executionID)
}

// Lines returns the buffered output oldest first.
func (s ExecutionState) Lines() []OutputLine {
	return s.Output.Lines()
}

func (s *ExecutionState) recomputeProgress() {
	s.ProgressPercent = progressPercent(s.CompletedStepCount, s.TotalStepCount)
}

func progressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(completed) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	return p
}
