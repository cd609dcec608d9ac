// Package events defines the push-event vocabulary emitted by the execution
// engine. Every event type is a plain struct; the engine stream decodes wire
// envelopes into these and the trackers switch on the concrete type.
package events

import "time"

// Kind identifies an event on the wire.
type Kind string

const (
	KindStepStarted       Kind = "step-started"
	KindOutputChunk       Kind = "output-chunk"
	KindStepCompleted     Kind = "step-completed"
	KindPipelineCompleted Kind = "pipeline-completed"
	KindPipelinePaused    Kind = "pipeline-paused"
	KindChildStarted      Kind = "child-started"
	KindChildProgress     Kind = "child-progress"
	KindChildCompleted    Kind = "child-completed"
	KindBatchProgress     Kind = "batch-progress"
	KindBatchCompleted    Kind = "batch-completed"
)

// Event is implemented by every event struct in this package.
type Event interface {
	Kind() Kind
}

// StepKind distinguishes script steps from steps that trigger another pipeline.
type StepKind string

const (
	StepScript  StepKind = "script"
	StepTrigger StepKind = "trigger"
)

// Stream is the output stream an output line was captured from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	System Stream = "system"
)

// StepStarted is emitted when the engine begins running a step.
type StepStarted struct {
	PipelineID            string    `json:"pipelineId"`
	ExecutionID           string    `json:"executionId"`
	StepID                string    `json:"stepId"`
	StepName              string    `json:"stepName"`
	StepKind              StepKind  `json:"stepKind,omitempty"`
	TriggeredPipelineName string    `json:"triggeredPipelineName,omitempty"`
	StepIndex             int       `json:"stepIndex,omitempty"`
	TotalSteps            int       `json:"totalSteps,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// OutputChunk carries a fragment of step output. It has no step metadata
// beyond the step id.
type OutputChunk struct {
	PipelineID  string    `json:"pipelineId"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId"`
	Content     string    `json:"content"`
	Stream      Stream    `json:"stream"`
	Timestamp   time.Time `json:"timestamp"`
}

// StepCompleted reports the outcome of a single step. Status is one of
// "completed", "failed", "cancelled" or "skipped".
type StepCompleted struct {
	PipelineID   string    `json:"pipelineId"`
	ExecutionID  string    `json:"executionId"`
	StepID       string    `json:"stepId"`
	StepName     string    `json:"stepName,omitempty"`
	Status       string    `json:"status"`
	ExitCode     *int      `json:"exitCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PipelineCompleted is the last event for an execution id. Status is one of
// "completed", "failed" or "cancelled".
type PipelineCompleted struct {
	PipelineID   string    `json:"pipelineId"`
	ExecutionID  string    `json:"executionId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PipelinePaused marks a manual-continuation checkpoint, usually after a step
// failure.
type PipelinePaused struct {
	PipelineID  string    `json:"pipelineId"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChildStarted is emitted when a trigger step launches a child pipeline.
// Child events identify their owner only by the parent execution id.
type ChildStarted struct {
	ParentExecutionID string    `json:"parentExecutionId"`
	ParentNodeID      string    `json:"parentNodeId"`
	ChildExecutionID  string    `json:"childExecutionId"`
	ChildPipelineID   string    `json:"childPipelineId"`
	ChildPipelineName string    `json:"childPipelineName"`
	TotalSteps        int       `json:"totalSteps"`
	Timestamp         time.Time `json:"timestamp"`
}

// ChildProgress reports the step a child pipeline is on.
type ChildProgress struct {
	ParentExecutionID string `json:"parentExecutionId"`
	ParentNodeID      string `json:"parentNodeId"`
	ChildExecutionID  string `json:"childExecutionId"`
	CurrentStep       int    `json:"currentStep"`
	TotalSteps        int    `json:"totalSteps"`
	CurrentStepName   string `json:"currentStepName,omitempty"`
}

// ChildCompleted finalizes a child pipeline.
type ChildCompleted struct {
	ParentExecutionID string    `json:"parentExecutionId"`
	ParentNodeID      string    `json:"parentNodeId"`
	ChildExecutionID  string    `json:"childExecutionId"`
	Status            string    `json:"status"`
	DurationMs        *int64    `json:"durationMs,omitempty"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// TargetResult is the outcome of a batch script on one target.
type TargetResult struct {
	Target     string `json:"target"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Cached     bool   `json:"cached,omitempty"`
	Output     string `json:"output,omitempty"`
}

// BatchProgress is an incremental update for a batch execution.
type BatchProgress struct {
	ExecutionID    string         `json:"executionId"`
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	RunningTargets []string       `json:"runningTargets,omitempty"`
	Results        []TargetResult `json:"results,omitempty"`
}

// BatchCompleted finalizes a batch execution. Status is "completed" or
// "failed".
type BatchCompleted struct {
	ExecutionID string         `json:"executionId"`
	Status      string         `json:"status"`
	Results     []TargetResult `json:"results,omitempty"`
	DurationMs  int64          `json:"durationMs"`
}

func (StepStarted) Kind() Kind       { return KindStepStarted }
func (OutputChunk) Kind() Kind       { return KindOutputChunk }
func (StepCompleted) Kind() Kind     { return KindStepCompleted }
func (PipelineCompleted) Kind() Kind { return KindPipelineCompleted }
func (PipelinePaused) Kind() Kind    { return KindPipelinePaused }
func (ChildStarted) Kind() Kind      { return KindChildStarted }
func (ChildProgress) Kind() Kind     { return KindChildProgress }
func (ChildCompleted) Kind() Kind    { return KindChildCompleted }
func (BatchProgress) Kind() Kind     { return KindBatchProgress }
func (BatchCompleted) Kind() Kind    { return KindBatchCompleted }

// ExecutionID returns the execution id an event belongs to. For child events
// this is the parent execution id, since that is what the owner is keyed by.
func ExecutionID(ev Event) string {
	switch e := ev.(type) {
	case StepStarted:
		return e.ExecutionID
	case OutputChunk:
		return e.ExecutionID
	case StepCompleted:
		return e.ExecutionID
	case PipelineCompleted:
		return e.ExecutionID
	case PipelinePaused:
		return e.ExecutionID
	case ChildStarted:
		return e.ParentExecutionID
	case ChildProgress:
		return e.ParentExecutionID
	case ChildCompleted:
		return e.ParentExecutionID
	case BatchProgress:
		return e.ExecutionID
	case BatchCompleted:
		return e.ExecutionID
	}
	return ""
}
