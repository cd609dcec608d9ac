package tracker

import (
	"context"
	"time"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// Backend is the command interface of the execution engine. Every call is
// fallible; the tracker never retries.
type Backend interface {
	Start(ctx context.Context, pipelineID string) (string, error)
	Cancel(ctx context.Context, executionID string) error
	Continue(ctx context.Context, executionID string) error
	ListRunning(ctx context.Context) (map[string]RunningExecution, error)
	Reattach(ctx context.Context) error
	GetBufferedOutput(ctx context.Context, pipelineID string) ([]BufferedLine, error)
}

// RunningExecution is the engine's snapshot of an execution in flight.
type RunningExecution struct {
	PipelineID   string       `json:"pipelineId"`
	PipelineName string       `json:"pipelineName"`
	Status       string       `json:"status"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	StepResults  []StepResult `json:"stepResults"`
}

// StepResult is one step's entry in a running snapshot, in step order.
// Status is one of pending, running, completed, failed, skipped, cancelled.
type StepResult struct {
	StepID   string          `json:"stepId"`
	StepName string          `json:"stepName"`
	StepKind events.StepKind `json:"stepKind,omitempty"`
	Status   string          `json:"status"`
	ExitCode *int            `json:"exitCode,omitempty"`
}

// BufferedLine is a line of output the engine retained for a pipeline.
type BufferedLine struct {
	StepID    string        `json:"stepId"`
	StepName  string        `json:"stepName"`
	Content   string        `json:"content"`
	Stream    events.Stream `json:"stream"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventSource is the push-event interface of the engine.
type EventSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is an ordered event feed. The Events channel is closed when
// the subscription ends; Close is idempotent.
type Subscription interface {
	Events() <-chan events.Event
	Close() error
}

// EventHandler receives events the pipeline tracker does not own, such as
// batch events. It reports whether the event was consumed.
type EventHandler interface {
	HandleEvent(ev events.Event) bool
}
