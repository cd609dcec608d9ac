// Package history persists finished pipeline runs.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("history record not found")

// OutputLine is a captured line stored with a record.
type OutputLine struct {
	StepID    string    `json:"stepId"`
	StepName  string    `json:"stepName,omitempty"`
	Content   string    `json:"content"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the persisted summary of one finished run.
type Record struct {
	ID                 string       `json:"id"`
	PipelineID         string       `json:"pipelineId"`
	PipelineName       string       `json:"pipelineName"`
	Status             string       `json:"status"`
	StartedAt          time.Time    `json:"startedAt"`
	FinishedAt         time.Time    `json:"finishedAt"`
	DurationMs         int64        `json:"durationMs"`
	StepCount          int          `json:"stepCount"`
	CompletedStepCount int          `json:"completedStepCount"`
	ErrorMessage       string       `json:"errorMessage,omitempty"`
	Output             []OutputLine `json:"output"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	PipelineID string
	Status     string
	Limit      int
}

// Store is implemented by every history backend.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}
