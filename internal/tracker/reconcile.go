package tracker

import (
	"fmt"
	"time"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// Reconcile applies a single event to st and reports whether anything
// changed. It performs no I/O; side effects of a terminal transition are the
// caller's responsibility. Events for another execution, for a terminal
// pipeline, or duplicates of an already-applied step event return false.
func Reconcile(st *ExecutionState, ev events.Event) bool {
	switch e := ev.(type) {
	case events.StepStarted:
		return onStepStarted(st, e)
	case events.OutputChunk:
		return onOutputChunk(st, e)
	case events.StepCompleted:
		return onStepCompleted(st, e)
	case events.PipelineCompleted:
		return onPipelineCompleted(st, e)
	case events.PipelinePaused:
		return onPipelinePaused(st, e)
	case events.ChildStarted:
		return onChildStarted(st, e)
	case events.ChildProgress:
		return onChildProgress(st, e)
	case events.ChildCompleted:
		return onChildCompleted(st, e)
	}
	return false
}

// claim checks that executionID belongs to st, binding it when st is still
// waiting for its first identity. Ids of earlier runs are never bound.
func claim(st *ExecutionState, executionID string) bool {
	if executionID == "" {
		return false
	}
	if st.ExecutionID == "" {
		if st.Status != StatusStarting || st.isRetired(executionID) {
			return false
		}
		st.ExecutionID = executionID
		st.Status = StatusRunning
		return true
	}
	return st.ExecutionID == executionID
}

func eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func appendLine(st *ExecutionState, line OutputLine) {
	line.ID = nextLineID()
	if line.StepKind == "" {
		line.StepKind = events.StepScript
	}
	if line.Stream == events.System {
		st.stepMeta[line.StepID] = stepMeta{name: line.StepName, kind: line.StepKind}
	}
	st.Output.Append(line)
}

// attribution returns the step name and kind of the latest system line for
// stepID.
func attribution(st *ExecutionState, stepID string) (string, events.StepKind) {
	if m, ok := st.stepMeta[stepID]; ok {
		return m.name, m.kind
	}
	return "", events.StepScript
}

func onStepStarted(st *ExecutionState, e events.StepStarted) bool {
	if st.Status.Terminal() || st.completedSteps[e.StepID] {
		return false
	}
	if st.CurrentStep != nil && st.CurrentStep.ID == e.StepID && st.ExecutionID == e.ExecutionID {
		return false
	}
	if !claim(st, e.ExecutionID) {
		return false
	}
	if st.Status == StatusPaused {
		st.Status = StatusRunning
	}
	switch {
	case e.TotalSteps > 0:
		st.TotalStepCount = max(st.TotalStepCount, e.TotalSteps)
		st.totalKnown = true
	case !st.totalKnown:
		// The running step counts toward an unknown total.
		st.TotalStepCount = max(st.TotalStepCount, st.CompletedStepCount+1, e.StepIndex+1)
	}
	st.recomputeProgress()
	st.CurrentStep = &StepRef{ID: e.StepID, Name: e.StepName}

	kind := e.StepKind
	if kind == "" {
		kind = events.StepScript
	}
	label := e.StepName
	content := fmt.Sprintf("Starting step: %s", label)
	if kind == events.StepTrigger {
		if e.TriggeredPipelineName != "" {
			label = e.TriggeredPipelineName
		}
		content = fmt.Sprintf("Triggering pipeline: %s", label)
	}
	appendLine(st, OutputLine{
		StepID:    e.StepID,
		StepName:  label,
		StepKind:  kind,
		Content:   content,
		Stream:    events.System,
		Timestamp: eventTime(e.Timestamp),
	})
	return true
}

func onOutputChunk(st *ExecutionState, e events.OutputChunk) bool {
	if st.Status.Terminal() || !claim(st, e.ExecutionID) {
		return false
	}
	name, kind := attribution(st, e.StepID)
	stream := e.Stream
	if stream == "" {
		stream = events.Stdout
	}
	appendLine(st, OutputLine{
		StepID:    e.StepID,
		StepName:  name,
		StepKind:  kind,
		Content:   e.Content,
		Stream:    stream,
		Timestamp: eventTime(e.Timestamp),
	})
	return true
}

func onStepCompleted(st *ExecutionState, e events.StepCompleted) bool {
	if st.Status.Terminal() || st.completedSteps[e.StepID] || !claim(st, e.ExecutionID) {
		return false
	}
	st.completedSteps[e.StepID] = true
	if !st.totalKnown && st.TotalStepCount <= st.CompletedStepCount {
		st.TotalStepCount = st.CompletedStepCount + 1
	}
	if st.CompletedStepCount < st.TotalStepCount {
		st.CompletedStepCount++
	}
	st.recomputeProgress()
	st.CurrentStep = nil

	name, kind := attribution(st, e.StepID)
	if e.StepName != "" && kind != events.StepTrigger {
		name = e.StepName
	}
	if e.Status == "failed" {
		st.Error = stepError(e)
	}
	appendLine(st, OutputLine{
		StepID:    e.StepID,
		StepName:  name,
		StepKind:  kind,
		Content:   stepSummary(name, e),
		Stream:    events.System,
		Timestamp: eventTime(e.Timestamp),
	})
	return true
}

func stepError(e events.StepCompleted) string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	if e.ExitCode != nil {
		return fmt.Sprintf("step %s exited with code %d", e.StepID, *e.ExitCode)
	}
	return fmt.Sprintf("step %s failed", e.StepID)
}

func stepSummary(name string, e events.StepCompleted) string {
	switch e.Status {
	case "completed":
		if e.DurationMs > 0 {
			return fmt.Sprintf("Step '%s' completed in %s", name, time.Duration(e.DurationMs)*time.Millisecond)
		}
		return fmt.Sprintf("Step '%s' completed", name)
	case "cancelled":
		return fmt.Sprintf("Step '%s' cancelled", name)
	case "skipped":
		return fmt.Sprintf("Step '%s' skipped", name)
	}
	msg := fmt.Sprintf("Step '%s' failed", name)
	if e.ExitCode != nil {
		msg += fmt.Sprintf(" (exit code %d)", *e.ExitCode)
	}
	if e.ErrorMessage != "" {
		msg += ": " + e.ErrorMessage
	}
	return msg
}

func onPipelineCompleted(st *ExecutionState, e events.PipelineCompleted) bool {
	if st.Status.Terminal() {
		// Only a locally-guessed cancel may be corrected, and only once.
		if !st.optimisticCancel || st.ExecutionID != e.ExecutionID {
			return false
		}
	} else if !claim(st, e.ExecutionID) {
		return false
	}
	st.optimisticCancel = false
	st.priorCancel = nil

	st.Status = parseTerminal(e.Status)
	finished := eventTime(e.Timestamp)
	st.FinishedAt = &finished
	st.CurrentStep = nil
	if st.Status == StatusCompleted {
		st.ProgressPercent = 100
	}
	if e.ErrorMessage != "" {
		st.Error = e.ErrorMessage
	} else if st.Status == StatusFailed && st.Error == "" {
		st.Error = "pipeline failed"
	}
	finalizeChildren(st.ChildExecutions, st.Status, finished)
	return true
}

// finalizeChildren closes children still open when their owner ends.
func finalizeChildren(children map[string]*ChildExecutionState, status Status, at time.Time) {
	for _, c := range children {
		if !c.Status.Terminal() {
			c.Status = status
			t := at
			c.FinishedAt = &t
		}
		finalizeChildren(c.Children, status, at)
	}
}

func onPipelinePaused(st *ExecutionState, e events.PipelinePaused) bool {
	if st.Status.Terminal() || !claim(st, e.ExecutionID) {
		return false
	}
	if st.Status == StatusPaused {
		return false
	}
	st.Status = StatusPaused
	return true
}
