package tracker

import "github.com/lucasnoah/flowwatch/internal/events"

// childScope returns the child map owned by parentExecutionID, which is
// either st itself or, for nested triggers, one of its descendants.
func childScope(st *ExecutionState, parentExecutionID string) map[string]*ChildExecutionState {
	if parentExecutionID == "" {
		return nil
	}
	if st.ExecutionID == parentExecutionID {
		return st.ChildExecutions
	}
	return findChildScope(st.ChildExecutions, parentExecutionID)
}

func findChildScope(children map[string]*ChildExecutionState, executionID string) map[string]*ChildExecutionState {
	for _, c := range children {
		if c.ChildExecutionID == executionID {
			if c.Children == nil {
				c.Children = make(map[string]*ChildExecutionState)
			}
			return c.Children
		}
		if m := findChildScope(c.Children, executionID); m != nil {
			return m
		}
	}
	return nil
}

func onChildStarted(st *ExecutionState, e events.ChildStarted) bool {
	if st.Status.Terminal() {
		return false
	}
	scope := childScope(st, e.ParentExecutionID)
	if scope == nil {
		return false
	}
	if prev, ok := scope[e.ParentNodeID]; ok && prev.ChildExecutionID == e.ChildExecutionID {
		return false
	}
	scope[e.ParentNodeID] = &ChildExecutionState{
		ChildExecutionID:  e.ChildExecutionID,
		ChildPipelineID:   e.ChildPipelineID,
		ChildPipelineName: e.ChildPipelineName,
		Status:            StatusRunning,
		TotalSteps:        e.TotalSteps,
		StartedAt:         eventTime(e.Timestamp),
		Children:          make(map[string]*ChildExecutionState),
	}
	return true
}

// trackedChild returns the open child for a progress/completion event, or nil
// when its child-started was never seen.
func trackedChild(st *ExecutionState, parentExecutionID, parentNodeID, childExecutionID string) *ChildExecutionState {
	if st.Status.Terminal() {
		return nil
	}
	scope := childScope(st, parentExecutionID)
	if scope == nil {
		return nil
	}
	c, ok := scope[parentNodeID]
	if !ok || c.ChildExecutionID != childExecutionID || c.Status.Terminal() {
		return nil
	}
	return c
}

func onChildProgress(st *ExecutionState, e events.ChildProgress) bool {
	c := trackedChild(st, e.ParentExecutionID, e.ParentNodeID, e.ChildExecutionID)
	if c == nil {
		return false
	}
	c.CurrentStep = e.CurrentStep
	if e.TotalSteps > 0 {
		c.TotalSteps = e.TotalSteps
	}
	c.CurrentStepName = e.CurrentStepName
	return true
}

func onChildCompleted(st *ExecutionState, e events.ChildCompleted) bool {
	c := trackedChild(st, e.ParentExecutionID, e.ParentNodeID, e.ChildExecutionID)
	if c == nil {
		return false
	}
	c.Status = parseTerminal(e.Status)
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	c.ErrorMessage = e.ErrorMessage
	finished := eventTime(e.Timestamp)
	c.FinishedAt = &finished
	c.CurrentStepName = ""
	return true
}
