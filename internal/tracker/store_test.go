package tracker

import (
	"errors"
	"testing"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// startedStore returns a store tracking pipelineID with a resolved start.
func startedStore(t *testing.T, pipelineID, executionID string, totalSteps int) *Store {
	t.Helper()
	s := NewStore(0, nil)
	tk, err := s.BeginStart(pipelineID, StartOptions{PipelineName: "Deploy", TotalSteps: totalSteps})
	if err != nil {
		t.Fatalf("BeginStart: %v", err)
	}
	if !s.ResolveStart(tk, executionID) {
		t.Fatal("ResolveStart discarded")
	}
	return s
}

func TestStoreGetUntrackedIsIdle(t *testing.T) {
	s := NewStore(0, nil)
	st := s.Get("nope")
	if st.Status != StatusIdle || st.PipelineID != "nope" || st.ExecutionID != "" {
		t.Errorf("state = %+v", st)
	}
	if s.Tracked("nope") {
		t.Error("Get should not start tracking")
	}
}

func TestStoreUpdateAndClear(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)
	s.Update("p1", func(st *ExecutionState) {
		st.ExecutionID = "e2"
		st.Error = "manual"
	})
	if _, ok := s.PipelineFor("e1"); ok {
		t.Error("stale execution id still indexed")
	}
	if id, ok := s.PipelineFor("e2"); !ok || id != "p1" {
		t.Errorf("PipelineFor(e2) = %q, %v", id, ok)
	}

	s.Clear("p1")
	if s.Tracked("p1") {
		t.Error("pipeline still tracked after Clear")
	}
	if _, ok := s.PipelineFor("e2"); ok {
		t.Error("execution index not cleared")
	}
	if got := s.Get("p1").Status; got != StatusIdle {
		t.Errorf("status after clear = %s", got)
	}
}

func TestStoreSnapshotsAreCopies(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1", StepName: "build"})

	snap := s.Get("p1")
	snap.CurrentStep.Name = "mutated"
	snap.Output.Append(line("mutated"))

	got := s.Get("p1")
	if got.CurrentStep.Name != "build" || got.Output.Len() != 1 {
		t.Errorf("store mutated through snapshot: %+v", got)
	}
}

func TestStoreListSorted(t *testing.T) {
	s := NewStore(0, nil)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := s.BeginStart(id, StartOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	list := s.List()
	if len(list) != 3 || list[0].PipelineID != "a" || list[2].PipelineID != "c" {
		t.Errorf("list = %v", list)
	}
}

func TestApplyDropsForeignEvents(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)

	if ch := s.Apply(events.StepStarted{PipelineID: "other", ExecutionID: "x", StepID: "s1"}); ch.Applied || ch.PipelineID != "" {
		t.Errorf("untracked pipeline: %+v", ch)
	}
	if ch := s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e-old", StepID: "s1"}); ch.Applied || ch.PipelineID != "p1" {
		t.Errorf("other execution: %+v", ch)
	}
	if ch := s.Apply(events.ChildStarted{ParentExecutionID: "nobody", ParentNodeID: "s1", ChildExecutionID: "c1"}); ch.Applied {
		t.Errorf("child of unknown execution applied: %+v", ch)
	}
	if ch := s.Apply(events.BatchProgress{ExecutionID: "b1"}); ch.Applied || ch.PipelineID != "" {
		t.Errorf("batch event: %+v", ch)
	}
}

func TestApplyRoutesByExecutionIDWhenPipelineMissing(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)
	ch := s.Apply(events.StepStarted{ExecutionID: "e1", StepID: "s1"})
	if !ch.Applied || ch.PipelineID != "p1" {
		t.Errorf("change = %+v", ch)
	}
}

func TestApplyFinishedOnce(t *testing.T) {
	s := startedStore(t, "p1", "e1", 1)
	ev := events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "completed"}
	if ch := s.Apply(ev); !ch.Finished {
		t.Error("first completion should finish")
	}
	if ch := s.Apply(ev); ch.Applied || ch.Finished {
		t.Errorf("duplicate completion: %+v", ch)
	}
}

func TestApplyOutputBatch(t *testing.T) {
	s := startedStore(t, "p1", "e1", 1)
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1", StepName: "build"})
	ch := s.ApplyOutput([]events.OutputChunk{
		{PipelineID: "p1", ExecutionID: "e1", StepID: "s1", Content: "a"},
		{PipelineID: "p1", ExecutionID: "e1", StepID: "s1", Content: "b", Stream: events.Stderr},
	})
	if !ch.Applied || ch.State.Output.Len() != 3 {
		t.Fatalf("change = %+v", ch)
	}
	if ch := s.ApplyOutput(nil); ch.Applied {
		t.Error("empty batch applied")
	}
	if ch := s.ApplyOutput([]events.OutputChunk{{ExecutionID: "unknown", Content: "x"}}); ch.Applied {
		t.Error("orphan output applied")
	}
}

func TestBeginStartRejectsActivePipeline(t *testing.T) {
	s := startedStore(t, "p1", "e1", 1)
	if _, err := s.BeginStart("p1", StartOptions{}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestBeginStartResetsFinishedRun(t *testing.T) {
	s := startedStore(t, "p1", "e1", 1)
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1"})
	s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "completed"})

	if _, err := s.BeginStart("p1", StartOptions{TotalSteps: 4}); err != nil {
		t.Fatal(err)
	}
	st := s.Get("p1")
	if st.Status != StatusStarting || st.ExecutionID != "" || st.Output.Len() != 0 || st.CompletedStepCount != 0 {
		t.Errorf("state not reset: %+v", st)
	}
	if _, ok := s.PipelineFor("e1"); ok {
		t.Error("previous execution still indexed")
	}
}

func TestIdentityRaceEventWins(t *testing.T) {
	s := NewStore(0, nil)
	tk, err := s.BeginStart("p1", StartOptions{TotalSteps: 2})
	if err != nil {
		t.Fatal(err)
	}
	if st := s.Get("p1"); st.Status != StatusStarting || st.ExecutionID != "" {
		t.Fatalf("optimistic state = %+v", st)
	}

	ch := s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e-event", StepID: "s1"})
	if !ch.Applied {
		t.Fatal("first event not applied")
	}
	if s.ResolveStart(tk, "e-response") {
		t.Error("late response with another id was written")
	}

	st := s.Get("p1")
	if st.ExecutionID != "e-event" || st.Status != StatusRunning {
		t.Errorf("execution = %q status = %s", st.ExecutionID, st.Status)
	}
	if _, ok := s.PipelineFor("e-response"); ok {
		t.Error("losing id indexed")
	}
}

func TestIdentityRaceSameIDIsNoop(t *testing.T) {
	s := NewStore(0, nil)
	tk, _ := s.BeginStart("p1", StartOptions{TotalSteps: 2})
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1"})
	if s.ResolveStart(tk, "e1") {
		t.Error("confirmation reported as a write")
	}
	if st := s.Get("p1"); st.ExecutionID != "e1" || st.CurrentStep == nil {
		t.Errorf("state = %+v", st)
	}
}

func TestLateResponseAfterTerminalDiscarded(t *testing.T) {
	s := NewStore(0, nil)
	tk, _ := s.BeginStart("p1", StartOptions{TotalSteps: 1})
	s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "failed"})

	if s.ResolveStart(tk, "e1") {
		t.Error("response written after terminal event")
	}
	if st := s.Get("p1"); st.Status != StatusFailed {
		t.Errorf("status = %s, want failed", st.Status)
	}
}

func TestResolveStartSupersededTicket(t *testing.T) {
	s := NewStore(0, nil)
	old, _ := s.BeginStart("p1", StartOptions{})
	s.AbortStart(old)
	cur, _ := s.BeginStart("p1", StartOptions{})

	if s.ResolveStart(old, "e-old") {
		t.Error("superseded ticket resolved")
	}
	if !s.ResolveStart(cur, "e-new") {
		t.Error("current ticket discarded")
	}
	if got := s.Get("p1").ExecutionID; got != "e-new" {
		t.Errorf("execution = %q", got)
	}
}

func TestAbortStartRestoresPriorState(t *testing.T) {
	s := NewStore(0, nil)
	tk, _ := s.BeginStart("p1", StartOptions{})
	s.AbortStart(tk)
	if s.Tracked("p1") {
		t.Error("pipeline with no prior state still tracked")
	}

	s = startedStore(t, "p1", "e1", 1)
	s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "completed"})
	tk, err := s.BeginStart("p1", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	s.AbortStart(tk)
	st := s.Get("p1")
	if st.Status != StatusCompleted || st.ExecutionID != "e1" {
		t.Errorf("prior state not restored: %+v", st)
	}
	if id, ok := s.PipelineFor("e1"); !ok || id != "p1" {
		t.Error("prior execution not reindexed")
	}
}

func TestAbortStartKeepsEventBoundState(t *testing.T) {
	s := NewStore(0, nil)
	tk, _ := s.BeginStart("p1", StartOptions{})
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1"})
	s.AbortStart(tk)
	if st := s.Get("p1"); st.ExecutionID != "e1" || st.Status != StatusRunning {
		t.Errorf("event-bound state rolled back: %+v", st)
	}
}

func TestBeginCancelErrors(t *testing.T) {
	s := NewStore(0, nil)
	if _, err := s.BeginCancel("p1"); !errors.Is(err, ErrNotBound) {
		t.Errorf("untracked: %v", err)
	}
	s.BeginStart("p1", StartOptions{})
	if _, err := s.BeginCancel("p1"); !errors.Is(err, ErrNotBound) {
		t.Errorf("unbound: %v", err)
	}

	s = startedStore(t, "p2", "e2", 1)
	s.Apply(events.PipelineCompleted{PipelineID: "p2", ExecutionID: "e2", Status: "completed"})
	if _, err := s.BeginCancel("p2"); !errors.Is(err, ErrTerminal) {
		t.Errorf("terminal: %v", err)
	}
}

func TestOptimisticCancelCorrectedByEngine(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1"})

	id, err := s.BeginCancel("p1")
	if err != nil || id != "e1" {
		t.Fatalf("BeginCancel = %q, %v", id, err)
	}
	if st := s.Get("p1"); st.Status != StatusCancelled || st.CurrentStep != nil {
		t.Fatalf("optimistic state = %+v", st)
	}

	ch := s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "completed"})
	if !ch.Applied || !ch.Finished {
		t.Fatalf("authoritative completion: %+v", ch)
	}
	if ch.State.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", ch.State.Status)
	}
	if ch := s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "failed"}); ch.Applied {
		t.Error("second correction applied")
	}
}

func TestRollbackCancel(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1"})
	s.BeginCancel("p1")
	s.RollbackCancel("p1", "e1")

	st := s.Get("p1")
	if st.Status != StatusRunning || st.CurrentStep == nil || st.CurrentStep.ID != "s1" || st.FinishedAt != nil {
		t.Errorf("state after rollback = %+v", st)
	}
}

func TestContinueLifecycle(t *testing.T) {
	s := startedStore(t, "p1", "e1", 2)
	if _, err := s.BeginContinue("p1"); !errors.Is(err, ErrNotPaused) {
		t.Errorf("running pipeline: %v", err)
	}
	s.Apply(events.PipelinePaused{PipelineID: "p1", ExecutionID: "e1"})

	id, err := s.BeginContinue("p1")
	if err != nil || id != "e1" {
		t.Fatalf("BeginContinue = %q, %v", id, err)
	}
	if got := s.Get("p1").Status; got != StatusRunning {
		t.Errorf("status = %s", got)
	}
	s.RollbackContinue("p1", "e1")
	if got := s.Get("p1").Status; got != StatusPaused {
		t.Errorf("status after rollback = %s", got)
	}
}

func TestApplyNestedChildEvents(t *testing.T) {
	s := startedStore(t, "p1", "e1", 1)
	s.Apply(events.ChildStarted{ParentExecutionID: "e1", ParentNodeID: "s1", ChildExecutionID: "c1"})
	ch := s.Apply(events.ChildStarted{ParentExecutionID: "c1", ParentNodeID: "n1", ChildExecutionID: "g1"})
	if !ch.Applied || ch.PipelineID != "p1" {
		t.Fatalf("grandchild change = %+v", ch)
	}
	if g := ch.State.ChildExecutions["s1"].Children["n1"]; g == nil || g.ChildExecutionID != "g1" {
		t.Errorf("grandchild = %+v", g)
	}
}

func TestRestartIgnoresLateEventsOfPreviousRun(t *testing.T) {
	s := startedStore(t, "p1", "e-old", 2)
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e-old", StepID: "s1", StepName: "build"})
	if _, err := s.BeginCancel("p1"); err != nil {
		t.Fatal(err)
	}

	tk, err := s.BeginStart("p1", StartOptions{TotalSteps: 2})
	if err != nil {
		t.Fatal(err)
	}
	// The old run's completion and a duplicate of its step event arrive
	// while the new start waits for its response.
	for _, ev := range []events.Event{
		events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e-old", Status: "cancelled"},
		events.StepStarted{PipelineID: "p1", ExecutionID: "e-old", StepID: "s1", StepName: "build"},
	} {
		if ch := s.Apply(ev); ch.Applied {
			t.Fatalf("%s of previous run applied to the new start", ev.Kind())
		}
	}
	if st := s.Get("p1"); st.Status != StatusStarting || st.ExecutionID != "" {
		t.Fatalf("new start hijacked: %s %q", st.Status, st.ExecutionID)
	}

	if !s.ResolveStart(tk, "e-new") {
		t.Fatal("response for the new run discarded")
	}
	if ch := s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e-new", StepID: "s1", StepName: "build"}); !ch.Applied {
		t.Error("event for the new run dropped")
	}
	st := s.Get("p1")
	if st.ExecutionID != "e-new" || st.Status != StatusRunning {
		t.Errorf("state = %s %q", st.Status, st.ExecutionID)
	}
}

func TestRetiredIDsSurviveSeveralRestarts(t *testing.T) {
	s := startedStore(t, "p1", "e1", 1)
	s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e1", Status: "completed"})
	tk, _ := s.BeginStart("p1", StartOptions{})
	s.ResolveStart(tk, "e2")
	s.Apply(events.PipelineCompleted{PipelineID: "p1", ExecutionID: "e2", Status: "failed"})

	if _, err := s.BeginStart("p1", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"e1", "e2"} {
		if ch := s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: id, StepID: "s1"}); ch.Applied {
			t.Errorf("event of earlier run %s bound the new start", id)
		}
	}
	if ch := s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e3", StepID: "s1"}); !ch.Applied {
		t.Error("event of the new run not bound")
	}
}

func TestStoreVersionsIncrease(t *testing.T) {
	s := NewStore(0, nil)
	var seen []uint64
	note := func() { seen = append(seen, s.Get("p1").Version) }

	note() // untracked
	tk, _ := s.BeginStart("p1", StartOptions{TotalSteps: 2})
	note()
	s.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "e1", StepID: "s1"})
	note()
	s.ResolveStart(tk, "e1") // confirmation only, no change
	s.ApplyOutput([]events.OutputChunk{{PipelineID: "p1", ExecutionID: "e1", StepID: "s1", Content: "x"}})
	note()
	s.BeginCancel("p1")
	note()
	s.RollbackCancel("p1", "e1")
	note()
	s.Clear("p1")
	note()

	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("versions not strictly increasing: %v", seen)
		}
	}

	// A foreign event leaves the version alone.
	s2 := startedStore(t, "p1", "e1", 2)
	before := s2.Get("p1").Version
	s2.Apply(events.StepStarted{PipelineID: "p1", ExecutionID: "other", StepID: "s1"})
	if s2.Get("p1").Version != before {
		t.Error("version moved for an ignored event")
	}
}
