package aggregator

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/flowwatch/internal/events"
)

type delivery struct {
	executionID string
	chunks      []events.OutputChunk
}

type recorder struct {
	mu   sync.Mutex
	got  []delivery
	sent chan struct{}
}

func newRecorder() *recorder {
	return &recorder{sent: make(chan struct{}, 64)}
}

func (r *recorder) deliver(executionID string, chunks []events.OutputChunk) {
	r.mu.Lock()
	r.got = append(r.got, delivery{executionID, chunks})
	r.mu.Unlock()
	r.sent <- struct{}{}
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery before deadline")
	}
}

func chunk(step string, stream events.Stream, content string) events.OutputChunk {
	return events.OutputChunk{PipelineID: "p1", ExecutionID: "e1", StepID: step, Stream: stream, Content: content}
}

func TestTimerFlushMergesChunks(t *testing.T) {
	rec := newRecorder()
	a := New(rec.deliver, Options{Delay: 20 * time.Millisecond})
	defer a.Stop()

	a.Buffer("e1", chunk("s1", events.Stdout, "hel"))
	a.Buffer("e1", chunk("s1", events.Stdout, "lo"))
	if a.Pending("e1") != 5 {
		t.Errorf("pending = %d, want 5", a.Pending("e1"))
	}
	rec.wait(t)

	got := rec.deliveries()
	if len(got) != 1 || len(got[0].chunks) != 1 || got[0].chunks[0].Content != "hello" {
		t.Fatalf("deliveries = %+v", got)
	}
	if a.Pending("e1") != 0 {
		t.Error("buffer not cleared after flush")
	}
}

func TestThresholdFlushIsImmediate(t *testing.T) {
	rec := newRecorder()
	a := New(rec.deliver, Options{Delay: time.Hour, Threshold: 8})
	defer a.Stop()

	a.Buffer("e1", chunk("s1", events.Stdout, "1234"))
	if len(rec.deliveries()) != 0 {
		t.Fatal("delivered below threshold")
	}
	a.Buffer("e1", chunk("s1", events.Stdout, "5678"))
	got := rec.deliveries()
	if len(got) != 1 || got[0].chunks[0].Content != "12345678" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestMergeRespectsStepAndStream(t *testing.T) {
	rec := newRecorder()
	a := New(rec.deliver, Options{Delay: time.Hour})
	defer a.Stop()

	a.Buffer("e1", chunk("s1", events.Stdout, "a"))
	a.Buffer("e1", chunk("s1", events.Stderr, "b"))
	a.Buffer("e1", chunk("s1", events.Stderr, "c"))
	a.Buffer("e1", chunk("s2", events.Stderr, "d"))
	a.FlushExecution("e1")

	got := rec.deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d", len(got))
	}
	var parts []string
	for _, c := range got[0].chunks {
		parts = append(parts, c.StepID+":"+string(c.Stream)+":"+c.Content)
	}
	if strings.Join(parts, ",") != "s1:stdout:a,s1:stderr:bc,s2:stderr:d" {
		t.Errorf("chunks = %v", parts)
	}
}

func TestFlushExecutionIsScoped(t *testing.T) {
	rec := newRecorder()
	a := New(rec.deliver, Options{Delay: time.Hour})
	defer a.Stop()

	a.Buffer("e1", chunk("s1", events.Stdout, "one"))
	a.Buffer("e2", chunk("s1", events.Stdout, "two"))
	a.FlushExecution("e1")

	got := rec.deliveries()
	if len(got) != 1 || got[0].executionID != "e1" {
		t.Fatalf("deliveries = %+v", got)
	}
	if a.Pending("e2") != 3 {
		t.Errorf("e2 pending = %d", a.Pending("e2"))
	}
	a.FlushExecution("missing")
	if len(rec.deliveries()) != 1 {
		t.Error("empty flush delivered")
	}
}

func TestFlushDeliversEverything(t *testing.T) {
	rec := newRecorder()
	a := New(rec.deliver, Options{Delay: time.Hour})
	defer a.Stop()

	a.Buffer("e1", chunk("s1", events.Stdout, "one"))
	a.Buffer("e2", chunk("s1", events.Stdout, "two"))
	a.Flush()

	seen := map[string]bool{}
	for _, d := range rec.deliveries() {
		seen[d.executionID] = true
	}
	if !seen["e1"] || !seen["e2"] {
		t.Errorf("delivered = %v", seen)
	}
	a.Flush()
	if len(rec.deliveries()) != 2 {
		t.Error("second flush delivered again")
	}
}

func TestStopFlushesAndDeliversSynchronously(t *testing.T) {
	rec := newRecorder()
	a := New(rec.deliver, Options{Delay: time.Hour})

	a.Buffer("e1", chunk("s1", events.Stdout, "pending"))
	a.Stop()
	if got := rec.deliveries(); len(got) != 1 || got[0].chunks[0].Content != "pending" {
		t.Fatalf("deliveries after stop = %+v", got)
	}

	a.Buffer("e1", chunk("s1", events.Stdout, "late"))
	got := rec.deliveries()
	if len(got) != 2 || got[1].chunks[0].Content != "late" {
		t.Errorf("late chunk = %+v", got)
	}
}

func TestDefaults(t *testing.T) {
	a := New(func(string, []events.OutputChunk) {}, Options{})
	if a.delay != DefaultDelay || a.limit != DefaultThreshold {
		t.Errorf("delay = %v limit = %d", a.delay, a.limit)
	}
}
