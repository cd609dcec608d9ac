// Package tracker maintains a consistent picture of pipelines executed by an
// external engine. It consumes the engine's lifecycle events, arbitrates the
// race between a start command's response and the first event, and restores
// state after the observer reattaches.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/aggregator"
	"github.com/lucasnoah/flowwatch/internal/events"
	"github.com/lucasnoah/flowwatch/internal/history"
)

var (
	// ErrAlreadyAttached is returned by Attach on an attached tracker.
	ErrAlreadyAttached = errors.New("tracker already attached")
	// ErrNotAttached is returned by Detach on a detached tracker.
	ErrNotAttached = errors.New("tracker not attached")
)

// HistorySink persists finished runs.
type HistorySink interface {
	Save(ctx context.Context, rec history.Record) error
}

// Options configure a Tracker.
type Options struct {
	OutputCapacity int
	FlushInterval  time.Duration
	FlushThreshold int
	// HistoryTimeout bounds each fire-and-forget history write.
	HistoryTimeout time.Duration

	Logger  *zap.Logger
	History HistorySink
	// OnComplete runs once per finished run, on the event goroutine.
	OnComplete func(st ExecutionState)
	// OnChange runs after every applied change. Command calls, the event
	// loop and output flushes can invoke it concurrently.
	OnChange func(st ExecutionState)
	// Handlers receive events the tracker does not own (batch events).
	Handlers []EventHandler

	// ReconnectDelay is the first wait before resubscribing after the event
	// stream ends; it doubles on each failed attempt up to
	// MaxReconnectDelay. A negative delay disables reconnection and the
	// tracker detaches when the stream ends.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// OnDisconnect runs on the event goroutine when the stream ends without
	// a Detach.
	OnDisconnect func()
	// OnReconnect runs after a resubscription and its restoration succeed.
	OnReconnect func(report *RestoreReport)
}

// Reconnect defaults.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Tracker is one observation session over the engine.
type Tracker struct {
	backend  Backend
	source   EventSource
	store    *Store
	agg      *aggregator.Aggregator
	restorer *Restorer
	opts     Options
	log      *zap.Logger

	mu       sync.Mutex
	attached bool
	stop     context.CancelFunc
	done     chan struct{}
	// closeErr is written by the event loop before done is closed.
	closeErr error

	saves sync.WaitGroup
}

// New creates a Tracker. source may be nil when events are fed through
// HandleEvent directly.
func New(backend Backend, source EventSource, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	t := &Tracker{
		backend: backend,
		source:  source,
		opts:    opts,
		log:     opts.Logger,
	}
	t.store = NewStore(opts.OutputCapacity, t.log)
	t.restorer = NewRestorer(backend, t.store, t.log)
	t.agg = aggregator.New(t.deliverOutput, aggregator.Options{
		Delay:     opts.FlushInterval,
		Threshold: opts.FlushThreshold,
	})
	return t
}

// Store exposes the state store for reads.
func (t *Tracker) Store() *Store {
	return t.store
}

// Get returns a snapshot of a pipeline's state.
func (t *Tracker) Get(pipelineID string) ExecutionState {
	return t.store.Get(pipelineID)
}

// List returns snapshots of every tracked pipeline.
func (t *Tracker) List() []ExecutionState {
	return t.store.List()
}

// Clear forgets a pipeline, typically after the user dismisses a finished
// run.
func (t *Tracker) Clear(pipelineID string) {
	t.store.Clear(pipelineID)
}

// Attach subscribes to the engine's events, restores state from the engine,
// and then starts applying events. Events that arrive during restoration
// wait in the subscription and are applied afterwards.
func (t *Tracker) Attach(ctx context.Context) (*RestoreReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.liveLocked() {
		return nil, ErrAlreadyAttached
	}
	if t.attached {
		// The previous loop ended with its stream.
		_ = t.releaseLocked()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	var sub Subscription
	if t.source != nil {
		s, err := t.source.Subscribe(loopCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe to events: %w", err)
		}
		sub = s
	}

	report, err := t.restorer.Restore(ctx)
	if err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		cancel()
		return nil, err
	}

	t.attached = true
	t.stop = cancel
	t.closeErr = nil
	t.done = make(chan struct{})
	go t.loop(loopCtx, sub, t.done)
	return report, nil
}

// Detach unsubscribes, waits for the event loop to exit and flushes pending
// output. The tracker may be attached again afterwards.
func (t *Tracker) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		return ErrNotAttached
	}
	return t.releaseLocked()
}

func (t *Tracker) releaseLocked() error {
	t.stop()
	<-t.done
	t.agg.Flush()
	t.attached = false
	return t.closeErr
}

// liveLocked reports whether an event loop is running.
func (t *Tracker) liveLocked() bool {
	if !t.attached {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Attached reports whether the tracker holds a live subscription. It turns
// false when the stream ends and reconnection is disabled.
func (t *Tracker) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveLocked()
}

// Done returns a channel closed when the current event loop exits, or nil
// when never attached. With reconnection enabled the loop only exits on
// Detach.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Close detaches if needed, stops the aggregator and waits for in-flight
// history writes.
func (t *Tracker) Close() error {
	var err error
	t.mu.Lock()
	if t.attached {
		err = t.releaseLocked()
	}
	t.mu.Unlock()
	t.agg.Stop()
	t.saves.Wait()
	return err
}

// loop applies events until Detach. When the stream ends on its own it
// resubscribes and restores with backoff, unless reconnection is disabled.
func (t *Tracker) loop(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)
	if sub == nil {
		<-ctx.Done()
		return
	}
	for {
		if !t.drain(ctx, sub) {
			t.closeErr = sub.Close()
			return
		}
		_ = sub.Close()
		t.agg.Flush()
		t.log.Warn("event stream closed")
		if t.opts.OnDisconnect != nil {
			t.opts.OnDisconnect()
		}
		if t.opts.ReconnectDelay < 0 {
			return
		}
		next, ok := t.reconnect(ctx)
		if !ok {
			return
		}
		sub = next
	}
}

// drain applies events from sub. It returns true when the stream ended and
// false when ctx was cancelled.
func (t *Tracker) drain(ctx context.Context, sub Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return true
			}
			t.HandleEvent(ev)
		}
	}
}

// reconnect resubscribes and restores until both succeed or ctx ends.
func (t *Tracker) reconnect(ctx context.Context) (Subscription, bool) {
	delay := t.opts.ReconnectDelay
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		sub, err := t.source.Subscribe(ctx)
		if err == nil {
			var report *RestoreReport
			report, err = t.restorer.Restore(ctx)
			if err == nil {
				t.log.Info("event stream reconnected",
					zap.Int("attempt", attempt), zap.Strings("restored", report.Restored))
				t.afterRestore(report)
				return sub, true
			}
			_ = sub.Close()
		}
		if ctx.Err() != nil {
			return nil, false
		}
		delay = min(delay*2, t.opts.MaxReconnectDelay)
		t.log.Warn("reconnect failed",
			zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
	}
}

// afterRestore publishes restored pipelines and flags bound runs the engine
// no longer reports: they ended while the stream was down.
func (t *Tracker) afterRestore(report *RestoreReport) {
	seen := make(map[string]bool, len(report.Restored)+len(report.Skipped))
	for _, id := range report.Restored {
		seen[id] = true
		t.changed(t.store.Get(id))
	}
	for _, id := range report.Skipped {
		seen[id] = true
	}
	for _, st := range t.store.List() {
		if st.Status.Active() && st.ExecutionID != "" && !seen[st.PipelineID] {
			t.log.Warn("execution not running after reconnect, final state unknown",
				zapPipeline(st.PipelineID), zapExecution(st.ExecutionID))
		}
	}
	if t.opts.OnReconnect != nil {
		t.opts.OnReconnect(report)
	}
}

// HandleEvent applies one event. It is called by the event loop and may be
// called directly when events are delivered by other means; callers must
// not invoke it concurrently.
func (t *Tracker) HandleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.OutputChunk:
		t.agg.Buffer(e.ExecutionID, e)
		return
	case events.BatchProgress, events.BatchCompleted:
		t.dispatch(ev)
		return
	}

	// Pending output precedes any state change for the same execution.
	if id := events.ExecutionID(ev); id != "" {
		t.agg.FlushExecution(id)
	}

	ch := t.store.Apply(ev)
	if !ch.Applied {
		if ch.PipelineID == "" && t.dispatch(ev) {
			return
		}
		t.log.Debug("dropped stale event",
			zap.String("kind", string(ev.Kind())),
			zapPipeline(ch.PipelineID),
			zapExecution(events.ExecutionID(ev)))
		return
	}
	t.changed(ch.State)
	if ch.Finished {
		t.finish(ch.State)
	}
}

func (t *Tracker) dispatch(ev events.Event) bool {
	for _, h := range t.opts.Handlers {
		if h.HandleEvent(ev) {
			return true
		}
	}
	return false
}

func (t *Tracker) deliverOutput(executionID string, chunks []events.OutputChunk) {
	ch := t.store.ApplyOutput(chunks)
	if !ch.Applied {
		t.log.Debug("dropped stale output", zapExecution(executionID), zap.Int("chunks", len(chunks)))
		return
	}
	t.changed(ch.State)
}

func (t *Tracker) changed(st ExecutionState) {
	if t.opts.OnChange != nil {
		t.opts.OnChange(st)
	}
}

// finish runs completion side effects: the callback synchronously, the
// history write in the background. History failures never reach the caller.
func (t *Tracker) finish(st ExecutionState) {
	if t.opts.OnComplete != nil {
		t.opts.OnComplete(st)
	}
	if t.opts.History == nil {
		return
	}
	rec := NewHistoryRecord(st)
	t.saves.Add(1)
	go func() {
		defer t.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.HistoryTimeout)
		defer cancel()
		if err := t.opts.History.Save(ctx, rec); err != nil {
			t.log.Warn("persist history record failed",
				zapPipeline(rec.PipelineID), zap.String("record", rec.ID), zap.Error(err))
		}
	}()
}

// Start begins a run. Local state moves to starting before the engine is
// called. On transport failure the prior state is restored. The returned id
// is whichever identity won the race with the first event.
func (t *Tracker) Start(ctx context.Context, pipelineID string, opts StartOptions) (string, error) {
	ticket, err := t.store.BeginStart(pipelineID, opts)
	if err != nil {
		return "", err
	}
	t.changed(t.store.Get(pipelineID))

	executionID, err := t.backend.Start(ctx, pipelineID)
	if err != nil {
		t.store.AbortStart(ticket)
		return "", fmt.Errorf("start pipeline %s: %w", pipelineID, err)
	}
	if !t.store.ResolveStart(ticket, executionID) {
		t.log.Debug("start response discarded",
			zapPipeline(pipelineID), zapExecution(executionID))
	}
	st := t.store.Get(pipelineID)
	t.changed(st)
	return st.ExecutionID, nil
}

// Cancel asks the engine to cancel a run and optimistically marks it
// cancelled. The engine's own pipeline-completed, if it differs, corrects
// the guess.
func (t *Tracker) Cancel(ctx context.Context, pipelineID string) error {
	executionID, err := t.store.BeginCancel(pipelineID)
	if err != nil {
		return err
	}
	t.changed(t.store.Get(pipelineID))
	if err := t.backend.Cancel(ctx, executionID); err != nil {
		t.store.RollbackCancel(pipelineID, executionID)
		t.changed(t.store.Get(pipelineID))
		return fmt.Errorf("cancel pipeline %s: %w", pipelineID, err)
	}
	return nil
}

// Continue resumes a paused run.
func (t *Tracker) Continue(ctx context.Context, pipelineID string) error {
	executionID, err := t.store.BeginContinue(pipelineID)
	if err != nil {
		return err
	}
	t.changed(t.store.Get(pipelineID))
	if err := t.backend.Continue(ctx, executionID); err != nil {
		t.store.RollbackContinue(pipelineID, executionID)
		t.changed(t.store.Get(pipelineID))
		return fmt.Errorf("continue pipeline %s: %w", pipelineID, err)
	}
	return nil
}

// Flush forces delivery of all buffered output.
func (t *Tracker) Flush() {
	t.agg.Flush()
}

// NewHistoryRecord converts a finished state into a history record.
func NewHistoryRecord(st ExecutionState) history.Record {
	rec := history.Record{
		ID:                 history.NewID(),
		PipelineID:         st.PipelineID,
		PipelineName:       st.PipelineName,
		Status:             string(st.Status),
		StepCount:          st.TotalStepCount,
		CompletedStepCount: st.CompletedStepCount,
		ErrorMessage:       st.Error,
	}
	if st.StartedAt != nil {
		rec.StartedAt = *st.StartedAt
	}
	if st.FinishedAt != nil {
		rec.FinishedAt = *st.FinishedAt
	} else {
		rec.FinishedAt = time.Now().UTC()
	}
	if !rec.StartedAt.IsZero() {
		rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}
	for _, l := range st.Lines() {
		rec.Output = append(rec.Output, history.OutputLine{
			StepID:    l.StepID,
			StepName:  l.StepName,
			Content:   l.Content,
			Stream:    string(l.Stream),
			Timestamp: l.Timestamp,
		})
	}
	return rec
}
