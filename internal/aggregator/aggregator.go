// Package aggregator batches high-frequency output chunks per execution
// before they are applied to tracker state.
package aggregator

import (
	"sync"
	"time"

	"github.com/lucasnoah/flowwatch/internal/events"
)

const (
	// DefaultDelay is how long a chunk may wait before it is delivered.
	DefaultDelay = 100 * time.Millisecond
	// DefaultThreshold is the buffered size, in bytes, that forces a flush.
	DefaultThreshold = 32 * 1024
)

// DeliverFunc receives the pending chunks of one execution, oldest first.
// Consecutive chunks of the same step and stream arrive concatenated.
type DeliverFunc func(executionID string, chunks []events.OutputChunk)

// Options configure an Aggregator. Zero values select the defaults.
type Options struct {
	Delay     time.Duration
	Threshold int
}

type pending struct {
	chunks []events.OutputChunk
	size   int
	timer  *time.Timer
}

// Aggregator accumulates output per execution id and delivers it on a timer
// or when a size threshold is crossed.
type Aggregator struct {
	deliver DeliverFunc
	delay   time.Duration
	limit   int

	// deliverMu serializes take-and-deliver so a timer flush and a forced
	// flush for the same execution cannot reorder.
	deliverMu sync.Mutex
	mu        sync.Mutex
	buffers   map[string]*pending
	stopped   bool
}

// New creates an Aggregator that hands batches to deliver.
func New(deliver DeliverFunc, opts Options) *Aggregator {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Aggregator{
		deliver: deliver,
		delay:   opts.Delay,
		limit:   opts.Threshold,
		buffers: make(map[string]*pending),
	}
}

// Buffer appends a chunk to the execution's accumulator. After Stop, chunks
// are delivered immediately.
func (a *Aggregator) Buffer(executionID string, chunk events.OutputChunk) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.deliverMu.Lock()
		a.deliver(executionID, []events.OutputChunk{chunk})
		a.deliverMu.Unlock()
		return
	}

	p, ok := a.buffers[executionID]
	if !ok {
		p = &pending{}
		a.buffers[executionID] = p
	}
	if n := len(p.chunks); n > 0 && mergeable(p.chunks[n-1], chunk) {
		p.chunks[n-1].Content += chunk.Content
	} else {
		p.chunks = append(p.chunks, chunk)
	}
	p.size += len(chunk.Content)

	full := p.size >= a.limit
	if !full && p.timer == nil {
		p.timer = time.AfterFunc(a.delay, func() { a.FlushExecution(executionID) })
	}
	a.mu.Unlock()

	if full {
		a.FlushExecution(executionID)
	}
}

func mergeable(prev, next events.OutputChunk) bool {
	return prev.PipelineID == next.PipelineID &&
		prev.StepID == next.StepID &&
		prev.Stream == next.Stream
}

// FlushExecution delivers whatever is pending for one execution.
func (a *Aggregator) FlushExecution(executionID string) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	chunks := a.takeLocked(executionID)
	a.mu.Unlock()

	if len(chunks) > 0 {
		a.deliver(executionID, chunks)
	}
}

// Flush delivers all pending buffers.
func (a *Aggregator) Flush() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	batches := make(map[string][]events.OutputChunk, len(a.buffers))
	for id := range a.buffers {
		batches[id] = a.takeLocked(id)
	}
	a.mu.Unlock()

	for id, chunks := range batches {
		if len(chunks) > 0 {
			a.deliver(id, chunks)
		}
	}
}

// Pending returns the number of bytes waiting for an execution.
func (a *Aggregator) Pending(executionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.buffers[executionID]; ok {
		return p.size
	}
	return 0
}

// Stop flushes everything and disables timers. Later chunks are delivered
// synchronously.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.Flush()
}

func (a *Aggregator) takeLocked(executionID string) []events.OutputChunk {
	p, ok := a.buffers[executionID]
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(a.buffers, executionID)
	return p.chunks
}
