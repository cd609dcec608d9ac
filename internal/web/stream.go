package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

// Message is one Server-Sent Event.
type Message struct {
	Event string
	Data  []byte
}

// Hub fans messages out to stream subscribers. A subscriber that falls
// behind loses messages rather than stalling publishers.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan Message]struct{}
	buffer  int
	closed  bool
	dropped uint64
}

// NewHub creates a Hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[chan Message]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber. The channel is closed by the returned
// cancel func or by Close.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Message, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish encodes v as JSON and offers it to every subscriber.
func (h *Hub) Publish(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg := Message{Event: event, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many messages slow subscribers have missed.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close ends every subscription. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	clear(h.subs)
}

// PipelineSummary is a pipeline snapshot without its output buffer.
type PipelineSummary struct {
	PipelineID         string                                  `json:"pipelineId"`
	PipelineName       string                                  `json:"pipelineName,omitempty"`
	ExecutionID        string                                  `json:"executionId,omitempty"`
	Status             tracker.Status                          `json:"status"`
	CurrentStep        *tracker.StepRef                        `json:"currentStep,omitempty"`
	CompletedStepCount int                                     `json:"completedStepCount"`
	TotalStepCount     int                                     `json:"totalStepCount"`
	ProgressPercent    int                                     `json:"progressPercent"`
	Error              string                                  `json:"error,omitempty"`
	StartedAt          *time.Time                              `json:"startedAt,omitempty"`
	FinishedAt         *time.Time                              `json:"finishedAt,omitempty"`
	ChildExecutions    map[string]*tracker.ChildExecutionState `json:"childExecutions,omitempty"`
	Version            uint64                                  `json:"version"`
}

// Summarize drops the output buffer from a snapshot.
func Summarize(st tracker.ExecutionState) PipelineSummary {
	return PipelineSummary{
		PipelineID:         st.PipelineID,
		PipelineName:       st.PipelineName,
		ExecutionID:        st.ExecutionID,
		Status:             st.Status,
		CurrentStep:        st.CurrentStep,
		CompletedStepCount: st.CompletedStepCount,
		TotalStepCount:     st.TotalStepCount,
		ProgressPercent:    st.ProgressPercent,
		Error:              st.Error,
		StartedAt:          st.StartedAt,
		FinishedAt:         st.FinishedAt,
		ChildExecutions:    st.ChildExecutions,
		Version:            st.Version,
	}
}

// OutputBatch carries output lines not yet sent for a pipeline.
type OutputBatch struct {
	PipelineID string               `json:"pipelineId"`
	Lines      []tracker.OutputLine `json:"lines"`
}

// Relay turns tracker callbacks into hub messages: a "pipeline" summary per
// change, an "output" message with only the new lines, and "batch" updates.
type Relay struct {
	hub *Hub
	log *zap.Logger

	mu          sync.Mutex
	lastLine    map[string]uint64
	lastVersion map[string]uint64
}

// NewRelay creates a Relay publishing to hub.
func NewRelay(hub *Hub, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		hub:         hub,
		log:         log,
		lastLine:    make(map[string]uint64),
		lastVersion: make(map[string]uint64),
	}
}

// Pipeline publishes a pipeline change. Snapshots no newer than the last one
// published for the pipeline are skipped.
func (r *Relay) Pipeline(st tracker.ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastVersion[st.PipelineID]; ok && st.Version <= last {
		r.log.Debug("skipped stale snapshot",
			zap.String("pipeline", st.PipelineID), zap.Uint64("version", st.Version), zap.Uint64("last", last))
		return
	}
	r.lastVersion[st.PipelineID] = st.Version
	r.publish("pipeline", Summarize(st))

	seen := r.lastLine[st.PipelineID]
	var fresh []tracker.OutputLine
	for _, l := range st.Lines() {
		if l.ID > seen {
			fresh = append(fresh, l)
			seen = l.ID
		}
	}
	r.lastLine[st.PipelineID] = seen
	if len(fresh) > 0 {
		r.publish("output", OutputBatch{PipelineID: st.PipelineID, Lines: fresh})
	}
}

// EngineStatus reports whether the event stream from the engine is up.
type EngineStatus struct {
	Connected bool     `json:"connected"`
	Restored  []string `json:"restored,omitempty"`
}

// Engine publishes a change in the engine connection.
func (r *Relay) Engine(status EngineStatus) {
	r.publish("engine", status)
}

// Batch publishes a batch change.
func (r *Relay) Batch(e batch.Execution) {
	r.publish("batch", e)
}

func (r *Relay) publish(event string, v any) {
	if err := r.hub.Publish(event, v); err != nil {
		r.log.Warn("publish stream message", zap.String("event", event), zap.Error(err))
	}
}

const keepAlive = 15 * time.Second

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleStream serves a Server-Sent Events stream. The first event is a
// "snapshot" of all pipelines and active batches; "done" is sent when the
// server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	msgs, cancel := s.hub.Subscribe()
	defer cancel()

	states := s.pipelines.List()
	summaries := make([]PipelineSummary, len(states))
	for i, st := range states {
		summaries[i] = Summarize(st)
	}
	active := s.batches.Active()
	if active == nil {
		active = []batch.Execution{}
	}
	snapshot, err := json.Marshal(map[string]any{"pipelines": summaries, "batches": active})
	if err != nil {
		s.log.Warn("encode snapshot", zap.Error(err))
		return
	}
	if err := writeEvent(w, "snapshot", snapshot); err != nil {
		return
	}
	flusher.Flush()

	tick := time.NewTicker(keepAlive)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				writeEvent(w, "done", []byte(`"server shutting down"`))
				flusher.Flush()
				return
			}
			if err := writeEvent(w, msg.Event, msg.Data); err != nil {
				return
			}
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		flusher.Flush()
	}
}
