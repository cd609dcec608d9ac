package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lucasnoah/flowwatch/internal/events"
)

// ErrUnknownKind is returned by Decode for event types it does not know.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the wire frame of every pushed event.
type Envelope struct {
	Type events.Kind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one envelope into a typed event.
func Decode(raw []byte) (events.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := decodeData(env.Type, env.Data)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeData(kind events.Kind, data json.RawMessage) (events.Event, error) {
	switch kind {
	case events.KindStepStarted:
		return into[events.StepStarted](kind, data)
	case events.KindOutputChunk:
		return into[events.OutputChunk](kind, data)
	case events.KindStepCompleted:
		return into[events.StepCompleted](kind, data)
	case events.KindPipelineCompleted:
		return into[events.PipelineCompleted](kind, data)
	case events.KindPipelinePaused:
		return into[events.PipelinePaused](kind, data)
	case events.KindChildStarted:
		return into[events.ChildStarted](kind, data)
	case events.KindChildProgress:
		return into[events.ChildProgress](kind, data)
	case events.KindChildCompleted:
		return into[events.ChildCompleted](kind, data)
	case events.KindBatchProgress:
		return into[events.BatchProgress](kind, data)
	case events.KindBatchCompleted:
		return into[events.BatchCompleted](kind, data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func into[T events.Event](kind events.Kind, data json.RawMessage) (events.Event, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
	}
	return v, nil
}

// Encode wraps an event in its envelope.
func Encode(ev events.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Data: data})
}
