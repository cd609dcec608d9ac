package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/events"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

// EventsPath is where the engine serves its event WebSocket.
const EventsPath = "/api/events"

// Stream subscribes to the engine's push events.
type Stream struct {
	cfg Config
	log *zap.Logger
}

var _ tracker.EventSource = (*Stream)(nil)

// NewStream creates a Stream.
func NewStream(cfg Config) *Stream {
	if cfg.URL == "" {
		cfg.URL = DefaultConfig().URL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Stream{cfg: cfg, log: cfg.Logger}
}

// Subscribe dials the event socket. Events are delivered in arrival order
// until ctx is cancelled, Close is called or the connection drops.
func (s *Stream) Subscribe(ctx context.Context) (tracker.Subscription, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.RequestTimeout}
	wsURL := toWebSocketURL(strings.TrimRight(s.cfg.URL, "/")) + EventsPath
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	sub := &subscription{
		conn:   conn,
		events: make(chan events.Event, 256),
		done:   make(chan struct{}),
		log:    s.log,
	}
	go sub.readPump()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type subscription struct {
	conn      *websocket.Conn
	events    chan events.Event
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	log       *zap.Logger
}

func (s *subscription) Events() <-chan events.Event {
	return s.events
}

// Close ends the subscription. It is safe to call more than once.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *subscription) readPump() {
	defer close(s.events)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Warn("event stream read failed", zap.Error(err))
				}
				s.Close()
			}
			return
		}

		ev, err := Decode(raw)
		if err != nil {
			if errors.Is(err, ErrUnknownKind) {
				s.log.Debug("ignoring event", zap.Error(err))
			} else {
				s.log.Warn("malformed event", zap.Error(err))
			}
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// toWebSocketURL converts an HTTP(S) URL or bare host:port to a ws:// URL.
func toWebSocketURL(raw string) string {
	if strings.HasPrefix(raw, "https://") {
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	if strings.HasPrefix(raw, "http://") {
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		return raw
	}
	return "ws://" + raw
}
