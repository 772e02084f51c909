package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WebSocketSink pushes events over an established WebSocket connection.
// Fire-and-forget: write failures drop the event and are only logged.
type WebSocketSink struct {
	conn         *websocket.Conn
	queue        chan Event
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewWebSocketSink starts a writer goroutine over conn. The caller owns the
// connection lifecycle; Close stops the writer without closing conn.
func NewWebSocketSink(conn *websocket.Conn, logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WebSocketSink{
		conn:         conn,
		queue:        make(chan Event, 256),
		done:         make(chan struct{}),
		writeTimeout: 5 * time.Second,
		logger:       logger.With(zap.String("component", "ws_event_sink")),
	}
	go s.writeLoop()
	return s
}

// Handle is a Bus handler forwarding events into the sink.
func (s *WebSocketSink) Handle(ev Event) {
	select {
	case s.queue <- ev:
	case <-s.done:
	default:
		// Slow observer: drop rather than backpressure the engine.
	}
}

// Close stops the writer goroutine.
func (s *WebSocketSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *WebSocketSink) writeLoop() {
	for {
		select {
		case ev := <-s.queue:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event", zap.Error(err))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err = s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("event push failed", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}
