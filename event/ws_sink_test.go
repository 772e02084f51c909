package event

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebSocketSink_ForwardsEvents(t *testing.T) {
	received := make(chan Event, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var ev Event
			if json.Unmarshal(data, &ev) == nil {
				received <- ev
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(server.URL, "http", "ws", 1), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sink := NewWebSocketSink(conn, zap.NewNop())
	defer sink.Close()

	bus := NewBus(16, zap.NewNop())
	defer bus.Stop()
	bus.Subscribe(EntityExecution, sink.Handle)

	bus.Publish(Event{Entity: EntityExecution, ID: "e-1", From: "starting", To: "running"})

	select {
	case ev := <-received:
		assert.Equal(t, "e-1", ev.ID)
		assert.Equal(t, EntityExecution, ev.Entity)
		assert.Equal(t, "running", ev.To)
	case <-time.After(3 * time.Second):
		t.Fatal("event never arrived over the websocket")
	}
}

func TestWebSocketSink_CloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_, _, _ = conn.Read(r.Context())
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(server.URL, "http", "ws", 1), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sink := NewWebSocketSink(conn, zap.NewNop())
	sink.Close()
	sink.Close()

	// Events after close are silently discarded.
	sink.Handle(Event{Entity: EntityTask, ID: "t-1"})
}
