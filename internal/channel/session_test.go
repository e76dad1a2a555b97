package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divvyup/divvy/internal/models"
	"github.com/divvyup/divvy/internal/protocol"
)

// replayCount exceeds the subscription buffer so the test fails if replay
// ever routes through it.
const replayCount = sendBuffer + 36

func TestReplayOutrunsSubscriptionBuffer(t *testing.T) {
	hub := NewHub()
	serverDone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}

		sub := hub.Subscribe("g1", "alice")
		session := NewSession(conn, sub, hub, "Alice")

		// A frame published mid-replay queues in the subscription and must
		// drain only after every replayed frame has gone out.
		hub.Publish("g1", protocol.MustNew(protocol.TypePong, nil))

		for i := 1; i <= replayCount; i++ {
			msg := protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{
				Event: models.ActivityEvent{Seq: uint64(i), GroupID: "g1"},
			})
			if err := session.Send(msg); err != nil {
				t.Errorf("Send %d failed: %v", i, err)
				return
			}
		}
		session.Run(r.Context())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 1; i <= replayCount; i++ {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if msg.Type != protocol.TypeActivityEvent {
			t.Fatalf("Frame %d: got %s before the replay finished", i, msg.Type)
		}
		payload, err := protocol.Decode[protocol.ActivityEventPayload](&msg)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if payload.Event.Seq != uint64(i) {
			t.Fatalf("Frame %d carries seq %d, want %d", i, payload.Event.Seq, i)
		}
	}

	// The live frame queued during replay arrives after the full history.
	var live protocol.Message
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("Reading live frame failed: %v", err)
	}
	if live.Type != protocol.TypePong {
		t.Errorf("Expected the queued live frame last, got %s", live.Type)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-serverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Server session did not end")
	}
}
