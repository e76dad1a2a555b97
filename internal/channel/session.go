package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divvyup/divvy/internal/protocol"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up. Transport-level pings go out every pingPeriod to keep
	// healthy connections inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// Session pumps one websocket connection: inbound frames become intents
// dispatched through the hub, outbound frames come from the session's
// subscription. When either pump stops, the subscription is released,
// which triggers presence cleanup for the session.
type Session struct {
	conn     *websocket.Conn
	sub      *Subscription
	hub      *Hub
	userName string
}

// NewSession wraps an upgraded connection and its subscription.
func NewSession(conn *websocket.Conn, sub *Subscription, hub *Hub, userName string) *Session {
	return &Session{conn: conn, sub: sub, hub: hub, userName: userName}
}

// Send writes one frame straight to the connection, bypassing the
// subscription buffer. Only valid before Run starts the pumps; it blocks
// on backpressure (up to the write deadline) instead of dropping, which is
// what catch-up replay needs.
func (s *Session) Send(msg protocol.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// Run drives both pumps until the connection drops or ctx is cancelled.
// A dropped transport is a recoverable condition, not a server error: the
// client reconnects and catches up through the feed.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		s.writePump(ctx)
		cancel()
	}()

	s.readPump(ctx)
	cancel()
	s.sub.Close()
	s.conn.Close()
}

// readPump reads client frames and dispatches them as intents.
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Websocket closed unexpectedly",
					"user_id", s.sub.UserID, "group_id", s.sub.GroupID, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		// Application-level ping answers immediately and never reaches the
		// engine layers or the activity feed.
		if msg.Type == protocol.TypePing {
			s.sub.Deliver(protocol.MustNew(protocol.TypePong, nil))
			// A heartbeat still counts as liveness, so fall through and let
			// the intent handler refresh presence.
		}

		s.hub.Dispatch(ctx, Intent{
			UserID:   s.sub.UserID,
			UserName: s.userName,
			GroupID:  s.sub.GroupID,
			Msg:      msg,
			Reply:    s.sub.Deliver,
		})
	}
}

// writePump writes subscription frames and transport pings.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				// Subscription released; say goodbye politely.
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					slog.Debug("Websocket write failed",
						"user_id", s.sub.UserID, "group_id", s.sub.GroupID, "error", err)
				}
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
