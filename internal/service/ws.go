package service

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/divvyup/divvy/internal/channel"
	"github.com/divvyup/divvy/internal/middleware"
	"github.com/divvyup/divvy/internal/protocol"
	"github.com/divvyup/divvy/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins we don't know ahead of time;
	// authentication happens through the JWT, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an authenticated request to a realtime session on one
// group. Query parameters:
//
//	group  — required, the group to join
//	cursor — optional, the last activity Seq the client has seen; events
//	         after it are replayed into the session before live traffic
//
// The handler blocks for the lifetime of the connection.
func (s *SyncService) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	userName := middleware.GetUserName(r.Context())

	groupID := r.URL.Query().Get("group")
	if groupID == "" {
		http.Error(w, "group query parameter required", http.StatusBadRequest)
		return
	}

	group, err := s.store.GetGroup(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "unknown group", http.StatusNotFound)
			return
		}
		slog.Error("Failed to load group for session", "group_id", groupID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	member := group.Member(userID)
	if member == nil || !member.IsActive {
		http.Error(w, "not a group member", http.StatusForbidden)
		return
	}

	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Debug("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	sub := s.hub.Subscribe(groupID, userID)
	session := channel.NewSession(conn, sub, s.hub, userName)

	// Replay missed events straight to the connection before the pumps
	// start. The subscription already exists, so anything published during
	// replay queues behind it and drains only once Run begins — replayed
	// frames always precede newer live frames, and a frame that lands in
	// both is discarded client-side by Seq. Direct writes block on
	// backpressure instead of dropping, so no amount of missed history is
	// lost here.
	if cursor > 0 {
		missed, err := s.CatchUp(r.Context(), groupID, cursor)
		if err != nil {
			slog.Error("Catch-up replay failed",
				"group_id", groupID, "user_id", userID, "cursor", cursor, "error", err)
		} else {
			for _, event := range missed {
				if err := session.Send(protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{Event: event})); err != nil {
					slog.Debug("Catch-up replay aborted",
						"group_id", groupID, "user_id", userID, "error", err)
					sub.Close()
					conn.Close()
					return
				}
			}
			if len(missed) > 0 {
				slog.Info("Session caught up",
					"group_id", groupID, "user_id", userID, "cursor", cursor, "replayed", len(missed))
			}
		}
	}

	slog.Info("Realtime session started", "group_id", groupID, "user_id", userID)
	session.Run(r.Context())
	slog.Info("Realtime session ended", "group_id", groupID, "user_id", userID)
}
