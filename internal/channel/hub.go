// Package channel implements the realtime channel: transport-agnostic
// fan-out of server-confirmed events to a group's subscribers, and routing
// of client-submitted intents into the engine layers.
package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/protocol"
)

// sendBuffer is the per-subscription outbound queue. A subscriber that
// falls this far behind starts losing frames; delivery is best-effort and
// reconnecting clients catch up through the activity feed, never through
// buffered channel state.
const sendBuffer = 64

// Intent is a client-submitted message together with its origin. Reply
// delivers a frame to the originating session only (validation errors and
// direct acknowledgments).
type Intent struct {
	UserID   string
	UserName string
	GroupID  string
	Msg      protocol.Message
	Reply    func(protocol.Message)
}

// IntentHandler is the callback invoked for every client-submitted intent.
type IntentHandler func(ctx context.Context, intent Intent)

// Subscription is one session's registration with the hub. The caller must
// Close it on disconnect, which releases the slot and triggers the hub's
// unsubscribe hook (presence cleanup).
type Subscription struct {
	ID      string
	GroupID string
	UserID  string

	hub  *Hub
	send chan protocol.Message
	once sync.Once

	closedMu sync.Mutex
	closed   bool
}

// Messages is the stream of frames destined for this subscriber.
// The channel is closed when the subscription is released.
func (s *Subscription) Messages() <-chan protocol.Message {
	return s.send
}

// Deliver queues a frame for this subscriber only, dropping it when the
// subscriber cannot keep up or has already been released.
func (s *Subscription) Deliver(msg protocol.Message) {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		metrics.MessagesDropped.Inc()
		return
	}
	select {
	case s.send <- msg:
	default:
		metrics.MessagesDropped.Inc()
	}
}

// Close releases the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub tracks group subscriptions and fans published messages out to them.
// Publishing for one group is FIFO: frames reach every subscriber in the
// order they were published. Different groups share nothing.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]*groupSubs

	intentMu sync.RWMutex
	intent   IntentHandler

	onUnsubscribe func(groupID, userID string)
}

// groupSubs holds one group's subscribers. Its mutex serializes publishes
// for the group so per-group FIFO holds under concurrent publishers.
type groupSubs struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]*groupSubs)}
}

// OnIntent registers the handler invoked for every client intent.
func (h *Hub) OnIntent(handler IntentHandler) {
	h.intentMu.Lock()
	h.intent = handler
	h.intentMu.Unlock()
}

// OnUnsubscribe registers a hook called after a subscription is released,
// used for presence cleanup on disconnect.
func (h *Hub) OnUnsubscribe(hook func(groupID, userID string)) {
	h.onUnsubscribe = hook
}

// Subscribe registers a session for a group and returns its handle.
func (h *Hub) Subscribe(groupID, userID string) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		GroupID: groupID,
		UserID:  userID,
		hub:     h,
		send:    make(chan protocol.Message, sendBuffer),
	}

	h.mu.Lock()
	group := h.groups[groupID]
	if group == nil {
		group = &groupSubs{subs: make(map[string]*Subscription)}
		h.groups[groupID] = group
	}
	h.mu.Unlock()

	group.mu.Lock()
	group.subs[sub.ID] = sub
	group.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	slog.Debug("Session subscribed", "group_id", groupID, "user_id", userID, "subscription_id", sub.ID)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	group := h.groups[sub.GroupID]
	h.mu.Unlock()
	if group == nil {
		return
	}

	group.mu.Lock()
	if _, ok := group.subs[sub.ID]; !ok {
		group.mu.Unlock()
		return
	}
	delete(group.subs, sub.ID)
	group.mu.Unlock()

	sub.closedMu.Lock()
	sub.closed = true
	close(sub.send)
	sub.closedMu.Unlock()
	metrics.ActiveSubscriptions.Dec()
	slog.Debug("Session unsubscribed", "group_id", sub.GroupID, "user_id", sub.UserID)

	if h.onUnsubscribe != nil {
		h.onUnsubscribe(sub.GroupID, sub.UserID)
	}
}

// Publish delivers a message to every currently subscribed handle for the
// group, at most once per handle, in publish order. Slow handles lose the
// frame rather than stalling the group.
func (h *Hub) Publish(groupID string, msg protocol.Message) {
	h.mu.RLock()
	group := h.groups[groupID]
	h.mu.RUnlock()
	if group == nil {
		return
	}

	group.mu.Lock()
	for _, sub := range group.subs {
		select {
		case sub.send <- msg:
		default:
			metrics.MessagesDropped.Inc()
		}
	}
	group.mu.Unlock()

	metrics.MessagesPublished.WithLabelValues(string(msg.Type)).Inc()
}

// Dispatch routes a client intent to the registered handler.
func (h *Hub) Dispatch(ctx context.Context, intent Intent) {
	h.intentMu.RLock()
	handler := h.intent
	h.intentMu.RUnlock()
	if handler == nil {
		slog.Warn("Intent received with no handler registered", "type", intent.Msg.Type)
		return
	}
	handler(ctx, intent)
}
