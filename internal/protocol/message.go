// Package protocol defines the wire format spoken over the realtime channel.
//
// Every frame is a Message with a type discriminant and a payload whose
// shape is fixed per type: one payload struct per discriminant, no
// open-ended maps. Heartbeats (ping/pong) carry no payload at all.
//
// Some types flow in both directions with direction-specific payloads:
// an expense_update from a client is an ExpenseIntent, while the same type
// from the server is an ExpenseUpdate confirmation. The server decodes
// inbound frames as intents; clients decode outbound frames as updates.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/divvyup/divvy/internal/models"
)

// MessageType discriminates the payload shape of a Message.
type MessageType string

const (
	TypePresenceUpdate MessageType = "presence_update"
	TypeActivityEvent  MessageType = "activity_event"
	TypeExpenseUpdate  MessageType = "expense_update"
	TypeApprovalUpdate MessageType = "approval_update"
	TypeGroupUpdate    MessageType = "group_update"
	TypeUserTyping     MessageType = "user_typing"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

// Message is one frame on the realtime channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
}

// New builds a Message of the given type, marshaling the payload.
// A nil payload produces a payload-less frame (ping/pong).
func New(t MessageType, payload any) (Message, error) {
	m := Message{Type: t, Timestamp: time.Now()}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	m.Payload = raw
	return m, nil
}

// MustNew is New for payloads that cannot fail to marshal (our own structs).
func MustNew(t MessageType, payload any) Message {
	m, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals a message payload into the struct for its type.
// Callers pick T according to the discriminant and direction.
func Decode[T any](m *Message) (*T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return &v, nil
}

// ── Server → client payloads ──

// PresenceUpdate is the current active roster for a group, published after
// every announce and every sweep-induced removal.
type PresenceUpdate struct {
	GroupID string                 `json:"groupId"`
	Entries []models.PresenceEntry `json:"entries"`
}

// ActivityEventPayload wraps one committed feed event for fan-out and
// catch-up replay.
type ActivityEventPayload struct {
	Event models.ActivityEvent `json:"event"`
}

// ExpenseUpdate confirms a settled expense mutation. UpdateID echoes the
// originating optimistic update id so the submitting client can reconcile.
type ExpenseUpdate struct {
	UpdateID  string           `json:"updateId,omitempty"`
	Operation models.Operation `json:"operation"`
	ExpenseID string           `json:"expenseId"`
	// Expense is nil for deletes and for mutations held pending approval.
	Expense *models.Expense `json:"expense,omitempty"`
	// Held reports that the mutation did not commit yet because it opened
	// an approval request.
	Held bool `json:"held,omitempty"`
	// Error is set when the intent was rejected; the update should roll back.
	Error string `json:"error,omitempty"`
}

// ApprovalUpdate carries the current state of an approval request.
type ApprovalUpdate struct {
	UpdateID string                 `json:"updateId,omitempty"`
	Request  models.ApprovalRequest `json:"request"`
	Error    string                 `json:"error,omitempty"`
}

// GroupUpdate carries membership or rule changes.
type GroupUpdate struct {
	UpdateID string               `json:"updateId,omitempty"`
	Group    *models.Group        `json:"group,omitempty"`
	Rule     *models.ApprovalRule `json:"rule,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// ── Client → server payloads ──

// ExpenseIntent is a client-submitted expense mutation. UpdateID is the
// client's optimistic update id, generated before submission.
type ExpenseIntent struct {
	UpdateID  string           `json:"updateId"`
	Operation models.Operation `json:"operation"`
	Expense   models.Expense   `json:"expense"`
}

// ApprovalIntent is an approver's action on a pending request, or a cancel
// from the requester/owner.
type ApprovalIntent struct {
	UpdateID  string                  `json:"updateId,omitempty"`
	RequestID string                  `json:"requestId"`
	Action    models.ApprovalDecision `json:"action"`
	Comment   string                  `json:"comment,omitempty"`
	Cancel    bool                    `json:"cancel,omitempty"`
}

// GroupIntent requests a membership change: a promotion or an ownership
// transfer, or an approval rule update.
type GroupIntent struct {
	UpdateID   string               `json:"updateId,omitempty"`
	GroupID    string               `json:"groupId"`
	TargetUser string               `json:"targetUser,omitempty"`
	Promote    models.Role          `json:"promote,omitempty"`
	Transfer   bool                 `json:"transfer,omitempty"`
	Rule       *models.ApprovalRule `json:"rule,omitempty"`
}

// PresenceAnnounce is a client heartbeat or view change.
type PresenceAnnounce struct {
	View            string `json:"view"`
	IsEditing       bool   `json:"isEditing,omitempty"`
	EditingEntityID string `json:"editingEntityId,omitempty"`
}

// UserTyping is the ephemeral typing/editing signal, relayed to the group
// without entering the activity feed.
type UserTyping struct {
	GroupID  string `json:"groupId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	EntityID string `json:"entityId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}
