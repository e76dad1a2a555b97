package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies what kind of entity an event or update refers to.
type EntityType string

const (
	EntityExpense  EntityType = "expense"
	EntityApproval EntityType = "approval"
	EntityGroup    EntityType = "group"
)

// ActivityAction is the verb recorded on an ActivityEvent.
type ActivityAction string

const (
	ActionCreated         ActivityAction = "created"
	ActionUpdated         ActivityAction = "updated"
	ActionDeleted         ActivityAction = "deleted"
	ActionApprovalOpened  ActivityAction = "approval_opened"
	ActionApprovalDecided ActivityAction = "approval_decided"
	ActionMemberPromoted  ActivityAction = "member_promoted"
	ActionOwnerTransfer   ActivityAction = "owner_transferred"
)

// ActivityDetails is the closed detail payload attached to an event.
// Only the fields relevant to the event's action are set.
type ActivityDetails struct {
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	Status      string          `json:"status,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	TargetUser  string          `json:"targetUser,omitempty"`
}

// ActivityEvent is one immutable entry in a group's activity feed.
//
// Seq is assigned by the feed: strictly increasing per group, so events for
// a group are totally ordered by (Timestamp, Seq) with Seq as the tie-break.
// Committed events are never updated or deleted; corrections are new events.
type ActivityEvent struct {
	// Seq is the per-group sequence number, the feed's cursor unit.
	// Zero means "not yet appended".
	Seq uint64 `json:"seq"`

	Type        string          `json:"type"`
	ActorUserID string          `json:"actorUserId"`
	GroupID     string          `json:"groupId"`
	EntityID    string          `json:"entityId"`
	EntityType  EntityType      `json:"entityType"`
	Action      ActivityAction  `json:"action"`
	Details     ActivityDetails `json:"details"`
	Timestamp   time.Time       `json:"timestamp"`
}
