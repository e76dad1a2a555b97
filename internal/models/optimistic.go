package models

import (
	"encoding/json"
	"time"
)

// Operation is the mutation kind carried by an optimistic update or intent.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// UpdateStatus is the lifecycle state of an OptimisticUpdate.
type UpdateStatus string

const (
	UpdatePending   UpdateStatus = "pending"
	UpdateConfirmed UpdateStatus = "confirmed"
	UpdateFailed    UpdateStatus = "failed"
)

// OptimisticUpdate records a client-applied-but-unconfirmed mutation.
//
// It is created the instant the client applies a local mutation, before any
// server acknowledgment, and destroyed when the server confirms or rejects
// it, or when SubmittedAt exceeds the reconciliation timeout (treated as
// failed, triggering rollback). The owning client session is the only party
// that may mutate it.
type OptimisticUpdate struct {
	ID          string          `json:"id"`
	EntityKind  EntityType      `json:"entityKind"`
	EntityID    string          `json:"entityId"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submittedAt"`
	Status      UpdateStatus    `json:"status"`
}
