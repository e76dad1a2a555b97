package models

import "time"

// PresenceEntry tracks one user's liveness and current location within a
// group. Entries are created on first connection, refreshed on every
// heartbeat or view change, and dropped once no heartbeat arrives within
// the liveness window.
type PresenceEntry struct {
	UserID          string    `json:"userId"`
	UserName        string    `json:"userName"`
	GroupID         string    `json:"groupId"`
	CurrentView     string    `json:"currentView"`
	IsEditing       bool      `json:"isEditing"`
	EditingEntityID string    `json:"editingEntityId,omitempty"`
	LastSeen        time.Time `json:"lastSeen"`
}
