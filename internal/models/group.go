package models

import "time"

// Role is a member's capability level within a group.
type Role string

const (
	// RoleMember can create expenses and act as an approver when named
	// by the group's approval rule.
	RoleMember Role = "member"

	// RoleManager can additionally update the approval rule and promote
	// members.
	RoleManager Role = "manager"

	// RoleOwner is unique per group. Owners can do everything a manager
	// can, plus cancel any approval request and transfer ownership.
	RoleOwner Role = "owner"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleManager || r == RoleOwner
}

// CanManage reports whether the role carries manager capability.
func (r Role) CanManage() bool {
	return r == RoleManager || r == RoleOwner
}

// GroupMember is one user's membership record in a group.
//
// Role is immutable except through an explicit promotion; the owner role is
// unique per group and moves only via an explicit ownership transfer. Both
// operations live on the sync service, which enforces those invariants.
type GroupMember struct {
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	IsActive bool      `json:"isActive"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Group represents a shared expense group.
type Group struct {
	// ID is the unique identifier for the group (UUID format).
	ID string `json:"id"`

	// Name is the display name of the group (e.g., "Roommates", "Ski Trip").
	Name string `json:"name"`

	// Members is the full membership list, exactly one of which holds
	// RoleOwner.
	Members []GroupMember `json:"members"`

	// CreatedAt is the Unix timestamp when the group was created.
	CreatedAt int64 `json:"createdAt"`
}

// Member returns the membership record for userID, or nil if the user does
// not belong to the group.
func (g *Group) Member(userID string) *GroupMember {
	for i := range g.Members {
		if g.Members[i].UserID == userID {
			return &g.Members[i]
		}
	}
	return nil
}

// Owner returns the owning member. Every well-formed group has exactly one.
func (g *Group) Owner() *GroupMember {
	for i := range g.Members {
		if g.Members[i].Role == RoleOwner {
			return &g.Members[i]
		}
	}
	return nil
}
