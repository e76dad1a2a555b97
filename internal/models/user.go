package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered user account.
// The sync core only needs a verified identity per connection; the full
// account (email, password hash) lives here so the reference authenticator
// has something to authenticate against.
type User struct {
	// ID is the unique identifier for the user (UUID format).
	ID string

	// Name is the display name shown in presence lists and activity entries.
	Name string

	// Email is the user's email address (unique). Used for login.
	Email string

	// PasswordHash is the bcrypt hash of the user's password.
	// Never serialized onto the wire.
	PasswordHash string `json:"-"`

	// CreatedAt is the Unix timestamp when the account was created.
	CreatedAt int64
}

// NewUser creates a User with a fresh ID and creation timestamp.
func NewUser(email, name, passwordHash string) *User {
	return &User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().Unix(),
	}
}
