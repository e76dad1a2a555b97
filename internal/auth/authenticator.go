package auth

import (
	"context"

	"github.com/divvyup/divvy/internal/models"
)

// Authenticator defines the interface for authentication implementations.
// The sync core itself only requires a verified identity per connection;
// this abstraction lets deployments swap auth methods (password, OAuth,
// upstream gateway) without touching the engine layers.
type Authenticator interface {
	// Register creates a new user account with the given email and credential.
	Register(ctx context.Context, email, displayName, credential string) (*models.User, error)

	// Authenticate verifies the user's credentials and returns the user if
	// successful.
	Authenticate(ctx context.Context, email, credential string) (*models.User, error)

	// ValidateCredential checks if the credential meets the implementation's
	// requirements.
	ValidateCredential(credential string) error
}
