package authentication

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound is returned when the username does not exist in the
	// backend. Callers on unauthenticated paths must not expose it.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned when a password check fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserDetails is what the credential backend knows about a user.
type UserDetails struct {
	Username string
	Emails   []string
	Groups   []string
}

// Email returns the user's primary address, or "" when none is registered.
func (d *UserDetails) Email() string {
	if len(d.Emails) == 0 {
		return ""
	}
	return d.Emails[0]
}

// UserProvider is the credential verification backend.
type UserProvider interface {
	// CheckUserPassword verifies a password. It returns
	// ErrInvalidCredentials for a wrong password and ErrUserNotFound for an
	// unknown user; any other error is an infrastructure failure.
	CheckUserPassword(ctx context.Context, username, password string) error
	// GetDetails returns the user's groups and email addresses.
	GetDetails(ctx context.Context, username string) (*UserDetails, error)
	// UpdatePassword replaces the user's password.
	UpdatePassword(ctx context.Context, username, newPassword string) error
}
