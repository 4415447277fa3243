// Package storage defines the persistence capability the gatekeeper
// delegates identity-validation tokens, second-factor registration
// documents, and user preferences to.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSuchToken is returned when a token does not exist, was already
	// consumed, or is bound to a different challenge. Callers collapse all
	// of these into one generic user-facing failure.
	ErrNoSuchToken = errors.New("identity token not found")
	// ErrTokenExpired is returned when a token exists but its lifetime has
	// elapsed.
	ErrTokenExpired = errors.New("identity token expired")
	// ErrNotFound is returned when a registration document or preference
	// does not exist.
	ErrNotFound = errors.New("record not found")
)

// IdentityToken is a single-use token mailed to a user to prove control of
// their registered address before a sensitive action.
type IdentityToken struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider is the document store consumed by the gatekeeper.
//
// ConsumeIdentityToken carries an exactly-once contract: for a given token
// value, concurrent consume calls must yield one success and fail the rest,
// regardless of interleaving.
type Provider interface {
	// SaveIdentityToken persists a produced token until consumed or expired.
	SaveIdentityToken(ctx context.Context, token IdentityToken) error
	// ConsumeIdentityToken atomically looks up and deletes the token,
	// verifying the bound challenge and expiry. It returns the bound
	// username on success.
	ConsumeIdentityToken(ctx context.Context, tokenValue, challenge string) (string, error)

	// SaveRegistration stores an opaque per-method registration document
	// keyed by (username, scope), e.g. a TOTP secret or a serialized set of
	// WebAuthn credentials.
	SaveRegistration(ctx context.Context, username, scope string, document []byte) error
	// LoadRegistration returns ErrNotFound when no document exists.
	LoadRegistration(ctx context.Context, username, scope string) ([]byte, error)
	// DeleteRegistration removes a document; deleting a missing document is
	// not an error.
	DeleteRegistration(ctx context.Context, username, scope string) error

	// SavePreferredMethod records the user's preferred second-factor method.
	SavePreferredMethod(ctx context.Context, username, method string) error
	// LoadPreferredMethod returns ErrNotFound when no preference is stored.
	LoadPreferredMethod(ctx context.Context, username string) (string, error)
}
