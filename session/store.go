package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound means no record exists for the token. This is the
	// normal "fresh browser" case, not a failure.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps backend failures. Callers must surface it
	// as an infrastructure error, never as "not authenticated".
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Element is a stored session with its absolute expiry.
type Element struct {
	Session   UserSession `json:"session"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Store persists sessions keyed by an opaque cookie token.
type Store interface {
	// Load returns ErrSessionNotFound for unknown or expired tokens and an
	// error wrapping ErrStoreUnavailable for backend failures.
	Load(token string) (Element, error)
	Save(token string, element Element) error
	Delete(token string) error
}
