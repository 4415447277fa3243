// Package session owns the per-browser authentication session: its record,
// its state machine, and the stores it persists to.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/authelia/authelia-sub000/authentication"
)

// WhitelistLevel records whether the session was established from a
// whitelisted network and how far it has authenticated since.
type WhitelistLevel int

const (
	NotWhitelisted WhitelistLevel = iota
	Whitelisted
	WhitelistedAndAuthenticatedOneFactor
	WhitelistedAndAuthenticatedTwoFactor
)

// IdentityCheck is the transient grant written by a completed identity
// verification flow and consumed exactly once by the handler that required
// it.
type IdentityCheck struct {
	Challenge string `json:"challenge"`
	Username  string `json:"username"`
}

// UserSession is the authentication state bound to one browser session.
type UserSession struct {
	Username string   `json:"username,omitempty"`
	Emails   []string `json:"emails,omitempty"`
	Groups   []string `json:"groups,omitempty"`

	AuthenticationLevel authentication.Level `json:"authentication_level"`
	Whitelisted         WhitelistLevel       `json:"whitelisted,omitempty"`

	KeepMeLoggedIn bool `json:"keep_me_logged_in,omitempty"`
	// LastActivity is the unix timestamp of the last authorized request
	// subject to inactivity checking.
	LastActivity int64 `json:"last_activity"`

	IdentityCheck *IdentityCheck `json:"identity_check,omitempty"`

	// RegisterRequest and SignRequest hold pending second-factor challenge
	// payloads. They are opaque here; the handler that issued a challenge
	// is the only reader.
	RegisterRequest json.RawMessage `json:"register_request,omitempty"`
	SignRequest     json.RawMessage `json:"sign_request,omitempty"`

	// Redirect is a pending post-authentication redirect target.
	Redirect string `json:"redirect,omitempty"`
}

var (
	// ErrStepDown is returned by state transitions that would lower the
	// authentication level without a reset.
	ErrStepDown = errors.New("authentication level cannot decrease without a reset")
	// ErrMissingFirstFactor is returned when a second factor is asserted
	// before the first succeeded.
	ErrMissingFirstFactor = errors.New("second factor requires a completed first factor")
	// ErrIdentityCheckMismatch is returned when the identity_check grant is
	// absent or bound to a different challenge.
	ErrIdentityCheckMismatch = errors.New("identity check missing or bound to another challenge")
)

// NewDefaultUserSession returns the initial, unauthenticated session state.
func NewDefaultUserSession() UserSession {
	return UserSession{
		AuthenticationLevel: authentication.NotAuthenticated,
		LastActivity:        time.Now().Unix(),
	}
}

// SetOneFactor binds the user's identity after a successful primary
// credential check. It refuses to overwrite a higher level: within one login
// cycle the level only ever increases.
func (s *UserSession) SetOneFactor(details *authentication.UserDetails, keepMeLoggedIn bool) error {
	if s.AuthenticationLevel > authentication.OneFactor {
		return ErrStepDown
	}
	s.Username = details.Username
	s.Emails = append([]string(nil), details.Emails...)
	s.Groups = append([]string(nil), details.Groups...)
	s.AuthenticationLevel = authentication.OneFactor
	s.KeepMeLoggedIn = keepMeLoggedIn
	s.LastActivity = time.Now().Unix()
	if s.Whitelisted != NotWhitelisted {
		s.Whitelisted = WhitelistedAndAuthenticatedOneFactor
	}
	return nil
}

// SetTwoFactor raises the session to the two-factor level. The caller must
// have validated the secondary proof against the pending challenge first.
func (s *UserSession) SetTwoFactor() error {
	if s.AuthenticationLevel < authentication.OneFactor || s.Username == "" {
		return ErrMissingFirstFactor
	}
	s.AuthenticationLevel = authentication.TwoFactor
	s.LastActivity = time.Now().Unix()
	if s.Whitelisted != NotWhitelisted {
		s.Whitelisted = WhitelistedAndAuthenticatedTwoFactor
	}
	return nil
}

// Email returns the user's primary email, or empty when none is registered.
func (s *UserSession) Email() string {
	if len(s.Emails) == 0 {
		return ""
	}
	return s.Emails[0]
}

// SetIdentityCheck records the grant produced by a completed identity
// verification flow.
func (s *UserSession) SetIdentityCheck(challenge, username string) {
	s.IdentityCheck = &IdentityCheck{Challenge: challenge, Username: username}
}

// ConsumeIdentityCheck returns the username bound to the grant and clears
// it. It fails when the grant is absent or bound to another challenge, so a
// grant issued for one sensitive action can never authorize a different one.
func (s *UserSession) ConsumeIdentityCheck(challenge string) (string, error) {
	if s.IdentityCheck == nil || s.IdentityCheck.Challenge != challenge {
		return "", ErrIdentityCheckMismatch
	}
	username := s.IdentityCheck.Username
	s.IdentityCheck = nil
	return username, nil
}

// PeekIdentityCheck verifies the grant is present for the given challenge
// without consuming it. Multi-request ceremonies check at the start and
// consume at the end.
func (s *UserSession) PeekIdentityCheck(challenge string) (string, error) {
	if s.IdentityCheck == nil || s.IdentityCheck.Challenge != challenge {
		return "", ErrIdentityCheckMismatch
	}
	return s.IdentityCheck.Username, nil
}

// SetRegisterRequest stores a pending registration challenge payload.
func (s *UserSession) SetRegisterRequest(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding register request: %w", err)
	}
	s.RegisterRequest = data
	return nil
}

// TakeRegisterRequest decodes and clears the pending registration challenge.
func (s *UserSession) TakeRegisterRequest(v any) error {
	if len(s.RegisterRequest) == 0 {
		return errors.New("no pending registration challenge")
	}
	data := s.RegisterRequest
	s.RegisterRequest = nil
	return json.Unmarshal(data, v)
}

// SetSignRequest stores a pending authentication challenge payload.
func (s *UserSession) SetSignRequest(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding sign request: %w", err)
	}
	s.SignRequest = data
	return nil
}

// TakeSignRequest decodes and clears the pending authentication challenge.
func (s *UserSession) TakeSignRequest(v any) error {
	if len(s.SignRequest) == 0 {
		return errors.New("no pending authentication challenge")
	}
	data := s.SignRequest
	s.SignRequest = nil
	return json.Unmarshal(data, v)
}
