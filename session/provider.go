package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config tunes the session provider.
type Config struct {
	// Name is the session cookie name.
	Name string
	// Domain scopes the cookie, e.g. "example.com" to cover all protected
	// subdomains.
	Domain string
	// Expiration is the absolute session lifetime for ordinary logins.
	Expiration time.Duration
	// RememberMeDuration is the lifetime when keep-me-logged-in was
	// requested at login.
	RememberMeDuration time.Duration
	// Inactivity is the idle budget after which a session is reset. Zero
	// disables inactivity checking.
	Inactivity time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:               "gatekeeper_session",
		Expiration:         time.Hour,
		RememberMeDuration: 365 * 24 * time.Hour,
		Inactivity:         5 * time.Minute,
	}
}

// Provider ties session records to browser cookies. It is the only
// component that mints or reads session tokens; handlers receive and return
// plain UserSession values.
type Provider struct {
	store  Store
	config Config
}

func NewProvider(store Store, config Config) *Provider {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if config.Expiration == 0 {
		config.Expiration = DefaultConfig().Expiration
	}
	if config.RememberMeDuration == 0 {
		config.RememberMeDuration = DefaultConfig().RememberMeDuration
	}
	return &Provider{store: store, config: config}
}

// Inactivity returns the configured idle budget.
func (p *Provider) Inactivity() time.Duration {
	return p.config.Inactivity
}

// Domain returns the protected cookie domain.
func (p *Provider) Domain() string {
	return p.config.Domain
}

// GetSession returns the session for the request's cookie. A missing cookie
// or unknown token yields a fresh unauthenticated session; only a backend
// failure returns an error, and that error wraps ErrStoreUnavailable.
func (p *Provider) GetSession(r *http.Request) (UserSession, error) {
	token := p.token(r)
	if token == "" {
		return NewDefaultUserSession(), nil
	}
	element, err := p.store.Load(token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return NewDefaultUserSession(), nil
		}
		return UserSession{}, fmt.Errorf("loading session: %w", err)
	}
	return element.Session, nil
}

// SaveSession persists the session under the request's token, minting a
// token and setting the cookie when the browser has none yet.
func (p *Provider) SaveSession(w http.ResponseWriter, r *http.Request, s UserSession) error {
	token := p.token(r)
	if token == "" {
		token = uuid.NewString()
	}
	return p.save(w, r, token, s)
}

// RegenerateSession persists the session under a brand new token and
// invalidates the previous one. Called when the session gains privileges
// (login) to defeat fixation.
func (p *Provider) RegenerateSession(w http.ResponseWriter, r *http.Request, s UserSession) error {
	if old := p.token(r); old != "" {
		if err := p.store.Delete(old); err != nil {
			return fmt.Errorf("deleting prior session: %w", err)
		}
	}
	return p.save(w, r, uuid.NewString(), s)
}

// ResetSession overwrites the record with the initial unauthenticated state.
// Used on logout, challenge failure, and inactivity expiry so no partial
// state survives.
func (p *Provider) ResetSession(w http.ResponseWriter, r *http.Request) error {
	token := p.token(r)
	if token == "" {
		return nil
	}
	return p.save(w, r, token, NewDefaultUserSession())
}

// DestroySession deletes the record and clears the cookie.
func (p *Provider) DestroySession(w http.ResponseWriter, r *http.Request) error {
	if token := p.token(r); token != "" {
		if err := p.store.Delete(token); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
	}
	p.clearCookie(w, r)
	return nil
}

func (p *Provider) save(w http.ResponseWriter, r *http.Request, token string, s UserSession) error {
	lifetime := p.config.Expiration
	if s.KeepMeLoggedIn {
		lifetime = p.config.RememberMeDuration
	}
	expiresAt := time.Now().Add(lifetime)
	if err := p.store.Save(token, Element{Session: s, ExpiresAt: expiresAt}); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	p.writeCookie(w, r, token, expiresAt)
	return nil
}

func (p *Provider) token(r *http.Request) string {
	cookie, err := r.Cookie(p.config.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (p *Provider) writeCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     p.config.Name,
		Value:    token,
		Path:     "/",
		Domain:   p.config.Domain,
		HttpOnly: true,
		Secure:   RequestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (p *Provider) clearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     p.config.Name,
		Value:    "",
		Path:     "/",
		Domain:   p.config.Domain,
		HttpOnly: true,
		Secure:   RequestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// RequestIsSecure reports whether the request arrived over TLS, directly or
// via a proxy that says so.
func RequestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
