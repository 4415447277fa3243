// Package handlers exposes the HTTP surface of the gatekeeper: the verify
// endpoint consumed by reverse proxies, the first and second factor portal
// API, and the identity verification flows guarding sensitive self-service
// actions.
package handlers

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/authorization"
	"github.com/authelia/authelia-sub000/notification"
	"github.com/authelia/authelia-sub000/regulation"
	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Config carries the request-handling knobs that are not collaborator
// dependencies.
type Config struct {
	// ExternalURL is the public base URL of the login portal. Identity
	// verification links and login redirects are built against it.
	ExternalURL string
	// RedirectParam is the query parameter ingress controllers use to tell
	// the verify endpoint where the login portal lives.
	RedirectParam string
	// InsufficientLevelStatus is returned when a known identity has not
	// presented enough factors. 401 or 403.
	InsufficientLevelStatus int
	// TrustedProxies are the networks whose X-Forwarded-For we believe.
	TrustedProxies []netip.Prefix
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	config     Config
	sessions   *session.Provider
	users      authentication.UserProvider
	authorizer *authorization.Authorizer
	store      storage.Provider

	regulator regulation.Regulator
	notifier  notification.Notifier
	totp      *authentication.TOTPVerifier
	webauthn  *webauthn.WebAuthn
	audit     *auditLogger

	clock func() time.Time
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithRegulator guards the first factor endpoint against brute force.
func WithRegulator(r regulation.Regulator) Option {
	return func(a *API) { a.regulator = r }
}

// WithNotifier enables the identity verification flows.
func WithNotifier(n notification.Notifier) Option {
	return func(a *API) { a.notifier = n }
}

// WithTOTP enables the one-time password second factor.
func WithTOTP(v *authentication.TOTPVerifier) Option {
	return func(a *API) { a.totp = v }
}

// WithWebAuthn enables the WebAuthn second factor.
func WithWebAuthn(w *webauthn.WebAuthn) Option {
	return func(a *API) { a.webauthn = w }
}

// New creates a new API instance.
func New(config Config, sessions *session.Provider, users authentication.UserProvider, authorizer *authorization.Authorizer, store storage.Provider, opts ...Option) *API {
	if config.RedirectParam == "" {
		config.RedirectParam = "rd"
	}
	if config.InsufficientLevelStatus == 0 {
		config.InsufficientLevelStatus = http.StatusUnauthorized
	}
	a := &API{
		config:     config,
		sessions:   sessions,
		users:      users,
		authorizer: authorizer,
		store:      store,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.regulator == nil {
		a.regulator = regulation.NewSlidingWindowRegulator(regulation.DefaultConfig())
	}
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/verify", a.Verify)
	r.Head("/verify", a.Verify)

	r.Post("/firstfactor", a.FirstFactor)
	r.Post("/logout", a.Logout)
	r.Get("/state", a.State)

	r.Get("/user/preferences", a.GetPreferences)
	r.Post("/user/preferences", a.SetPreferences)

	r.Post("/secondfactor/totp", a.SecondFactorTOTP)
	r.Post("/secondfactor/totp/identity/start", a.IdentityStart(totpRegistrationVerifier{a}))
	r.Post("/secondfactor/totp/identity/finish", a.IdentityFinish(totpRegistrationVerifier{a}))
	r.Post("/secondfactor/totp/register", a.FinalizeTOTPRegistration)

	r.Post("/secondfactor/webauthn/sign/begin", a.BeginWebAuthnSign)
	r.Post("/secondfactor/webauthn/sign/finish", a.FinishWebAuthnSign)
	r.Post("/secondfactor/webauthn/identity/start", a.IdentityStart(webauthnRegistrationVerifier{a}))
	r.Post("/secondfactor/webauthn/identity/finish", a.IdentityFinish(webauthnRegistrationVerifier{a}))
	r.Post("/secondfactor/webauthn/register/begin", a.BeginWebAuthnRegistration)
	r.Post("/secondfactor/webauthn/register/finish", a.FinishWebAuthnRegistration)

	r.Post("/reset-password/identity/start", a.IdentityStart(resetPasswordVerifier{a}))
	r.Post("/reset-password/identity/finish", a.IdentityFinish(resetPasswordVerifier{a}))
	r.Post("/reset-password", a.ResetPassword)

	return r
}

func (a *API) now() time.Time {
	return a.clock()
}

// externalURL returns the parsed portal base URL, or nil if unset.
func (a *API) externalURL() *url.URL {
	if a.config.ExternalURL == "" {
		return nil
	}
	u, err := url.Parse(a.config.ExternalURL)
	if err != nil {
		return nil
	}
	return u
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w)
}
