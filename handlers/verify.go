package handlers

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/authorization"
	"github.com/authelia/authelia-sub000/internal/utils"
	"github.com/authelia/authelia-sub000/session"
)

const (
	headerOriginalURL    = "X-Original-URL"
	headerForwardedProto = "X-Forwarded-Proto"
	headerForwardedHost  = "X-Forwarded-Host"
	headerForwardedURI   = "X-Forwarded-Uri"
	headerRemoteUser     = "Remote-User"
	headerRemoteGroups   = "Remote-Groups"
)

var (
	errMissingForwardHeaders = errors.New("missing X-Original-URL and X-Forwarded-Proto/Host headers")
	errMalformedBasicAuth    = errors.New("malformed basic authorization header")
)

// verifyIdentity is what the request proved about its caller, independent of
// how it proved it.
type verifyIdentity struct {
	username string
	groups   []string
	level    authentication.Level
}

// Verify handles GET /verify, the forward-auth endpoint called by reverse
// proxies once per upstream request. Every rejection path is explicit; an
// unclassified failure must never fall through to an allow.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	target, err := targetFromHeaders(r)
	if err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, err.Error())
		writeError(w, http.StatusBadRequest, "unable to resolve target URL")
		return
	}
	domain, path, err := utils.DecomposeURL(target.String())
	if err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, "undecomposable target URL")
		writeError(w, http.StatusBadRequest, "unable to resolve target URL")
		return
	}

	object := authorization.Object{Domain: domain, Path: path}

	if proxyAuth := r.Header.Get("Proxy-Authorization"); proxyAuth != "" {
		a.verifyBasicAuth(w, r, object, target, proxyAuth)
		return
	}
	a.verifySession(w, r, object, target)
}

// verifyBasicAuth is the stateless path: credentials are checked on every
// request and never touch session state.
func (a *API) verifyBasicAuth(w http.ResponseWriter, r *http.Request, object authorization.Object, target *url.URL, proxyAuth string) {
	username, password, err := parseBasicAuth(proxyAuth)
	if err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, "malformed proxy authorization")
		writeError(w, http.StatusBadRequest, "malformed Proxy-Authorization header")
		return
	}

	clientIP := a.clientIP(r)
	if err := a.users.CheckUserPassword(r.Context(), username, password); err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, "basic auth credentials rejected", slog.String("username", username))
		a.deny(w, r, target, http.StatusUnauthorized)
		return
	}
	details, err := a.users.GetDetails(r.Context(), username)
	if err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, "basic auth user lookup failed", slog.String("username", username))
		a.deny(w, r, target, http.StatusUnauthorized)
		return
	}

	identity := verifyIdentity{username: username, groups: details.Groups, level: authentication.OneFactor}
	required := a.authorizer.Required(object, authorization.Subject{
		Username: username,
		Groups:   details.Groups,
		IP:       clientIP,
	})

	switch required {
	case authorization.Bypass:
		a.allow(w, r, identity)
	case authorization.Deny:
		a.audit.logUser(AuditVerifyDenied, r, username, slog.String("reason", "explicitly denied"))
		a.deny(w, r, target, http.StatusForbidden)
	case authorization.OneFactor:
		a.allow(w, r, identity)
	default:
		// Basic auth cannot satisfy a two factor resource. That is an error,
		// not a downgrade.
		a.audit.logUser(AuditVerifyDenied, r, username, slog.String("reason", "basic auth against two factor resource"))
		a.deny(w, r, target, http.StatusUnauthorized)
	}
}

// verifySession is the cookie path used by browsers.
func (a *API) verifySession(w http.ResponseWriter, r *http.Request, object authorization.Object, target *url.URL) {
	userSession, err := a.sessions.GetSession(r)
	if err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, "session store unavailable")
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}

	clientIP := a.clientIP(r)

	// Trusted networks bound to a user grant an automatic first factor.
	if userSession.Username == "" {
		if wlUser, ok := a.authorizer.WhitelistedUser(clientIP); ok {
			if refreshed, ok := a.whitelistLogin(w, r, wlUser); ok {
				userSession = refreshed
			}
		}
	}

	identity := verifyIdentity{
		username: userSession.Username,
		groups:   userSession.Groups,
		level:    userSession.AuthenticationLevel,
	}
	required := a.authorizer.Required(object, authorization.Subject{
		Username: userSession.Username,
		Groups:   userSession.Groups,
		IP:       clientIP,
	})

	switch {
	case required == authorization.Bypass:
		a.allow(w, r, identity)
	case required == authorization.Deny:
		if userSession.Username == "" {
			a.deny(w, r, target, http.StatusUnauthorized)
			return
		}
		a.audit.logUser(AuditVerifyDenied, r, userSession.Username, slog.String("reason", "explicitly denied"))
		a.deny(w, r, target, http.StatusForbidden)
	case levelSufficient(identity.level, required):
		active, err := a.passesInactivity(w, r, &userSession)
		if err != nil {
			a.audit.logFailure(AuditVerifyDenied, r, "session store unavailable")
			writeError(w, http.StatusInternalServerError, messageOperationFailed)
			return
		}
		if !active {
			a.deny(w, r, target, http.StatusUnauthorized)
			return
		}
		a.allow(w, r, identity)
	case userSession.Username != "":
		a.audit.logUser(AuditVerifyDenied, r, userSession.Username, slog.String("reason", "insufficient authentication level"))
		a.deny(w, r, target, a.config.InsufficientLevelStatus)
	default:
		a.deny(w, r, target, http.StatusUnauthorized)
	}
}

// whitelistLogin binds the whitelisted user's details to a fresh session.
func (a *API) whitelistLogin(w http.ResponseWriter, r *http.Request, username string) (session.UserSession, bool) {
	details, err := a.users.GetDetails(r.Context(), username)
	if err != nil {
		a.audit.logFailure(AuditVerifyDenied, r, "whitelisted user lookup failed", slog.String("username", username))
		return session.UserSession{}, false
	}
	s := session.NewDefaultUserSession()
	if err := s.SetOneFactor(details, false); err != nil {
		return session.UserSession{}, false
	}
	s.Whitelisted = session.WhitelistedAndAuthenticatedOneFactor
	if err := a.sessions.RegenerateSession(w, r, s); err != nil {
		return session.UserSession{}, false
	}
	a.audit.logUser(AuditWhitelistAutoLogin, r, username)
	return s, true
}

// passesInactivity applies the inactivity budget to authenticated cookie
// sessions. An expired session is reset, never partially kept. A store
// failure while refreshing the activity stamp is an infrastructure error,
// not a denial.
func (a *API) passesInactivity(w http.ResponseWriter, r *http.Request, s *session.UserSession) (bool, error) {
	if s.AuthenticationLevel < authentication.OneFactor {
		return true, nil
	}
	budget := a.sessions.Inactivity()
	if budget <= 0 || s.KeepMeLoggedIn {
		return true, nil
	}

	now := a.now()
	last := time.Unix(s.LastActivity, 0)
	if now.Sub(last) > budget {
		a.audit.logUser(AuditVerifyDenied, r, s.Username, slog.String("reason", "inactivity timeout"))
		_ = a.sessions.ResetSession(w, r)
		return false, nil
	}

	s.LastActivity = now.Unix()
	if err := a.sessions.SaveSession(w, r, *s); err != nil {
		return false, err
	}
	return true, nil
}

func (a *API) allow(w http.ResponseWriter, r *http.Request, identity verifyIdentity) {
	if identity.username != "" {
		w.Header().Set(headerRemoteUser, identity.username)
		if len(identity.groups) > 0 {
			w.Header().Set(headerRemoteGroups, strings.Join(identity.groups, ","))
		}
	}
	a.audit.logUser(AuditVerifyAllowed, r, identity.username)
	w.WriteHeader(http.StatusNoContent)
}

// deny rejects the request, redirecting to the login portal when the proxy
// told us where it lives. The portal URL must live under the protected
// domain; anyone can reach the verify endpoint through the proxy, so a
// laxer check would let a crafted request mint redirects to arbitrary
// hosts.
func (a *API) deny(w http.ResponseWriter, r *http.Request, target *url.URL, status int) {
	rd := r.URL.Query().Get(a.config.RedirectParam)
	if rd != "" && status == http.StatusUnauthorized {
		if loginURL, err := url.Parse(rd); err == nil && utils.IsRedirectionSafe(loginURL, a.sessions.Domain()) {
			q := loginURL.Query()
			q.Set(a.config.RedirectParam, target.String())
			loginURL.RawQuery = q.Encode()
			http.Redirect(w, r, loginURL.String(), http.StatusFound)
			return
		}
	}
	w.WriteHeader(status)
}

// levelSufficient reports whether an authentication level satisfies a
// required authorization level. Bypass and Deny are decided before this.
func levelSufficient(current authentication.Level, required authorization.Level) bool {
	switch required {
	case authorization.OneFactor:
		return current >= authentication.OneFactor
	case authorization.TwoFactor:
		return current >= authentication.TwoFactor
	default:
		return false
	}
}

// targetFromHeaders reconstructs the URL the proxy is asking about.
func targetFromHeaders(r *http.Request) (*url.URL, error) {
	if original := r.Header.Get(headerOriginalURL); original != "" {
		return utils.ParseAbsoluteURL(original)
	}

	proto := r.Header.Get(headerForwardedProto)
	host := r.Header.Get(headerForwardedHost)
	if proto == "" || host == "" {
		return nil, errMissingForwardHeaders
	}
	uri := r.Header.Get(headerForwardedURI)
	return utils.ParseAbsoluteURL(proto + "://" + host + uri)
}

func parseBasicAuth(header string) (username, password string, err error) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", errMalformedBasicAuth
	}
	decoded, decodeErr := base64.StdEncoding.DecodeString(header[len(prefix):])
	if decodeErr != nil {
		return "", "", errMalformedBasicAuth
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found || username == "" {
		return "", "", errMalformedBasicAuth
	}
	return username, password, nil
}
