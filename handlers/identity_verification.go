package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/authelia/authelia-sub000/internal/utils"
	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage"
)

const (
	identityTokenTTL  = 4 * time.Minute
	identityTokenSize = 32
)

// IdentityVerifier parameterizes the two phase identity verification flow.
// The flow itself is identical for every sensitive action; implementations
// differ only in the challenge they bind, where the emailed link points,
// how the claimed identity is derived, and what happens after the token is
// consumed.
type IdentityVerifier interface {
	// Challenge is the string bound into the token and the session grant.
	Challenge() string
	// Subject derives the claimed identity. Returning empty username or
	// email triggers the anti-enumeration success response. A non-nil error
	// means the caller failed a hard precondition.
	Subject(r *http.Request, s *session.UserSession) (username, email string, err error)
	// TargetPath is the portal path the emailed link points at.
	TargetPath() string
	// MailSubject is the notification subject line.
	MailSubject() string
	// PreFinish re-checks the precondition before the token is consumed.
	PreFinish(r *http.Request, s *session.UserSession) error
	// PostFinish renders the next step once the grant is in the session.
	PostFinish(w http.ResponseWriter, r *http.Request, s *session.UserSession, username string)
}

// IdentityStart returns the handler for the start phase. The response for a
// missing identity is indistinguishable from the success response so the
// endpoint cannot be used to probe for valid usernames.
func (a *API) IdentityStart(v IdentityVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userSession, err := a.sessions.GetSession(r)
		if err != nil {
			mapError(w, err)
			return
		}

		username, email, err := v.Subject(r, &userSession)
		if err != nil {
			writeError(w, http.StatusUnauthorized, messageUnauthorized)
			return
		}
		if username == "" || email == "" {
			writeOK(w)
			return
		}

		token, err := utils.RandomToken(identityTokenSize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, messageOperationFailed)
			return
		}
		err = a.store.SaveIdentityToken(r.Context(), storage.IdentityToken{
			Token:     token,
			Username:  username,
			Challenge: v.Challenge(),
			ExpiresAt: a.now().Add(identityTokenTTL),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, messageOperationFailed)
			return
		}

		if a.notifier == nil {
			writeError(w, http.StatusInternalServerError, messageOperationFailed)
			return
		}
		link := a.identityLink(v.TargetPath(), token)
		body := fmt.Sprintf("Please confirm this action by visiting the link below within %d minutes.\n\n%s\n", int(identityTokenTTL.Minutes()), link)
		if err := a.notifier.Send(r.Context(), email, v.MailSubject(), body); err != nil {
			a.audit.logFailure(AuditIdentityRejected, r, "notification delivery failed", slog.String("challenge", v.Challenge()))
			writeError(w, http.StatusInternalServerError, messageOperationFailed)
			return
		}

		a.audit.logUser(AuditIdentityStarted, r, username, slog.String("challenge", v.Challenge()))
		writeOK(w)
	}
}

// IdentityFinish returns the handler for the finish phase. Every token
// failure maps to one generic message: an attacker holding a guessed token
// learns nothing about why it was rejected.
func (a *API) IdentityFinish(v IdentityVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJSON[IdentityTokenRequest](w, r, maxAuthBodySize)
		if !ok {
			return
		}
		if req.Token == "" {
			writeError(w, http.StatusBadRequest, messageOperationFailed)
			return
		}

		userSession, err := a.sessions.GetSession(r)
		if err != nil {
			mapError(w, err)
			return
		}
		if err := v.PreFinish(r, &userSession); err != nil {
			writeError(w, http.StatusUnauthorized, messageUnauthorized)
			return
		}

		username, err := a.store.ConsumeIdentityToken(r.Context(), req.Token, v.Challenge())
		if err != nil {
			a.audit.logFailure(AuditIdentityRejected, r, err.Error(), slog.String("challenge", v.Challenge()))
			writeError(w, http.StatusUnauthorized, messageOperationFailed)
			return
		}

		userSession.SetIdentityCheck(v.Challenge(), username)
		if err := a.sessions.SaveSession(w, r, userSession); err != nil {
			mapError(w, err)
			return
		}

		a.audit.logUser(AuditIdentityCompleted, r, username, slog.String("challenge", v.Challenge()))
		v.PostFinish(w, r, &userSession, username)
	}
}

func (a *API) identityLink(path, token string) string {
	base := a.externalURL()
	if base == nil {
		return path + "?token=" + token
	}
	u := *base
	u.Path = path
	u.RawQuery = "token=" + token
	return u.String()
}
