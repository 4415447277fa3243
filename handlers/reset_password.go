package handlers

import (
	"errors"
	"net/http"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/session"
)

const challengeResetPassword = "reset-password"

// resetPasswordVerifier gates password reset behind a confirmed email. The
// start phase is deliberately open to unauthenticated callers; the
// anti-enumeration response in the generic flow hides whether the claimed
// username exists.
type resetPasswordVerifier struct {
	api *API
}

func (v resetPasswordVerifier) Challenge() string { return challengeResetPassword }

func (v resetPasswordVerifier) Subject(r *http.Request, s *session.UserSession) (string, string, error) {
	var req ResetPasswordIdentityRequest
	if err := decodeInto(r, &req); err != nil {
		return "", "", nil
	}
	if req.Username == "" {
		return "", "", nil
	}
	details, err := v.api.users.GetDetails(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, authentication.ErrUserNotFound) {
			return "", "", nil
		}
		return "", "", nil
	}
	return req.Username, details.Email(), nil
}

func (v resetPasswordVerifier) TargetPath() string { return "/reset-password/step2" }

func (v resetPasswordVerifier) MailSubject() string {
	return "Reset your password"
}

func (v resetPasswordVerifier) PreFinish(r *http.Request, s *session.UserSession) error {
	return nil
}

func (v resetPasswordVerifier) PostFinish(w http.ResponseWriter, r *http.Request, s *session.UserSession, username string) {
	writeOK(w)
}

// ResetPassword handles POST /reset-password. The identity grant written by
// the finish phase authorizes exactly one password change.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, messageOperationFailed)
		return
	}

	userSession, err := a.sessions.GetSession(r)
	if err != nil {
		mapError(w, err)
		return
	}
	username, err := userSession.ConsumeIdentityCheck(challengeResetPassword)
	if err != nil {
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	if err := a.users.UpdatePassword(r.Context(), username, req.Password); err != nil {
		// The grant is spent either way. Restarting the flow is the safe
		// recovery for the user.
		_ = a.sessions.SaveSession(w, r, userSession)
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditPasswordReset, r, username)
	writeOK(w)
}
