package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/authelia/authelia-sub000/session"
)

// SecondFactorTOTP handles POST /secondfactor/totp, upgrading a first
// factor session to two factor on a valid code.
func (a *API) SecondFactorTOTP(w http.ResponseWriter, r *http.Request) {
	if a.totp == nil {
		writeError(w, http.StatusNotFound, "one-time passwords are not configured")
		return
	}
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[SignTOTPRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	if err := a.regulator.Regulate(r.Context(), userSession.Username); err != nil {
		a.audit.logUser(AuditFirstFactorRegulated, r, userSession.Username)
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}

	document, err := a.store.LoadRegistration(r.Context(), userSession.Username, scopeTOTP)
	if err != nil {
		a.audit.logUser(AuditSecondFactorFailure, r, userSession.Username)
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}
	var registration totpRegistration
	if err := json.Unmarshal(document, &registration); err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}

	if !a.totp.Validate(registration.Secret, req.Token, a.now()) {
		a.regulator.Mark(r.Context(), userSession.Username, false)
		a.failSecondFactor(w, r, userSession)
		return
	}
	a.regulator.Mark(r.Context(), userSession.Username, true)

	if err := userSession.SetTwoFactor(); err != nil {
		mapError(w, err)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditSecondFactorSuccess, r, userSession.Username)
	writeJSON(w, http.StatusOK, RedirectResponse{
		Status:   "OK",
		Redirect: a.safeRedirect(req.TargetURL),
	})
}

// failSecondFactor rejects a proof and drops any pending challenge payloads
// so the failed attempt cannot be replayed against them.
func (a *API) failSecondFactor(w http.ResponseWriter, r *http.Request, userSession session.UserSession) {
	userSession.RegisterRequest = nil
	userSession.SignRequest = nil
	_ = a.sessions.SaveSession(w, r, userSession)
	a.audit.logUser(AuditSecondFactorFailure, r, userSession.Username)
	writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
}
