package handlers

import (
	"net/http"

	"github.com/go-webauthn/webauthn/webauthn"
)

// BeginWebAuthnSign handles POST /secondfactor/webauthn/sign/begin, opening
// the assertion ceremony for a first factor session.
func (a *API) BeginWebAuthnSign(w http.ResponseWriter, r *http.Request) {
	if a.webauthn == nil {
		writeError(w, http.StatusNotFound, "webauthn not configured")
		return
	}
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}

	user, err := a.loadWebAuthnUser(r, userSession.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	if len(user.credentials) == 0 {
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}

	assertion, sessionData, err := a.webauthn.BeginLogin(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := userSession.SetSignRequest(sessionData); err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assertion)
}

// FinishWebAuthnSign handles POST /secondfactor/webauthn/sign/finish. The
// proof must answer the challenge issued to this session; a proof without a
// pending challenge is rejected outright.
func (a *API) FinishWebAuthnSign(w http.ResponseWriter, r *http.Request) {
	if a.webauthn == nil {
		writeError(w, http.StatusNotFound, "webauthn not configured")
		return
	}
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}

	var sessionData webauthn.SessionData
	if err := userSession.TakeSignRequest(&sessionData); err != nil {
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}

	user, err := a.loadWebAuthnUser(r, userSession.Username)
	if err != nil {
		mapError(w, err)
		return
	}

	credential, err := a.webauthn.FinishLogin(user, sessionData, r)
	if err != nil {
		a.failSecondFactor(w, r, userSession)
		return
	}

	// Persist the updated sign counter for clone detection.
	for i := range user.credentials {
		if string(user.credentials[i].ID) == string(credential.ID) {
			user.credentials[i] = *credential
		}
	}
	if err := a.saveWebAuthnUser(r, user); err != nil {
		mapError(w, err)
		return
	}

	if err := userSession.SetTwoFactor(); err != nil {
		mapError(w, err)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditSecondFactorSuccess, r, userSession.Username)
	writeOK(w)
}
