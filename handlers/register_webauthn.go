package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage"
)

const (
	challengeWebAuthnRegister = "webauthn-register"
	scopeWebAuthn             = "webauthn"
)

// webauthnUser adapts a portal user to the webauthn.User interface.
type webauthnUser struct {
	username    string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.username) }
func (u *webauthnUser) WebAuthnName() string                       { return u.username }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.username }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (a *API) loadWebAuthnUser(r *http.Request, username string) (*webauthnUser, error) {
	user := &webauthnUser{username: username}
	document, err := a.store.LoadRegistration(r.Context(), username, scopeWebAuthn)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return user, nil
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(document, &user.credentials); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *API) saveWebAuthnUser(r *http.Request, user *webauthnUser) error {
	document, err := json.Marshal(user.credentials)
	if err != nil {
		return err
	}
	return a.store.SaveRegistration(r.Context(), user.username, scopeWebAuthn, document)
}

// webauthnRegistrationVerifier gates security key enrollment behind a
// confirmed email.
type webauthnRegistrationVerifier struct {
	api *API
}

func (v webauthnRegistrationVerifier) Challenge() string { return challengeWebAuthnRegister }

func (v webauthnRegistrationVerifier) Subject(r *http.Request, s *session.UserSession) (string, string, error) {
	if s.AuthenticationLevel < authentication.OneFactor || s.Username == "" {
		return "", "", errors.New("first factor required")
	}
	return s.Username, s.Email(), nil
}

func (v webauthnRegistrationVerifier) TargetPath() string { return "/security-key/register" }

func (v webauthnRegistrationVerifier) MailSubject() string {
	return "Register your security key"
}

func (v webauthnRegistrationVerifier) PreFinish(r *http.Request, s *session.UserSession) error {
	if s.AuthenticationLevel < authentication.OneFactor || s.Username == "" {
		return errors.New("first factor required")
	}
	return nil
}

// PostFinish only acknowledges; the browser drives the attestation ceremony
// through the register/begin and register/finish endpoints next.
func (v webauthnRegistrationVerifier) PostFinish(w http.ResponseWriter, r *http.Request, s *session.UserSession, username string) {
	writeOK(w)
}

// BeginWebAuthnRegistration handles POST /secondfactor/webauthn/register/begin.
// The ceremony spans two requests, so the identity grant is inspected here
// and consumed on finish.
func (a *API) BeginWebAuthnRegistration(w http.ResponseWriter, r *http.Request) {
	if a.webauthn == nil {
		writeError(w, http.StatusNotFound, "webauthn not configured")
		return
	}
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}
	if _, err := userSession.PeekIdentityCheck(challengeWebAuthnRegister); err != nil {
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	user, err := a.loadWebAuthnUser(r, userSession.Username)
	if err != nil {
		mapError(w, err)
		return
	}

	creation, sessionData, err := a.webauthn.BeginRegistration(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := userSession.SetRegisterRequest(sessionData); err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

// FinishWebAuthnRegistration handles POST /secondfactor/webauthn/register/finish.
func (a *API) FinishWebAuthnRegistration(w http.ResponseWriter, r *http.Request) {
	if a.webauthn == nil {
		writeError(w, http.StatusNotFound, "webauthn not configured")
		return
	}
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}

	var sessionData webauthn.SessionData
	if err := userSession.TakeRegisterRequest(&sessionData); err != nil {
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}
	username, err := userSession.ConsumeIdentityCheck(challengeWebAuthnRegister)
	if err != nil || username != userSession.Username {
		_ = a.sessions.SaveSession(w, r, userSession)
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	user, err := a.loadWebAuthnUser(r, userSession.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	credential, err := a.webauthn.FinishRegistration(user, sessionData, r)
	if err != nil {
		_ = a.sessions.SaveSession(w, r, userSession)
		a.audit.logUser(AuditSecondFactorFailure, r, userSession.Username)
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	user.credentials = append(user.credentials, *credential)
	if err := a.saveWebAuthnUser(r, user); err != nil {
		mapError(w, err)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditWebAuthnRegistered, r, userSession.Username)
	writeOK(w)
}
