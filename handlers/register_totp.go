package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/session"
)

const (
	challengeTOTPRegister = "totp-register"
	scopeTOTP             = "totp"
)

// totpRegistration is the stored document for a completed TOTP enrollment.
type totpRegistration struct {
	Secret string `json:"secret"`
}

// pendingTOTPSecret rides in the session between identity verification and
// code confirmation.
type pendingTOTPSecret struct {
	Secret string `json:"secret"`
}

// totpRegistrationVerifier gates TOTP enrollment behind a confirmed email.
type totpRegistrationVerifier struct {
	api *API
}

func (v totpRegistrationVerifier) Challenge() string { return challengeTOTPRegister }

func (v totpRegistrationVerifier) Subject(r *http.Request, s *session.UserSession) (string, string, error) {
	if s.AuthenticationLevel < authentication.OneFactor || s.Username == "" {
		return "", "", errors.New("first factor required")
	}
	return s.Username, s.Email(), nil
}

func (v totpRegistrationVerifier) TargetPath() string { return "/one-time-password/register" }

func (v totpRegistrationVerifier) MailSubject() string {
	return "Register your one-time password device"
}

func (v totpRegistrationVerifier) PreFinish(r *http.Request, s *session.UserSession) error {
	if s.AuthenticationLevel < authentication.OneFactor || s.Username == "" {
		return errors.New("first factor required")
	}
	return nil
}

// PostFinish generates the enrollment secret. The secret is pending until
// the user proves possession by submitting a valid code.
func (v totpRegistrationVerifier) PostFinish(w http.ResponseWriter, r *http.Request, s *session.UserSession, username string) {
	a := v.api
	if a.totp == nil {
		writeError(w, http.StatusNotFound, "one-time passwords are not configured")
		return
	}
	secret, err := a.totp.GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := s.SetRegisterRequest(pendingTOTPSecret{Secret: secret}); err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := a.sessions.SaveSession(w, r, *s); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TOTPSecretResponse{
		Status:       "OK",
		Base32Secret: secret,
		OtpauthURL:   a.totp.OtpauthURL(secret, username),
	})
}

// FinalizeTOTPRegistration handles POST /secondfactor/totp/register. It
// proves device possession with a live code, consumes the identity grant,
// and persists the secret.
func (a *API) FinalizeTOTPRegistration(w http.ResponseWriter, r *http.Request) {
	if a.totp == nil {
		writeError(w, http.StatusNotFound, "one-time passwords are not configured")
		return
	}
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[FinalizeTOTPRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	var pending pendingTOTPSecret
	if err := userSession.TakeRegisterRequest(&pending); err != nil || pending.Secret == "" {
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	if !a.totp.Validate(pending.Secret, req.Token, a.now()) {
		// The pending secret is already cleared; a new enrollment has to
		// restart the identity flow.
		_ = a.sessions.SaveSession(w, r, userSession)
		a.audit.logUser(AuditSecondFactorFailure, r, userSession.Username)
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	username, err := userSession.ConsumeIdentityCheck(challengeTOTPRegister)
	if err != nil || username != userSession.Username {
		writeError(w, http.StatusUnauthorized, messageOperationFailed)
		return
	}

	document, err := json.Marshal(totpRegistration{Secret: pending.Secret})
	if err != nil {
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
		return
	}
	if err := a.store.SaveRegistration(r.Context(), userSession.Username, scopeTOTP, document); err != nil {
		mapError(w, err)
		return
	}
	if err := a.sessions.SaveSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditTOTPRegistered, r, userSession.Username)
	writeOK(w)
}
