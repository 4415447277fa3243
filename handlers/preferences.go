package handlers

import (
	"errors"
	"net/http"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage"
)

// requireFirstFactor loads the session and rejects callers that have not
// passed the first factor.
func (a *API) requireFirstFactor(w http.ResponseWriter, r *http.Request) (session.UserSession, bool) {
	userSession, err := a.sessions.GetSession(r)
	if err != nil {
		mapError(w, err)
		return session.UserSession{}, false
	}
	if userSession.AuthenticationLevel < authentication.OneFactor || userSession.Username == "" {
		writeError(w, http.StatusUnauthorized, messageUnauthorized)
		return session.UserSession{}, false
	}
	return userSession, true
}

// GetPreferences handles GET /user/preferences.
func (a *API) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}
	method, err := a.store.LoadPreferredMethod(r.Context(), userSession.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		mapError(w, err)
		return
	}
	if method == "" {
		method = "totp"
	}
	writeJSON(w, http.StatusOK, PreferencesResponse{Method: method})
}

// SetPreferences handles POST /user/preferences.
func (a *API) SetPreferences(w http.ResponseWriter, r *http.Request) {
	userSession, ok := a.requireFirstFactor(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[PreferencesRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	switch req.Method {
	case "totp", "webauthn":
	default:
		writeError(w, http.StatusBadRequest, "unknown second factor method")
		return
	}
	if err := a.store.SavePreferredMethod(r.Context(), userSession.Username, req.Method); err != nil {
		mapError(w, err)
		return
	}
	writeOK(w)
}
