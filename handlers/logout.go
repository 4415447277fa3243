package handlers

import "net/http"

// Logout handles POST /logout. The session record is overwritten with the
// unauthenticated default so a concurrent verify observes either the old
// state or a full reset, never a mixture.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	userSession, err := a.sessions.GetSession(r)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.sessions.ResetSession(w, r); err != nil {
		mapError(w, err)
		return
	}
	if userSession.Username != "" {
		a.audit.logUser(AuditLogout, r, userSession.Username)
	}
	writeOK(w)
}

// State handles GET /state. The portal frontend uses it to decide which
// screen to show.
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	userSession, err := a.sessions.GetSession(r)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		Username:            userSession.Username,
		AuthenticationLevel: int(userSession.AuthenticationLevel),
	})
}
