package handlers

import (
	"log/slog"
	"net/http"

	"github.com/authelia/authelia-sub000/internal/utils"
	"github.com/authelia/authelia-sub000/session"
)

// FirstFactor handles POST /firstfactor, the username/password login of the
// portal. All rejections share one message so an attacker cannot tell a bad
// password from a banned account or an unknown user.
func (a *API) FirstFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[FirstFactorRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}

	if err := a.regulator.Regulate(r.Context(), req.Username); err != nil {
		a.audit.logUser(AuditFirstFactorRegulated, r, req.Username)
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}

	if err := a.users.CheckUserPassword(r.Context(), req.Username, req.Password); err != nil {
		a.regulator.Mark(r.Context(), req.Username, false)
		a.audit.logUser(AuditFirstFactorFailure, r, req.Username)
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}
	a.regulator.Mark(r.Context(), req.Username, true)

	details, err := a.users.GetDetails(r.Context(), req.Username)
	if err != nil {
		a.audit.logFailure(AuditFirstFactorFailure, r, "user details lookup failed", slog.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, messageAuthenticationFailed)
		return
	}

	userSession := session.NewDefaultUserSession()
	if err := userSession.SetOneFactor(details, req.KeepMeLoggedIn); err != nil {
		mapError(w, err)
		return
	}

	// A fresh token on login defeats session fixation.
	if err := a.sessions.RegenerateSession(w, r, userSession); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditFirstFactorSuccess, r, req.Username, slog.Bool("keep_me_logged_in", req.KeepMeLoggedIn))
	writeJSON(w, http.StatusOK, RedirectResponse{
		Status:   "OK",
		Redirect: a.safeRedirect(req.TargetURL),
	})
}

// safeRedirect returns the target only when it points inside the protected
// domain. Anything else would be an open redirect.
func (a *API) safeRedirect(target string) string {
	if target == "" {
		return ""
	}
	u, err := utils.ParseAbsoluteURL(target)
	if err != nil {
		return ""
	}
	if !utils.IsRedirectionSafe(u, a.sessions.Domain()) {
		return ""
	}
	return target
}
