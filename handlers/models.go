package handlers

// OKResponse is the uniform success envelope.
type OKResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// ErrorResponse is the uniform failure envelope.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// FirstFactorRequest is the JSON body for POST /firstfactor.
type FirstFactorRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	KeepMeLoggedIn bool   `json:"keep_me_logged_in"`
	TargetURL      string `json:"target_url,omitempty"`
}

// RedirectResponse tells the portal frontend where to send the browser next.
type RedirectResponse struct {
	Status   string `json:"status"`
	Redirect string `json:"redirect,omitempty"`
}

// StateResponse is returned from GET /state.
type StateResponse struct {
	Username            string `json:"username"`
	AuthenticationLevel int    `json:"authentication_level"`
	DefaultRedirection  string `json:"default_redirection_url,omitempty"`
}

// SignTOTPRequest is the JSON body for POST /secondfactor/totp.
type SignTOTPRequest struct {
	Token     string `json:"token"`
	TargetURL string `json:"target_url,omitempty"`
}

// FinalizeTOTPRequest is the JSON body for POST /secondfactor/totp/register.
type FinalizeTOTPRequest struct {
	Token string `json:"token"`
}

// TOTPSecretResponse is returned once identity verification for TOTP
// registration completes.
type TOTPSecretResponse struct {
	Status       string `json:"status"`
	Base32Secret string `json:"base32_secret"`
	OtpauthURL   string `json:"otpauth_url"`
}

// IdentityTokenRequest is the JSON body for identity finish endpoints.
type IdentityTokenRequest struct {
	Token string `json:"token"`
}

// ResetPasswordIdentityRequest is the JSON body for
// POST /reset-password/identity/start.
type ResetPasswordIdentityRequest struct {
	Username string `json:"username"`
}

// ResetPasswordRequest is the JSON body for POST /reset-password.
type ResetPasswordRequest struct {
	Password string `json:"password"`
}

// PreferencesRequest is the JSON body for POST /user/preferences.
type PreferencesRequest struct {
	Method string `json:"method"`
}

// PreferencesResponse is returned from GET /user/preferences.
type PreferencesResponse struct {
	Method string `json:"method"`
}
