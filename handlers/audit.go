package handlers

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditFirstFactorSuccess   AuditEvent = "first_factor_success"
	AuditFirstFactorFailure   AuditEvent = "first_factor_failure"
	AuditFirstFactorRegulated AuditEvent = "first_factor_regulated"
	AuditSecondFactorSuccess  AuditEvent = "second_factor_success"
	AuditSecondFactorFailure  AuditEvent = "second_factor_failure"
	AuditLogout               AuditEvent = "logout"
	AuditVerifyAllowed        AuditEvent = "verify_allowed"
	AuditVerifyDenied         AuditEvent = "verify_denied"
	AuditWhitelistAutoLogin   AuditEvent = "whitelist_auto_login"
	AuditIdentityStarted      AuditEvent = "identity_verification_started"
	AuditIdentityCompleted    AuditEvent = "identity_verification_completed"
	AuditIdentityRejected     AuditEvent = "identity_verification_rejected"
	AuditTOTPRegistered       AuditEvent = "totp_registered"
	AuditWebAuthnRegistered   AuditEvent = "webauthn_registered"
	AuditPasswordReset        AuditEvent = "password_reset"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logUser is a convenience for events with a username.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("username", username),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected attempt. The reason stays in logs; responses
// to the client are generic.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
