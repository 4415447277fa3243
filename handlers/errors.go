package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage"
)

const (
	// Generic user-facing messages. Authentication and identity flows never
	// reveal which part of the attempt was wrong.
	messageAuthenticationFailed = "Authentication failed. Check your credentials."
	messageOperationFailed      = "Operation failed."
	messageUnauthorized         = "Unauthorized."
)

const (
	maxAuthBodySize  = 4 << 10
	maxSmallBodySize = 16 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, OKResponse{Status: "OK"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: "KO", Message: msg})
}

// mapError classifies collaborator failures. Infrastructure failures are
// 5xx so an outage is never reported as "access denied".
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, messageOperationFailed)
	case errors.Is(err, session.ErrStepDown), errors.Is(err, session.ErrMissingFirstFactor):
		writeError(w, http.StatusUnauthorized, messageUnauthorized)
	default:
		writeError(w, http.StatusInternalServerError, messageOperationFailed)
	}
}

// decodeInto decodes a bounded JSON body without writing a response. Used
// where the caller must answer identically whether or not the body parsed.
func decodeInto(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxAuthBodySize)).Decode(v)
}

// decodeJSON decodes a bounded JSON request body, replying 400 on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}
