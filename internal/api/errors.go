package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/identity"
)

// badRequest marks client input errors.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequest{msg: msg} }

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var br *badRequest
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownViolation),
		errors.Is(err, identity.ErrEmptyPhoto),
		errors.As(err, &br):
		return http.StatusBadRequest
	case engine.IsPreconditionError(err):
		return http.StatusPreconditionFailed
	case engine.IsStateError(err):
		return http.StatusConflict
	case errors.Is(err, engine.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
