package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loomhq/loom/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// settleFailure is the wire shape of a failed resolve/reject. The awakeable
// endpoints are an external contract with a flat string error, unlike the
// envelope used by the /v1 surface.
type settleFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	// Status carries the awakeable's current state on a lost settlement race.
	Status string `json:"status,omitempty"`
}

func writeSettleFailure(w http.ResponseWriter, code int, msg, status string) {
	writeJSON(w, code, settleFailure{Success: false, Error: msg, Status: status})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrNotPending):
		code = http.StatusConflict
		codeStr = "NOT_PENDING"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusConflict
		codeStr = "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrLockHeld):
		code = http.StatusConflict
		codeStr = "LOCK_HELD"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
