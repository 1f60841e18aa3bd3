package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/runqueue"
)

// apiError is the JSON error envelope spec.md §7 mandates for every
// non-2xx response.
type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, msg, details string) {
	writeJSON(w, status, apiError{Error: msg, Code: code, Details: details})
}

// mapStoreError classifies a lookup error against the known not-found
// sentinels from eventlog and runqueue, defaulting to a 500.
func mapStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, eventlog.ErrNotFound), errors.Is(err, runqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
	case errors.Is(err, runqueue.ErrInvalidState):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
