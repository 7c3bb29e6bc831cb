package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowmesh/fleetd/internal/apperr"
	"github.com/flowmesh/fleetd/internal/runtime"
)

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {"detail": ...} error envelope.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr maps err to a status code and writes it. A runtime driver
// *runtime.Error is mapped by its Retryable flag (503 when retryable, 502
// otherwise); anything else by its apperr.Kind, and errors with no
// recognized Kind are treated as internal errors.
func writeErr(w http.ResponseWriter, err error) {
	var rtErr *runtime.Error
	if errors.As(err, &rtErr) {
		if rtErr.Retryable {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	switch apperr.KindOf(err) {
	case apperr.Validation:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.Conflict:
		writeError(w, http.StatusConflict, err.Error())
	case apperr.NotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.Transient:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case apperr.Permanent:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
