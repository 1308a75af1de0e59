// Package api implements the coordinator's HTTP/JSON surface. All entity
// routes live under /v1; chi handles routing, handlers are thin adapters
// over the store and the job/group/event subsystems.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/store"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Detail writes {"detail": message} with the given status. Every
// non-validation error body has this shape; clients key off the status code.
func Detail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"detail": message})
}

// ValidationFailed writes the field-keyed 400 body for validation errors.
func ValidationFailed(w http.ResponseWriter, fields map[string][]string) {
	JSON(w, http.StatusBadRequest, fields)
}

// BadQuery writes the 400 body for a malformed ?q= parameter.
func BadQuery(w http.ResponseWriter, reason string) {
	ValidationFailed(w, map[string][]string{"q": {reason}})
}

// writeError maps domain errors to their status codes and bodies. Anything
// unrecognized is an internal fault: logged in full, reported opaquely.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(w, verr.Fields)
	case errors.Is(err, store.ErrNotFound):
		Detail(w, http.StatusNotFound, "entity not found")
	case errors.Is(err, store.ErrAmbiguousLookup):
		Detail(w, http.StatusConflict, "lookup value matches multiple entities")
	case errors.Is(err, jobs.ErrConflict):
		Detail(w, http.StatusConflict, "conflicting state transition")
	default:
		logger.Error("request failed", zap.Error(err))
		Detail(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON decodes the request body into dst. A failed decode writes the
// 400 response and returns false so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		Detail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
