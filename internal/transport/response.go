// Package transport contains the HTTP router, middleware chain and request
// handlers for the workflow API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/reviewflow/model"
)

// statusForCategory maps error categories to HTTP status codes.
var statusForCategory = map[string]int{
	model.CategoryAuthorization: http.StatusForbidden,
	model.CategoryProtocol:      http.StatusUnprocessableEntity,
	model.CategoryInvariant:     http.StatusConflict,
	model.CategoryPersistence:   http.StatusServiceUnavailable,
	model.CategoryValidation:    http.StatusBadRequest,
	model.CategoryLookup:        http.StatusNotFound,
	model.CategoryInternal:      http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusForCategory[model.CategoryOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as a JSON error envelope with the status of its
// category. Errors without an envelope become a generic 500 so internal
// details never leak.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if ee.Code == model.ErrPersistence {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
