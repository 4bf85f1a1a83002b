package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vigilops/vigil/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", "")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// errorBody is the wire shape for every error response
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RunID string `json:"runId,omitempty"`
}

// WriteError writes the standard error envelope
func WriteError(w http.ResponseWriter, statusCode int, code, message, runID string) error {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.RunID = runID
	return WriteJSON(w, statusCode, body)
}

// WriteDomainError maps a service error to its HTTP status via the
// sentinel taxonomy
func WriteDomainError(w http.ResponseWriter, err error, runID string) error {
	switch {
	case errors.Is(err, models.ErrValidation):
		return WriteError(w, http.StatusBadRequest, "validation_error", err.Error(), runID)
	case errors.Is(err, models.ErrNotFound):
		return WriteError(w, http.StatusNotFound, "not_found", err.Error(), runID)
	case errors.Is(err, models.ErrConflict):
		return WriteError(w, http.StatusConflict, "conflict", err.Error(), runID)
	case errors.Is(err, models.ErrRateLimited):
		return WriteError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), runID)
	case errors.Is(err, models.ErrTransient):
		return WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), runID)
	case errors.Is(err, models.ErrFatal):
		return WriteError(w, http.StatusBadGateway, "upstream_error", err.Error(), runID)
	default:
		return WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), runID)
	}
}

// DecodeJSON decodes a request body into dst, rejecting unknown shapes
// only as far as the json package does
func DecodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}
