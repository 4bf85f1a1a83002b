package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/common"
)

// APIHandler serves the system endpoints: health, version and status
type APIHandler struct {
	environment string
	startedAt   time.Time
	logger      arbor.ILogger
}

func NewAPIHandler(environment string, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		environment: environment,
		startedAt:   time.Now().UTC(),
		logger:      logger,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// HealthHandler returns health check status
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusHandler returns runtime status for operators
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "running",
		"environment": h.environment,
		"version":     common.GetVersion(),
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
		"goroutines":  common.GetGoroutineCount(),
	})
}

// NotFoundHandler handles unmatched API routes with the standard error
// envelope
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint does not exist: "+r.URL.Path, "")
}
