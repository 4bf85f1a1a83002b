package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/runid"
)

// RunHandler serves the run lifecycle endpoints
type RunHandler struct {
	orchestrator interfaces.Orchestrator
	tracking     interfaces.TrackingService
	logger       arbor.ILogger
}

func NewRunHandler(orchestrator interfaces.Orchestrator, tracking interfaces.TrackingService, logger arbor.ILogger) *RunHandler {
	return &RunHandler{
		orchestrator: orchestrator,
		tracking:     tracking,
		logger:       logger,
	}
}

// startRunRequest is the body for POST /api/runs
type startRunRequest struct {
	RunType    string   `json:"runType"`
	Stream     int      `json:"stream,omitempty"`
	ClientIDs  []string `json:"clientIds,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Standalone bool     `json:"isStandalone,omitempty"`
}

// StartRunHandler handles POST /api/runs. The response returns as soon
// as tracking rows exist; the worker runs in the background.
func (h *RunHandler) StartRunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req startRunRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid JSON payload: "+err.Error(), "")
		return
	}
	if req.RunType == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "runType is required", "")
		return
	}
	if req.Stream != 0 && (req.Stream < 1 || req.Stream > 3) {
		WriteError(w, http.StatusBadRequest, "validation_error", "stream must be between 1 and 3", "")
		return
	}

	result, err := h.orchestrator.StartRun(r.Context(), &interfaces.StartRunParams{
		RunType:    models.RunType(req.RunType),
		Stream:     req.Stream,
		ClientIDs:  req.ClientIDs,
		Limit:      req.Limit,
		Standalone: req.Standalone,
	})
	if err != nil {
		WriteDomainError(w, err, "")
		return
	}

	WriteJSON(w, http.StatusAccepted, result)
}

// GetRunHandler handles GET /api/runs/{runId}
func (h *RunHandler) GetRunHandler(w http.ResponseWriter, r *http.Request, runID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if err := runid.Validate(runID); err != nil {
		WriteDomainError(w, err, runID)
		return
	}

	snapshot, err := h.tracking.GetRun(r.Context(), runID)
	if err != nil {
		WriteDomainError(w, err, runID)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

// metricsRequest is the body for the client metrics endpoint. Values
// wrapped as {"add": n} merge additively.
type metricsRequest struct {
	Metrics map[string]interface{} `json:"metrics"`
}

// UpdateMetricsHandler handles POST /api/runs/{runId}/clients/{clientId}/metrics
func (h *RunHandler) UpdateMetricsHandler(w http.ResponseWriter, r *http.Request, runID, clientID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req metricsRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid JSON payload: "+err.Error(), runID)
		return
	}

	err := h.tracking.UpdateClientMetrics(r.Context(), &interfaces.UpdateClientMetricsParams{
		RunID:    runID,
		ClientID: clientID,
		Metrics:  req.Metrics,
	})
	if err != nil {
		WriteDomainError(w, err, runID)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "runId": runID})
}

// completeClientRequest is the body for the client completion endpoint
type completeClientRequest struct {
	Outcome      string `json:"outcome"`
	Note         string `json:"note,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// CompleteClientHandler handles POST /api/runs/{runId}/clients/{clientId}/complete
func (h *RunHandler) CompleteClientHandler(w http.ResponseWriter, r *http.Request, runID, clientID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req completeClientRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid JSON payload: "+err.Error(), runID)
		return
	}

	err := h.tracking.CompleteClientRun(r.Context(), &interfaces.CompleteClientRunParams{
		RunID:        runID,
		ClientID:     clientID,
		Outcome:      models.Outcome(req.Outcome),
		Note:         req.Note,
		ErrorDetails: req.ErrorDetails,
	})
	if err != nil {
		WriteDomainError(w, err, runID)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "runId": runID})
}

// completeJobRequest is the body for the run completion endpoint
type completeJobRequest struct {
	Outcome string `json:"outcome,omitempty"`
	Note    string `json:"note,omitempty"`
}

// CompleteJobHandler handles POST /api/runs/{runId}/complete
func (h *RunHandler) CompleteJobHandler(w http.ResponseWriter, r *http.Request, runID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req completeJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid JSON payload: "+err.Error(), runID)
		return
	}

	job, err := h.tracking.CompleteJob(r.Context(), &interfaces.CompleteJobParams{
		RunID:   runID,
		Outcome: models.Outcome(req.Outcome),
		Note:    req.Note,
	})
	if err != nil {
		WriteDomainError(w, err, runID)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "runId": runID, "job": job})
}
