package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/interfaces"
)

// AnalyzerHandler serves the log analysis and issue triage endpoints
type AnalyzerHandler struct {
	analyzer interfaces.AnalyzerService
	logger   arbor.ILogger
}

func NewAnalyzerHandler(analyzer interfaces.AnalyzerService, logger arbor.ILogger) *AnalyzerHandler {
	return &AnalyzerHandler{
		analyzer: analyzer,
		logger:   logger,
	}
}

// analyzeRecentRequest is the body for POST /api/logs/analyze/recent
type analyzeRecentRequest struct {
	Minutes int `json:"minutes"`
}

// AnalyzeRecentHandler handles POST /api/logs/analyze/recent
func (h *AnalyzerHandler) AnalyzeRecentHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req analyzeRecentRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid JSON payload: "+err.Error(), "")
		return
	}
	if req.Minutes <= 0 {
		req.Minutes = 30
	}

	result, err := h.analyzer.AnalyzeRecent(r.Context(), req.Minutes)
	if err != nil {
		WriteDomainError(w, err, "")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// markFixedRequest is the body for POST /api/issues/mark-fixed
type markFixedRequest struct {
	Pattern    string `json:"pattern"`
	CommitHash string `json:"commitHash"`
	FixNotes   string `json:"fixNotes,omitempty"`
}

// MarkFixedHandler handles POST /api/issues/mark-fixed
func (h *AnalyzerHandler) MarkFixedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req markFixedRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid JSON payload: "+err.Error(), "")
		return
	}

	fixed, err := h.analyzer.MarkFixed(r.Context(), &interfaces.MarkFixedParams{
		Pattern:    req.Pattern,
		CommitHash: req.CommitHash,
		FixNotes:   req.FixNotes,
	})
	if err != nil {
		WriteDomainError(w, err, "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "updated": fixed})
}
