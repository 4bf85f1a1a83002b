package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Runs
	mux.HandleFunc("/api/runs", s.app.RunHandler.StartRunHandler) // POST - start a run
	mux.HandleFunc("/api/runs/", s.handleRunRoutes)               // GET/POST /{runId} and subpaths

	// API routes - Log analysis and issue triage
	mux.HandleFunc("/api/logs/analyze/recent", s.app.AnalyzerHandler.AnalyzeRecentHandler)
	mux.HandleFunc("/api/issues/mark-fixed", s.app.AnalyzerHandler.MarkFixedHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleRunRoutes routes run-scoped requests:
//
//	GET  /api/runs/{runId}
//	POST /api/runs/{runId}/complete
//	POST /api/runs/{runId}/clients/{clientId}/metrics
//	POST /api/runs/{runId}/clients/{clientId}/complete
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if rest == "" || rest == "/" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	parts := strings.Split(strings.Trim(rest, "/"), "/")
	runID := parts[0]

	switch {
	case len(parts) == 1:
		s.app.RunHandler.GetRunHandler(w, r, runID)

	case len(parts) == 2 && parts[1] == "complete":
		s.app.RunHandler.CompleteJobHandler(w, r, runID)

	case len(parts) == 4 && parts[1] == "clients" && parts[3] == "metrics":
		s.app.RunHandler.UpdateMetricsHandler(w, r, runID, parts[2])

	case len(parts) == 4 && parts[1] == "clients" && parts[3] == "complete":
		s.app.RunHandler.CompleteClientHandler(w, r, runID, parts[2])

	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
