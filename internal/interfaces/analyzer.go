package interfaces

import (
	"context"
	"time"

	"github.com/vigilops/vigil/internal/models"
)

// AnalyzeRunParams identifies one run's log window for analysis
type AnalyzeRunParams struct {
	RunID     string         `json:"run_id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Stream    int            `json:"stream,omitempty"`
	RunType   models.RunType `json:"run_type,omitempty"`
}

// MarkFixedParams marks every unfixed issue matching a glob pattern as
// FIXED with the given commit hash.
type MarkFixedParams struct {
	Pattern    string `json:"pattern"`
	CommitHash string `json:"commitHash"`
	FixNotes   string `json:"fixNotes,omitempty"`
}

// AnalyzerService runs log-driven error capture: fetch the run's log
// window, filter against the pattern catalog, dedupe, link stack
// traces, and persist Production Issues. Errors inside an analysis pass
// never propagate into the orchestrator.
type AnalyzerService interface {
	// AnalyzeRun analyzes the exact window of one completed run
	AnalyzeRun(ctx context.Context, params *AnalyzeRunParams) (*models.AnalyzerResult, error)

	// AnalyzeRecent analyzes the trailing N minutes without a run scope
	AnalyzeRecent(ctx context.Context, minutes int) (*models.AnalyzerResult, error)

	// MarkFixed transitions matching issues to FIXED; returns the count
	MarkFixed(ctx context.Context, params *MarkFixedParams) (int, error)
}

// IssueSpool buffers issues that could not be written because the
// tabular store was unavailable. Spooled issues are flushed at the
// start of the next analyzer pass.
type IssueSpool interface {
	Enqueue(issue *models.Issue) error
	Drain() ([]*models.Issue, error)
	Close() error
}
