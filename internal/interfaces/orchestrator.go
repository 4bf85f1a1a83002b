package interfaces

import (
	"context"

	"github.com/vigilops/vigil/internal/models"
)

// StartRunParams starts one fire-and-forget batch run
type StartRunParams struct {
	RunType   models.RunType `json:"runType"`
	Stream    int            `json:"stream,omitempty"`
	ClientIDs []string       `json:"clientIds,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	// Standalone suppresses tracking rows for ad-hoc invocations
	Standalone bool `json:"isStandalone,omitempty"`
}

// StartRunResult is returned to the caller before the worker runs
type StartRunResult struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

// Orchestrator owns the fire-and-forget run lifecycle: mint the run ID,
// create tracking rows, hand off to the worker in the background, and
// complete plus analyze when the worker returns. The HTTP caller only
// ever waits for row creation.
type Orchestrator interface {
	StartRun(ctx context.Context, params *StartRunParams) (*StartRunResult, error)
}
