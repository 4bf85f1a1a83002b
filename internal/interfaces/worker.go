package interfaces

import (
	"context"

	"github.com/vigilops/vigil/internal/models"
)

// WorkerRun carries everything a batch worker needs to execute one run
type WorkerRun struct {
	RunID      string
	RunType    models.RunType
	Stream     int
	ClientIDs  []string
	Limit      int
	Standalone bool
}

// Worker executes the domain batch work for one run. Implementations
// report progress through the tracking service at well-defined
// checkpoints and at least once per heartbeat interval. A returned
// error marks the run FAILED; the orchestrator owns the failure
// boundary.
type Worker interface {
	Run(ctx context.Context, run *WorkerRun) error
}
