package interfaces

import (
	"context"
	"time"

	"github.com/vigilops/vigil/internal/models"
)

// CreateJobParams creates one parent Job Tracking row.
// All repository operations take a single parameter struct for forward
// compatibility.
type CreateJobParams struct {
	RunID   string         `json:"run_id"`
	RunType models.RunType `json:"run_type"`
	Source  string         `json:"source,omitempty"`
	Stream  int            `json:"stream,omitempty"`
}

// CreateClientRunParams creates one child Client Run Results row
type CreateClientRunParams struct {
	RunID      string `json:"run_id"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name,omitempty"`
	// CreateIfMissing creates the parent row when it does not exist
	CreateIfMissing bool `json:"create_if_missing,omitempty"`
}

// UpdateJobParams applies registry-normalized updates to a parent row
type UpdateJobParams struct {
	RunID   string                 `json:"run_id"`
	Updates map[string]interface{} `json:"updates"`
}

// UpdateClientMetricsParams merges metric counters into a child row.
// Numeric values are last-write-wins unless wrapped as {"add": n},
// which merges additively.
type UpdateClientMetricsParams struct {
	RunID    string                 `json:"run_id"`
	ClientID string                 `json:"client_id"`
	Metrics  map[string]interface{} `json:"metrics"`
}

// CompleteClientRunParams writes a terminal status on a child row
type CompleteClientRunParams struct {
	RunID    string         `json:"run_id"`
	ClientID string         `json:"client_id"`
	Outcome  models.Outcome `json:"outcome"`
	Note     string         `json:"note,omitempty"`
	// ErrorDetails is recorded when the outcome is failure
	ErrorDetails string `json:"error_details,omitempty"`
}

// CompleteJobParams writes a terminal status on the parent row and
// aggregates child metrics. When Outcome is empty the terminal status
// is derived from the children (COMPLETED / FAILED / PARTIAL).
type CompleteJobParams struct {
	RunID   string         `json:"run_id"`
	Outcome models.Outcome `json:"outcome,omitempty"`
	Note    string         `json:"note,omitempty"`
}

// TrackingService is the repository for Job Tracking and Client Run
// Results rows. It owns the run state machines: STARTED -> RUNNING ->
// {COMPLETED | FAILED | PARTIAL}, with terminal states absorbing.
type TrackingService interface {
	// CreateJob is idempotent per runId: a second create returns the
	// existing row without modification.
	CreateJob(ctx context.Context, params *CreateJobParams) (*models.JobTracking, error)

	// CreateClientRun is idempotent per clientRunId. Resolves the client
	// name from the Clients table when not supplied.
	CreateClientRun(ctx context.Context, params *CreateClientRunParams) (*models.ClientRun, error)

	// UpdateJob applies normalized updates. Writing a non-string value
	// into executionLog is rejected without touching the row.
	UpdateJob(ctx context.Context, params *UpdateJobParams) error

	// UpdateClientMetrics merges counters and moves STARTED children to
	// RUNNING.
	UpdateClientMetrics(ctx context.Context, params *UpdateClientMetricsParams) error

	// CompleteClientRun writes terminal status and endTime on a child
	CompleteClientRun(ctx context.Context, params *CompleteClientRunParams) error

	// CompleteJob writes terminal status and endTime on the parent and
	// sums child metrics into the parent aggregates.
	CompleteJob(ctx context.Context, params *CompleteJobParams) (*models.JobTracking, error)

	// GetRun returns the parent row and all child rows for a run
	GetRun(ctx context.Context, runID string) (*models.RunSnapshot, error)

	// FindStalledRuns returns parent rows still RUNNING whose last
	// activity predates the stall window.
	FindStalledRuns(ctx context.Context, window time.Duration) ([]*models.JobTracking, error)
}
