package models

import (
	"time"
)

// RunStatus represents the state of a tracked run (parent job or client run)
type RunStatus string

const (
	RunStatusStarted   RunStatus = "STARTED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusPartial   RunStatus = "PARTIAL"

	// Stage-specific client run statuses. They behave like RUNNING for
	// state machine purposes but record which stage the client is in.
	RunStatusProfileScoring RunStatus = "Profile Scoring"
	RunStatusPostHarvesting RunStatus = "Post Harvesting"
	RunStatusPostScoring    RunStatus = "Post Scoring"
)

// IsTerminal reports whether the status is absorbing
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusPartial:
		return true
	}
	return false
}

// IsActive reports whether the status counts as in-flight (RUNNING or a
// stage-specific variant)
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusRunning, RunStatusProfileScoring, RunStatusPostHarvesting, RunStatusPostScoring:
		return true
	}
	return false
}

// CanTransition reports whether a status change is allowed.
// Terminal states are absorbing, re-writing the same terminal status
// included: a repeat completion must not touch the row again. The one
// exception is the COMPLETED -> PARTIAL downgrade used when a late
// child failure is detected.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() {
		return from == RunStatusCompleted && to == RunStatusPartial
	}
	return true
}

// RunType classifies what kind of batch a run executes
type RunType string

const (
	RunTypeLeadScoring RunType = "lead-scoring"
	RunTypePostScoring RunType = "post-scoring"
	RunTypePostHarvest RunType = "post-harvest"
	RunTypeSmartResume RunType = "smart-resume"
	RunTypeOther       RunType = "other"
)

// Valid reports whether the run type is one of the known values
func (t RunType) Valid() bool {
	switch t {
	case RunTypeLeadScoring, RunTypePostScoring, RunTypePostHarvest, RunTypeSmartResume, RunTypeOther:
		return true
	}
	return false
}

// Outcome is the caller-facing completion result for runs and client runs
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Status maps an outcome to its terminal run status
func (o Outcome) Status() (RunStatus, bool) {
	switch o {
	case OutcomeSuccess:
		return RunStatusCompleted, true
	case OutcomeFailure:
		return RunStatusFailed, true
	case OutcomePartial:
		return RunStatusPartial, true
	}
	return "", false
}

// JobTracking is the parent row for one orchestrator invocation
type JobTracking struct {
	RecordID         string     `json:"record_id"`
	RunID            string     `json:"run_id"`
	RunType          RunType    `json:"run_type"`
	Stream           int        `json:"stream,omitempty"`
	Status           RunStatus  `json:"status"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	SystemNotes      string     `json:"system_notes,omitempty"`
	ExecutionLog     string     `json:"execution_log"`
	Source           string     `json:"source,omitempty"`
	ClientsProcessed int        `json:"clients_processed"`
	TotalTokens      int        `json:"total_tokens"`
	TotalCost        float64    `json:"total_cost"`
}

// ClientMetrics holds per-client counters reported by workers.
// All numeric fields aggregate onto the parent at completion.
type ClientMetrics struct {
	ProfilesExamined                   int        `json:"profiles_examined,omitempty"`
	ProfilesScored                     int        `json:"profiles_scored,omitempty"`
	ProfileScoringTokens               int        `json:"profile_scoring_tokens,omitempty"`
	PostsExamined                      int        `json:"posts_examined,omitempty"`
	PostsScored                        int        `json:"posts_scored,omitempty"`
	PostScoringTokens                  int        `json:"post_scoring_tokens,omitempty"`
	TotalPostsHarvested                int        `json:"total_posts_harvested,omitempty"`
	ProfilesSubmittedForPostHarvesting int        `json:"profiles_submitted_for_post_harvesting,omitempty"`
	ApifyAPICosts                      float64    `json:"apify_api_costs,omitempty"`
	ApifyRunID                         string     `json:"apify_run_id,omitempty"`
	ApifyStatus                        string     `json:"apify_status,omitempty"`
	LastWebhookAt                      *time.Time `json:"last_webhook_at,omitempty"`
}

// ClientRun is the child row for one (run, client) pair.
// ClientRunID is "{runId}-{clientId}"; the client ID may itself contain
// hyphens, so the suffix is everything after the base run ID prefix.
type ClientRun struct {
	RecordID     string        `json:"record_id"`
	ClientRunID  string        `json:"client_run_id"`
	ClientID     string        `json:"client_id"`
	ClientName   string        `json:"client_name,omitempty"`
	Status       RunStatus     `json:"status"`
	StartTime    *time.Time    `json:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Metrics      ClientMetrics `json:"metrics"`
	SystemNotes  string        `json:"system_notes,omitempty"`
	ErrorDetails string        `json:"error_details,omitempty"`
}

// RunSnapshot is the read model returned by GET /api/runs/{runId}
type RunSnapshot struct {
	Job     *JobTracking `json:"job"`
	Clients []*ClientRun `json:"clients"`
}
