package models

import (
	"time"
)

// Severity classifies a matched log pattern. Severities are totally
// ordered: CRITICAL > ERROR > WARNING.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
)

// Rank returns the severity ordering (higher is more severe)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// IssueStatus is the triage state of a production issue
type IssueStatus string

const (
	IssueStatusNew           IssueStatus = "NEW"
	IssueStatusInvestigating IssueStatus = "INVESTIGATING"
	IssueStatusFixed         IssueStatus = "FIXED"
	IssueStatusIgnored       IssueStatus = "IGNORED"
)

// Issue is one deduplicated, contextualized error extracted from logs.
// The dedup key is (RunID, PatternMatched, NormalizedMessage); repeated
// matches within a pass increment Occurrences instead of creating rows.
type Issue struct {
	RecordID          string      `json:"record_id,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
	Severity          Severity    `json:"severity"`
	PatternMatched    string      `json:"pattern_matched"`
	ErrorMessage      string      `json:"error_message"`
	NormalizedMessage string      `json:"normalized_message"`
	Context           []string    `json:"context,omitempty"`
	StackTraceMarker  string      `json:"stack_trace_marker,omitempty"`
	StackTraceID      string      `json:"stack_trace_id,omitempty"`
	RunType           RunType     `json:"run_type,omitempty"`
	Stream            int         `json:"stream,omitempty"`
	RunID             string      `json:"run_id"`
	ClientID          string      `json:"client_id,omitempty"`
	ServiceOrFunction string      `json:"service_or_function,omitempty"`
	Status            IssueStatus `json:"status"`
	Occurrences       int         `json:"occurrences"`
	FirstSeen         time.Time   `json:"first_seen"`
	LastSeen          time.Time   `json:"last_seen"`
	FixCommit         string      `json:"fix_commit,omitempty"`
	FixNotes          string      `json:"fix_notes,omitempty"`
}

// StackTrace is a side-table row created by the application at
// error-capture time. The analyzer only ever reads these.
type StackTrace struct {
	RecordID   string    `json:"record_id,omitempty"`
	Marker     string    `json:"marker"`
	Timestamp  time.Time `json:"timestamp"`
	FullTrace  string    `json:"full_trace"`
	FilePath   string    `json:"file_path,omitempty"`
	LineNumber int       `json:"line_number,omitempty"`
}

// AnalyzerSummary is the per-severity issue count for one analyzer pass
type AnalyzerSummary struct {
	Critical int `json:"critical"`
	Error    int `json:"error"`
	Warning  int `json:"warning"`
}

// AnalyzerResult is the outcome of one analyzer pass
type AnalyzerResult struct {
	Issues         int             `json:"issues"`
	CreatedRecords int             `json:"createdRecords"`
	Summary        AnalyzerSummary `json:"summary"`
}
