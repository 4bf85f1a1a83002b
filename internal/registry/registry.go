// Package registry is the single source of truth for external table
// field names. Every write to the tabular store flows through Normalize
// so raw field strings and computed-field writes cannot reach the
// provider. The recurring "Unknown field name" production failure is
// the reason this gate exists.
package registry

import (
	"fmt"

	"github.com/vigilops/vigil/internal/models"
)

// Table names in the backing store
const (
	TableJobTracking      = "Job Tracking"
	TableClientRuns       = "Client Run Results"
	TableProductionIssues = "Production Issues"
	TableStackTraces      = "Stack Traces"
	TableClients          = "Clients"
)

// Mode controls how Normalize treats unknown keys
type Mode int

const (
	// Lenient drops unknown keys and reports them (default for writes)
	Lenient Mode = iota
	// Strict rejects the whole update on the first unknown key (tests)
	Strict
)

// Job Tracking logical field names
const (
	JobRunID            = "runId"
	JobRunType          = "runType"
	JobStream           = "stream"
	JobStatus           = "status"
	JobStartTime        = "startTime"
	JobEndTime          = "endTime"
	JobSystemNotes      = "systemNotes"
	JobExecutionLog     = "executionLog"
	JobSource           = "source"
	JobClientsProcessed = "clientsProcessed"
	JobTotalTokens      = "totalTokens"
	JobTotalCost        = "totalCost"
)

// Client Run Results logical field names
const (
	ClientRunID                 = "runId"
	ClientID                    = "clientId"
	ClientName                  = "clientName"
	ClientStatus                = "status"
	ClientStartTime             = "startTime"
	ClientEndTime               = "endTime"
	ClientProfilesExamined      = "profilesExamined"
	ClientProfilesScored        = "profilesScored"
	ClientProfileScoringTokens  = "profileScoringTokens"
	ClientPostsExamined         = "postsExamined"
	ClientPostsScored           = "postsScored"
	ClientPostScoringTokens     = "postScoringTokens"
	ClientTotalPostsHarvested   = "totalPostsHarvested"
	ClientProfilesSubmitted     = "profilesSubmittedForPostHarvesting"
	ClientApifyAPICosts         = "apifyApiCosts"
	ClientApifyRunID            = "apifyRunId"
	ClientApifyStatus           = "apifyStatus"
	ClientLastWebhookAt         = "lastWebhookAt"
	ClientSystemNotes           = "systemNotes"
	ClientErrorDetails          = "errorDetails"
)

// Production Issues logical field names
const (
	IssueTimestamp         = "timestamp"
	IssueSeverity          = "severity"
	IssuePatternMatched    = "patternMatched"
	IssueErrorMessage      = "errorMessage"
	IssueContext           = "context"
	IssueStackTrace        = "stackTrace"
	IssueRunType           = "runType"
	IssueStream            = "stream"
	IssueRunID             = "runId"
	IssueClientID          = "clientId"
	IssueServiceOrFunction = "serviceOrFunction"
	IssueStatus            = "status"
	IssueOccurrences       = "occurrences"
	IssueFirstSeen         = "firstSeen"
	IssueLastSeen          = "lastSeen"
	IssueFixCommit         = "fixCommit"
	IssueFixNotes          = "fixNotes"
)

// Stack Traces logical field names
const (
	TraceMarker     = "marker"
	TraceTimestamp  = "timestamp"
	TraceFullTrace  = "fullTrace"
	TraceFilePath   = "filePath"
	TraceLineNumber = "lineNumber"
)

// fields maps logical names to external field strings, per table
var fields = map[string]map[string]string{
	TableJobTracking: {
		JobRunID:            "Run ID",
		JobRunType:          "Run Type",
		JobStream:           "Stream",
		JobStatus:           "Status",
		JobStartTime:        "Start Time",
		JobEndTime:          "End Time",
		JobSystemNotes:      "System Notes",
		JobExecutionLog:     "Execution Log",
		JobSource:           "Source",
		JobClientsProcessed: "Clients Processed",
		JobTotalTokens:      "Total Tokens",
		JobTotalCost:        "Total Cost",
	},
	TableClientRuns: {
		ClientRunID:                "Run ID",
		ClientID:                   "Client ID",
		ClientName:                 "Client Name",
		ClientStatus:               "Status",
		ClientStartTime:            "Start Time",
		ClientEndTime:              "End Time",
		ClientProfilesExamined:     "Profiles Examined for Scoring",
		ClientProfilesScored:       "Profiles Successfully Scored",
		ClientProfileScoringTokens: "Profile Scoring Tokens",
		ClientPostsExamined:        "Posts Examined for Scoring",
		ClientPostsScored:          "Posts Successfully Scored",
		ClientPostScoringTokens:    "Post Scoring Tokens",
		ClientTotalPostsHarvested:  "Total Posts Harvested",
		ClientProfilesSubmitted:    "Profiles Submitted for Post Harvesting",
		ClientApifyAPICosts:        "Apify API Costs",
		ClientApifyRunID:           "Apify Run ID",
		ClientApifyStatus:          "Apify Status",
		ClientLastWebhookAt:        "Last Webhook",
		ClientSystemNotes:          "System Notes",
		ClientErrorDetails:         "Error Details",
	},
	TableProductionIssues: {
		IssueTimestamp:         "Timestamp",
		IssueSeverity:          "Severity",
		IssuePatternMatched:    "Pattern Matched",
		IssueErrorMessage:      "Error Message",
		IssueContext:           "Context",
		IssueStackTrace:        "Stack Trace",
		IssueRunType:           "Run Type",
		IssueStream:            "Stream",
		IssueRunID:             "Run ID",
		IssueClientID:          "Client ID",
		IssueServiceOrFunction: "Service/Function",
		IssueStatus:            "Status",
		IssueOccurrences:       "Occurrences",
		IssueFirstSeen:         "First Seen",
		IssueLastSeen:          "Last Seen",
		IssueFixCommit:         "Fix Commit",
		IssueFixNotes:          "Fix Notes",
	},
	TableStackTraces: {
		TraceMarker:     "Marker",
		TraceTimestamp:  "Timestamp",
		TraceFullTrace:  "Full Trace",
		TraceFilePath:   "File Path",
		TraceLineNumber: "Line Number",
	},
	TableClients: {
		"clientId":   "Client ID",
		"clientName": "Client Name",
		"status":     "Status",
	},
}

// formulaFields lists computed fields that must never appear in a write
// payload. Writing them is the other half of the historical production
// failure this package guards against.
var formulaFields = map[string]map[string]bool{
	TableJobTracking: {
		"Duration": true,
	},
	TableClientRuns: {
		"Duration": true,
	},
	TableProductionIssues: {
		"Issue ID": true,
	},
}

// externalSets holds the set of valid external field names per table,
// built once from fields at init.
var externalSets = func() map[string]map[string]bool {
	sets := make(map[string]map[string]bool, len(fields))
	for table, mapping := range fields {
		set := make(map[string]bool, len(mapping))
		for _, external := range mapping {
			set[external] = true
		}
		sets[table] = set
	}
	return sets
}()

// Tables returns the known table names
func Tables() []string {
	return []string{TableJobTracking, TableClientRuns, TableProductionIssues, TableStackTraces, TableClients}
}

// FieldsFor returns the logical -> external field map for a table
func FieldsFor(table string) (map[string]string, error) {
	mapping, ok := fields[table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %q", models.ErrValidation, table)
	}
	out := make(map[string]string, len(mapping))
	for k, v := range mapping {
		out[k] = v
	}
	return out, nil
}

// External resolves a logical field name to its external field string
func External(table, logical string) (string, error) {
	mapping, ok := fields[table]
	if !ok {
		return "", fmt.Errorf("%w: unknown table %q", models.ErrValidation, table)
	}
	external, ok := mapping[logical]
	if !ok {
		return "", fmt.Errorf("%w: unknown field %q in table %q", models.ErrValidation, logical, table)
	}
	return external, nil
}

// IsFormulaField reports whether an external field name is computed
func IsFormulaField(table, external string) bool {
	return formulaFields[table][external]
}

// Normalize translates update keys to external field names, strips
// formula fields, and handles unknown keys per mode. Keys may be given
// in either logical or external form. The returned dropped slice lists
// keys removed in lenient mode so callers can log them.
func Normalize(table string, updates map[string]interface{}, mode Mode) (map[string]interface{}, []string, error) {
	mapping, ok := fields[table]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown table %q", models.ErrValidation, table)
	}
	externals := externalSets[table]

	safe := make(map[string]interface{}, len(updates))
	var dropped []string

	for key, value := range updates {
		external := key
		if mapped, isLogical := mapping[key]; isLogical {
			external = mapped
		}

		if IsFormulaField(table, external) {
			dropped = append(dropped, key)
			continue
		}

		if !externals[external] {
			if mode == Strict {
				return nil, nil, fmt.Errorf("%w: unknown field %q in table %q", models.ErrValidation, key, table)
			}
			dropped = append(dropped, key)
			continue
		}

		safe[external] = value
	}

	return safe, dropped, nil
}
