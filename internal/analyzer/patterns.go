package analyzer

import (
	"regexp"

	"github.com/vigilops/vigil/internal/models"
)

// Pattern is one named rule in the catalog. Order matters only for
// tie-breaking when two patterns match the same line; earlier wins.
type Pattern struct {
	Name     string
	Severity models.Severity
	Regex    *regexp.Regexp
	// Extract maps regex submatches to structured fields
	// (clientId, module, stage). Nil when the pattern carries none.
	Extract func(match []string) map[string]string
}

// Catalog returns the ordered pattern catalog. Adding or removing a
// pattern is a change to this file only; nothing else in the analyzer
// knows individual patterns.
func Catalog() []Pattern {
	return []Pattern{
		{
			Name:     "Uncaught exception",
			Severity: models.SeverityCritical,
			Regex:    regexp.MustCompile(`(?i)uncaught exception|unhandled rejection|panic:`),
		},
		{
			Name:     "Stall detected",
			Severity: models.SeverityCritical,
			Regex:    regexp.MustCompile(`(?i)stall detected`),
		},
		{
			Name:     "Authentication failure",
			Severity: models.SeverityCritical,
			Regex:    regexp.MustCompile(`(?i)authentication (failed|required)|invalid api key|permission denied`),
		},
		{
			Name:     "Unknown field name",
			Severity: models.SeverityError,
			Regex:    regexp.MustCompile(`Unknown field name:?\s*"?([A-Za-z0-9 /_-]+)"?`),
			Extract: func(match []string) map[string]string {
				if len(match) > 1 {
					return map[string]string{"module": "record store", "field": match[1]}
				}
				return nil
			},
		},
		{
			Name:     "Scoring timeout",
			Severity: models.SeverityError,
			Regex:    regexp.MustCompile(`(?i)(gemini|scoring|openai) timeout after (\d+)\s*s`),
			Extract: func(match []string) map[string]string {
				if len(match) > 1 {
					return map[string]string{"module": match[1] + " scoring"}
				}
				return nil
			},
		},
		{
			Name:     "Harvest run failed",
			Severity: models.SeverityError,
			Regex:    regexp.MustCompile(`(?i)(apify|phantombuster) run (failed|aborted|timed out)`),
			Extract: func(match []string) map[string]string {
				if len(match) > 1 {
					return map[string]string{"module": match[1]}
				}
				return nil
			},
		},
		{
			Name:     "Webhook delivery failed",
			Severity: models.SeverityError,
			Regex:    regexp.MustCompile(`(?i)webhook (delivery |processing )?failed`),
		},
		{
			Name:     "Malformed JSON payload",
			Severity: models.SeverityError,
			Regex:    regexp.MustCompile(`(?i)unexpected token .+ in JSON|invalid JSON payload|json: cannot unmarshal`),
		},
		{
			Name:     "Client run failed",
			Severity: models.SeverityError,
			Regex:    regexp.MustCompile(`(?i)client run failed for client[= ]"?([A-Za-z0-9_-]+)"?`),
			Extract: func(match []string) map[string]string {
				if len(match) > 1 {
					return map[string]string{"clientId": match[1]}
				}
				return nil
			},
		},
		{
			Name:     "Rate limited",
			Severity: models.SeverityWarning,
			Regex:    regexp.MustCompile(`(?i)rate limit(ed)?|429 too many requests`),
		},
		{
			Name:     "Client record not found",
			Severity: models.SeverityWarning,
			Regex:    regexp.MustCompile(`(?i)client (record )?not found:?\s*"?([A-Za-z0-9_-]*)"?`),
			Extract: func(match []string) map[string]string {
				if len(match) > 2 && match[2] != "" {
					return map[string]string{"clientId": match[2]}
				}
				return nil
			},
		},
	}
}
