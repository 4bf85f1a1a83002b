package analyzer

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vigilops/vigil/internal/models"
)

// FilterConfig controls context windows around matched lines
type FilterConfig struct {
	ContextBefore   int
	ContextAfter    int
	MaxContextLines int
}

// DefaultFilterConfig matches the production defaults: 25 lines either
// side, capped at 50 total.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{ContextBefore: 25, ContextAfter: 25, MaxContextLines: 50}
}

var (
	// runTokenPattern finds the bracketed run-ID token in a log line
	runTokenPattern = regexp.MustCompile(`\[(\d{6}-\d{6})(?:-[^\]\s]+)?\]`)

	// stackMarkerPattern finds stack-trace markers, which appear on
	// their own line as STACKTRACE:<opaque-token>
	stackMarkerPattern = regexp.MustCompile(`^\s*(?:\S+\s+)?STACKTRACE:(\S+)\s*$`)

	// leadingTimestampPattern matches the ISO timestamp every line
	// starts with
	leadingTimestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+`)

	// Normalization replacements, applied in order. Volatile tokens
	// become placeholders so repeated occurrences of the same failure
	// dedupe onto one issue.
	normTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	normUUID      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	normRecordID  = regexp.MustCompile(`\brec[A-Za-z0-9]{14}\b`)
	normRunID     = regexp.MustCompile(`\b\d{6}-\d{6}\b`)
	normNumber    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// NormalizeMessage strips timestamps, UUIDs, record IDs, run IDs and
// numeric runs to placeholders for dedup keying
func NormalizeMessage(message string) string {
	out := normTimestamp.ReplaceAllString(message, "<TS>")
	out = normUUID.ReplaceAllString(out, "<UUID>")
	out = normRecordID.ReplaceAllString(out, "<REC>")
	out = normRunID.ReplaceAllString(out, "<RUNID>")
	out = normNumber.ReplaceAllString(out, "<N>")
	return strings.TrimSpace(out)
}

// lineMatch is one pattern hit before grouping
type lineMatch struct {
	pattern    Pattern
	runID      string
	message    string
	normalized string
	lineIndex  int
	timestamp  time.Time
	fields     map[string]string
}

// dedupKey groups repeated occurrences of the same failure
type dedupKey struct {
	runID      string
	pattern    string
	normalized string
}

// Scan filters log lines against the pattern catalog and returns
// deduplicated issues with context. When runID is non-empty only lines
// carrying that run's token survive the coarse filter; when empty,
// lines carrying any run-ID token are scanned and grouped per run.
func Scan(lines []string, runID string, patterns []Pattern, cfg FilterConfig) []*models.Issue {
	if cfg.MaxContextLines <= 0 {
		cfg = DefaultFilterConfig()
	}

	var matches []lineMatch
	for i, line := range lines {
		token := runTokenPattern.FindStringSubmatch(line)
		if token == nil {
			continue
		}
		lineRunID := token[1]
		if runID != "" && lineRunID != runID {
			continue
		}

		for _, p := range patterns {
			m := p.Regex.FindStringSubmatch(line)
			if m == nil {
				continue
			}

			message := messageOf(line)
			match := lineMatch{
				pattern:    p,
				runID:      lineRunID,
				message:    message,
				normalized: NormalizeMessage(message),
				lineIndex:  i,
				timestamp:  timestampOf(line),
			}
			if p.Extract != nil {
				match.fields = p.Extract(m)
			}
			matches = append(matches, match)
			break // first pattern hit wins
		}
	}

	groups := make(map[dedupKey][]lineMatch)
	var order []dedupKey
	for _, m := range matches {
		key := dedupKey{runID: m.runID, pattern: m.pattern.Name, normalized: m.normalized}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	issues := make([]*models.Issue, 0, len(order))
	for _, key := range order {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool { return group[i].lineIndex < group[j].lineIndex })

		first := group[0]
		issue := &models.Issue{
			Timestamp:         first.timestamp,
			Severity:          first.pattern.Severity,
			PatternMatched:    first.pattern.Name,
			ErrorMessage:      first.message,
			NormalizedMessage: first.normalized,
			RunID:             first.runID,
			Status:            models.IssueStatusNew,
			Occurrences:       len(group),
			FirstSeen:         first.timestamp,
			LastSeen:          first.timestamp,
		}
		for _, m := range group {
			if m.timestamp.IsZero() {
				continue
			}
			if issue.FirstSeen.IsZero() || m.timestamp.Before(issue.FirstSeen) {
				issue.FirstSeen = m.timestamp
			}
			if m.timestamp.After(issue.LastSeen) {
				issue.LastSeen = m.timestamp
			}
		}
		if issue.Timestamp.IsZero() {
			issue.Timestamp = issue.FirstSeen
		}

		for _, m := range group {
			if m.fields == nil {
				continue
			}
			if issue.ClientID == "" {
				issue.ClientID = m.fields["clientId"]
			}
			if issue.ServiceOrFunction == "" {
				issue.ServiceOrFunction = m.fields["module"]
			}
		}

		issue.Context = contextWindow(lines, first.lineIndex, cfg)
		issue.StackTraceMarker = findMarker(issue.Context)

		issues = append(issues, issue)
	}

	return issues
}

// contextWindow returns up to MaxContextLines lines around index,
// clamping at slice boundaries rather than failing
func contextWindow(lines []string, index int, cfg FilterConfig) []string {
	start := index - cfg.ContextBefore
	if start < 0 {
		start = 0
	}
	end := index + cfg.ContextAfter + 1
	if end > len(lines) {
		end = len(lines)
	}

	window := lines[start:end]
	if len(window) > cfg.MaxContextLines {
		// Keep the matched line centered when clamping
		offset := index - start - cfg.MaxContextLines/2
		if offset < 0 {
			offset = 0
		}
		if offset+cfg.MaxContextLines > len(window) {
			offset = len(window) - cfg.MaxContextLines
		}
		window = window[offset : offset+cfg.MaxContextLines]
	}

	out := make([]string, len(window))
	copy(out, window)
	return out
}

// findMarker returns the first stack-trace marker in the context window
func findMarker(context []string) string {
	for _, line := range context {
		if m := stackMarkerPattern.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// messageOf strips the leading timestamp and run-ID token from a line
func messageOf(line string) string {
	out := leadingTimestampPattern.ReplaceAllString(line, "")
	out = runTokenPattern.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// timestampOf parses the ISO timestamp a well-formed line starts with
func timestampOf(line string) time.Time {
	m := leadingTimestampPattern.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return t
		}
	}
	return time.Time{}
}
