package analyzer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/registry"
)

// WriterConfig bounds the size of persisted issue rows
type WriterConfig struct {
	MaxMessageLen int
}

// Writer persists deduplicated issues to the Production Issues table.
// Store outages do not lose issues; they land in the spool and flush on
// the next pass.
type Writer struct {
	store  interfaces.RecordStore
	spool  interfaces.IssueSpool
	config WriterConfig
	logger arbor.ILogger
}

func NewWriter(store interfaces.RecordStore, spool interfaces.IssueSpool, config WriterConfig, logger arbor.ILogger) *Writer {
	if config.MaxMessageLen <= 0 {
		config.MaxMessageLen = 500
	}
	return &Writer{store: store, spool: spool, config: config, logger: logger}
}

// Persist upserts each issue: an existing row for the same run, pattern
// and normalized message gets its occurrence count and last-seen bumped;
// otherwise a new row is created with status NEW. Returns the number of
// rows created.
func (w *Writer) Persist(ctx context.Context, issues []*models.Issue) (int, error) {
	created := 0
	for _, issue := range issues {
		wasCreated, err := w.persistOne(ctx, issue)
		if err != nil {
			if errors.Is(err, models.ErrTransient) || errors.Is(err, models.ErrRateLimited) {
				w.spoolIssue(issue, err)
				continue
			}
			w.logger.Error().
				Err(err).
				Str("pattern", issue.PatternMatched).
				Str("run_id", issue.RunID).
				Msg("Failed to persist issue")
			continue
		}
		if wasCreated {
			created++
		}
	}
	return created, nil
}

func (w *Writer) persistOne(ctx context.Context, issue *models.Issue) (bool, error) {
	existing, err := w.findExisting(ctx, issue)
	if err != nil {
		return false, err
	}

	if existing != nil {
		occurrences := int(existing.NumberField("Occurrences")) + issue.Occurrences
		updates := map[string]interface{}{
			registry.IssueOccurrences: occurrences,
			registry.IssueLastSeen:    issue.LastSeen.UTC(),
		}
		if _, err := w.store.UpdateByID(ctx, registry.TableProductionIssues, existing.ID, updates); err != nil {
			return false, err
		}
		issue.RecordID = existing.ID
		return false, nil
	}

	record, err := w.store.Create(ctx, registry.TableProductionIssues, w.rowFields(issue))
	if err != nil {
		return false, err
	}
	issue.RecordID = record.ID
	return true, nil
}

// findExisting looks for an open row with the same run and pattern, then
// compares normalized messages client side. The store cannot filter on
// the normalization.
func (w *Writer) findExisting(ctx context.Context, issue *models.Issue) (*interfaces.Record, error) {
	formula := fmt.Sprintf("AND({Run ID} = '%s', {Pattern Matched} = '%s')",
		escapeFormula(issue.RunID), escapeFormula(issue.PatternMatched))

	records, err := w.store.FirstPage(ctx, registry.TableProductionIssues, formula, 20)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	for _, record := range records {
		if NormalizeMessage(record.StringField("Error Message")) == issue.NormalizedMessage {
			return record, nil
		}
	}
	return nil, nil
}

func (w *Writer) rowFields(issue *models.Issue) map[string]interface{} {
	message := issue.ErrorMessage
	if len(message) > w.config.MaxMessageLen {
		message = message[:w.config.MaxMessageLen]
	}

	fields := map[string]interface{}{
		registry.IssueTimestamp:      issue.Timestamp.UTC(),
		registry.IssueSeverity:       string(issue.Severity),
		registry.IssuePatternMatched: issue.PatternMatched,
		registry.IssueErrorMessage:   message,
		registry.IssueRunID:          issue.RunID,
		registry.IssueStatus:         string(models.IssueStatusNew),
		registry.IssueOccurrences:    issue.Occurrences,
		registry.IssueFirstSeen:      issue.FirstSeen.UTC(),
		registry.IssueLastSeen:       issue.LastSeen.UTC(),
	}
	if len(issue.Context) > 0 {
		fields[registry.IssueContext] = strings.Join(issue.Context, "\n")
	}
	if issue.StackTraceID != "" {
		fields[registry.IssueStackTrace] = issue.StackTraceID
	}
	if issue.RunType != "" {
		fields[registry.IssueRunType] = string(issue.RunType)
	}
	if issue.Stream > 0 {
		fields[registry.IssueStream] = issue.Stream
	}
	if issue.ClientID != "" {
		fields[registry.IssueClientID] = issue.ClientID
	}
	if issue.ServiceOrFunction != "" {
		fields[registry.IssueServiceOrFunction] = issue.ServiceOrFunction
	}
	return fields
}

func (w *Writer) spoolIssue(issue *models.Issue, cause error) {
	if w.spool == nil {
		w.logger.Error().
			Err(cause).
			Str("pattern", issue.PatternMatched).
			Msg("Store unavailable and no spool configured, issue dropped")
		return
	}
	if err := w.spool.Enqueue(issue); err != nil {
		w.logger.Error().
			Err(err).
			Str("pattern", issue.PatternMatched).
			Msg("Failed to spool issue")
		return
	}
	w.logger.Warn().
		Str("pattern", issue.PatternMatched).
		Str("run_id", issue.RunID).
		Msg("Store unavailable, issue spooled for next pass")
}

// FlushSpool drains the spool and retries persistence. Issues that fail
// again go back into the spool.
func (w *Writer) FlushSpool(ctx context.Context) (int, error) {
	if w.spool == nil {
		return 0, nil
	}
	issues, err := w.spool.Drain()
	if err != nil {
		return 0, fmt.Errorf("draining issue spool: %w", err)
	}
	if len(issues) == 0 {
		return 0, nil
	}

	w.logger.Info().Int("count", len(issues)).Msg("Flushing spooled issues")
	return w.Persist(ctx, issues)
}

// MarkFixed transitions open issues whose pattern name or error message
// matches the glob to FIXED, recording the commit hash. Returns the
// number of rows updated.
func (w *Writer) MarkFixed(ctx context.Context, params *interfaces.MarkFixedParams) (int, error) {
	if params == nil || params.Pattern == "" {
		return 0, fmt.Errorf("%w: pattern is required", models.ErrValidation)
	}
	if params.CommitHash == "" {
		return 0, fmt.Errorf("%w: commit hash is required", models.ErrValidation)
	}
	if _, err := path.Match(params.Pattern, ""); err != nil {
		return 0, fmt.Errorf("%w: malformed pattern %q", models.ErrValidation, params.Pattern)
	}

	formula := fmt.Sprintf("{Status} != '%s'", string(models.IssueStatusFixed))
	records, err := w.store.FirstPage(ctx, registry.TableProductionIssues, formula, 100)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	updates := map[string]interface{}{
		registry.IssueStatus:    string(models.IssueStatusFixed),
		registry.IssueFixCommit: params.CommitHash,
	}
	if params.FixNotes != "" {
		updates[registry.IssueFixNotes] = params.FixNotes
	}

	fixed := 0
	for _, record := range records {
		if !globMatches(params.Pattern, record.StringField("Pattern Matched"), record.StringField("Error Message")) {
			continue
		}
		if _, err := w.store.UpdateByID(ctx, registry.TableProductionIssues, record.ID, updates); err != nil {
			return fixed, err
		}
		fixed++
	}

	w.logger.Info().
		Str("pattern", params.Pattern).
		Str("commit", params.CommitHash).
		Int("fixed", fixed).
		Msg("Marked issues fixed")
	return fixed, nil
}

func globMatches(pattern string, candidates ...string) bool {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if ok, _ := path.Match(pattern, candidate); ok {
			return true
		}
	}
	return false
}

// escapeFormula escapes single quotes for interpolation into a filter
// formula string literal
func escapeFormula(value string) string {
	return strings.ReplaceAll(value, "'", "\\'")
}
