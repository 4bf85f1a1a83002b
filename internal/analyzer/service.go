package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/runid"
)

// ErrLogFetch and ErrStoreWrite identify which dependency failed a
// pass, for callers that report the two differently.
var (
	ErrLogFetch   = errors.New("log fetch failed")
	ErrStoreWrite = errors.New("issue store write failed")
)

// Service runs log-driven error capture passes: flush any spooled
// issues, fetch the log window, scan against the pattern catalog, link
// stack traces and persist the results.
type Service struct {
	source   interfaces.LogSource
	writer   *Writer
	linker   *Linker
	patterns []Pattern
	filter   FilterConfig
	logger   arbor.ILogger
}

func NewService(source interfaces.LogSource, writer *Writer, linker *Linker, cfg *common.AnalyzerConfig, logger arbor.ILogger) *Service {
	filter := DefaultFilterConfig()
	if cfg != nil {
		if cfg.ContextBefore > 0 {
			filter.ContextBefore = cfg.ContextBefore
		}
		if cfg.ContextAfter > 0 {
			filter.ContextAfter = cfg.ContextAfter
		}
		if cfg.MaxContextLines > 0 {
			filter.MaxContextLines = cfg.MaxContextLines
		}
	}
	return &Service{
		source:   source,
		writer:   writer,
		linker:   linker,
		patterns: Catalog(),
		filter:   filter,
		logger:   logger,
	}
}

// AnalyzeRun analyzes the exact log window of one completed run
func (s *Service) AnalyzeRun(ctx context.Context, params *interfaces.AnalyzeRunParams) (*models.AnalyzerResult, error) {
	if params == nil || params.RunID == "" {
		return nil, fmt.Errorf("%w: run id is required", models.ErrValidation)
	}
	if err := runid.Validate(params.RunID); err != nil {
		return nil, fmt.Errorf("%w: invalid run id %q", models.ErrValidation, params.RunID)
	}
	if params.EndTime.Before(params.StartTime) {
		return nil, fmt.Errorf("%w: end time precedes start time", models.ErrValidation)
	}

	return s.analyze(ctx, runid.BaseOf(params.RunID), params.StartTime, params.EndTime, params.Stream, params.RunType)
}

// AnalyzeRecent analyzes the trailing window without a run scope. Every
// line carrying any run-ID token is scanned and issues group per run.
func (s *Service) AnalyzeRecent(ctx context.Context, minutes int) (*models.AnalyzerResult, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: minutes must be positive", models.ErrValidation)
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(minutes) * time.Minute)
	return s.analyze(ctx, "", start, end, 0, "")
}

// MarkFixed transitions matching issues to FIXED
func (s *Service) MarkFixed(ctx context.Context, params *interfaces.MarkFixedParams) (int, error) {
	return s.writer.MarkFixed(ctx, params)
}

func (s *Service) analyze(ctx context.Context, runID string, start, end time.Time, stream int, runType models.RunType) (*models.AnalyzerResult, error) {
	if _, err := s.writer.FlushSpool(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Spool flush failed, continuing with pass")
	}

	lines, err := s.source.FetchLogs(ctx, interfaces.FetchLogsRequest{
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogFetch, err)
	}

	issues := Scan(lines, runID, s.patterns, s.filter)
	for _, issue := range issues {
		if runType != "" && issue.RunType == "" {
			issue.RunType = runType
		}
		if stream > 0 && issue.Stream == 0 {
			issue.Stream = stream
		}
	}

	s.linker.Attach(ctx, issues)

	created, err := s.writer.Persist(ctx, issues)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	result := &models.AnalyzerResult{
		Issues:         len(issues),
		CreatedRecords: created,
	}
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityCritical:
			result.Summary.Critical++
		case models.SeverityError:
			result.Summary.Error++
		case models.SeverityWarning:
			result.Summary.Warning++
		}
	}

	s.logger.Info().
		Str("run_id", runID).
		Int("lines", len(lines)).
		Int("issues", result.Issues).
		Int("created", result.CreatedRecords).
		Msg("Analyzer pass completed")

	return result, nil
}

var _ interfaces.AnalyzerService = (*Service)(nil)
