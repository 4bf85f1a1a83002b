// Package tracking is the repository for Job Tracking and Client Run
// Results rows. It owns the run state machines and is the only writer
// of run state; orchestrator and handlers never touch the record store
// directly.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/registry"
	"github.com/vigilops/vigil/internal/runid"
)

// Service implements interfaces.TrackingService against a RecordStore
type Service struct {
	store  interfaces.RecordStore
	cache  *runid.Cache
	logger arbor.ILogger

	logCap int

	// locks serializes writers per base run ID so concurrent metric
	// merges and completions do not interleave read-modify-write cycles
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(store interfaces.RecordStore, cache *runid.Cache, cfg *common.RunsConfig, logger arbor.ILogger) *Service {
	logCap := 64 * 1024
	if cfg != nil && cfg.ExecutionLogCap > 0 {
		logCap = cfg.ExecutionLogCap
	}
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger,
		logCap: logCap,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockFor(runID string) *sync.Mutex {
	base := runid.BaseOf(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[base]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[base] = lock
	}
	return lock
}

// CreateJob creates the parent row. Creating an existing run ID returns
// the existing row untouched.
func (s *Service) CreateJob(ctx context.Context, params *interfaces.CreateJobParams) (*models.JobTracking, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: params are required", models.ErrValidation)
	}
	if err := runid.Validate(params.RunID); err != nil {
		return nil, err
	}
	if !runid.IsBase(params.RunID) {
		return nil, fmt.Errorf("%w: job run id must not carry a client suffix", models.ErrValidation)
	}
	if params.RunType != "" && !params.RunType.Valid() {
		return nil, fmt.Errorf("%w: unknown run type %q", models.ErrValidation, params.RunType)
	}

	lock := s.lockFor(params.RunID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.loadJob(ctx, params.RunID)
	if err == nil {
		s.logger.Debug().Str("run_id", params.RunID).Msg("Job already exists, returning existing row")
		return jobFromRecord(existing), nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		registry.JobRunID:     params.RunID,
		registry.JobStatus:    string(models.RunStatusStarted),
		registry.JobStartTime: now,
	}
	if params.RunType != "" {
		fields[registry.JobRunType] = string(params.RunType)
	}
	if params.Stream > 0 {
		fields[registry.JobStream] = params.Stream
	}
	if params.Source != "" {
		fields[registry.JobSource] = params.Source
	}

	record, err := s.store.Create(ctx, registry.TableJobTracking, fields)
	if err != nil {
		return nil, fmt.Errorf("creating job row: %w", err)
	}
	s.cache.Put(params.RunID, runid.Handle{Table: registry.TableJobTracking, RecordID: record.ID})

	s.logger.Info().
		Str("run_id", params.RunID).
		Str("run_type", string(params.RunType)).
		Msg("Job tracking row created")
	return jobFromRecord(record), nil
}

// CreateClientRun creates one child row. A second create for the same
// (run, client) pair returns the existing row.
func (s *Service) CreateClientRun(ctx context.Context, params *interfaces.CreateClientRunParams) (*models.ClientRun, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: params are required", models.ErrValidation)
	}
	clientRunID, err := runid.WithClient(params.RunID, params.ClientID)
	if err != nil {
		return nil, err
	}
	baseID := runid.BaseOf(clientRunID)
	clientID := runid.ClientOf(clientRunID)

	lock := s.lockFor(baseID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.loadJob(ctx, baseID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if !params.CreateIfMissing {
			return nil, fmt.Errorf("%w: no job row for run %s", models.ErrNotFound, baseID)
		}
		if _, err := s.createJobLocked(ctx, baseID); err != nil {
			return nil, err
		}
	}

	existing, err := s.loadClientRun(ctx, clientRunID)
	if err == nil {
		s.logger.Debug().Str("client_run_id", clientRunID).Msg("Client run already exists, returning existing row")
		return clientRunFromRecord(existing), nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	clientName := params.ClientName
	if clientName == "" {
		clientName = s.resolveClientName(ctx, clientID)
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		registry.ClientRunID:     clientRunID,
		registry.ClientID:        clientID,
		registry.ClientStatus:    string(models.RunStatusStarted),
		registry.ClientStartTime: now,
	}
	if clientName != "" {
		fields[registry.ClientName] = clientName
	}

	record, err := s.store.Create(ctx, registry.TableClientRuns, fields)
	if err != nil {
		return nil, fmt.Errorf("creating client run row: %w", err)
	}
	s.cache.Put(clientRunID, runid.Handle{Table: registry.TableClientRuns, RecordID: record.ID})

	s.logger.Info().
		Str("client_run_id", clientRunID).
		Str("client_id", clientID).
		Msg("Client run row created")
	return clientRunFromRecord(record), nil
}

// createJobLocked creates a bare parent row; the caller holds the run lock
func (s *Service) createJobLocked(ctx context.Context, runID string) (*interfaces.Record, error) {
	record, err := s.store.Create(ctx, registry.TableJobTracking, map[string]interface{}{
		registry.JobRunID:     runID,
		registry.JobStatus:    string(models.RunStatusStarted),
		registry.JobStartTime: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating missing job row: %w", err)
	}
	s.cache.Put(runID, runid.Handle{Table: registry.TableJobTracking, RecordID: record.ID})
	s.logger.Info().Str("run_id", runID).Msg("Parent job row created on demand")
	return record, nil
}

// resolveClientName looks up the display name in the Clients table.
// A missing row is not an error; the ID stands in for the name.
func (s *Service) resolveClientName(ctx context.Context, clientID string) string {
	record, err := s.store.FindByField(ctx, registry.TableClients, "clientId", clientID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Client name lookup failed")
		}
		return ""
	}
	return record.StringField("Client Name")
}

// UpdateJob applies updates to the parent row. executionLog and
// systemNotes values append to the stored text rather than replacing
// it; a non-string executionLog rejects the whole update.
func (s *Service) UpdateJob(ctx context.Context, params *interfaces.UpdateJobParams) error {
	if params == nil || len(params.Updates) == 0 {
		return fmt.Errorf("%w: updates are required", models.ErrValidation)
	}
	if err := runid.Validate(params.RunID); err != nil {
		return err
	}
	runID := runid.BaseOf(params.RunID)

	if raw, ok := valueForLogical(params.Updates, registry.TableJobTracking, registry.JobExecutionLog); ok {
		if _, isString := raw.(string); !isString {
			return fmt.Errorf("%w: execution log must be string", models.ErrValidation)
		}
	}

	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.loadJob(ctx, runID)
	if err != nil {
		return err
	}

	updates := make(map[string]interface{}, len(params.Updates))
	for key, value := range params.Updates {
		updates[key] = value
	}

	if raw, ok := takeLogical(updates, registry.TableJobTracking, registry.JobStatus); ok {
		next := models.RunStatus(fmt.Sprintf("%v", raw))
		current := models.RunStatus(record.StringField("Status"))
		if !models.CanTransition(current, next) {
			return fmt.Errorf("%w: cannot move run %s from %s to %s", models.ErrConflict, runID, current, next)
		}
		updates[registry.JobStatus] = string(next)
	}

	if raw, ok := takeLogical(updates, registry.TableJobTracking, registry.JobExecutionLog); ok {
		updates[registry.JobExecutionLog] = appendCapped(record.StringField("Execution Log"), raw.(string), s.logCap)
	}
	if raw, ok := takeLogical(updates, registry.TableJobTracking, registry.JobSystemNotes); ok {
		updates[registry.JobSystemNotes] = appendCapped(record.StringField("System Notes"), fmt.Sprintf("%v", raw), s.logCap)
	}

	if _, err := s.store.UpdateByID(ctx, registry.TableJobTracking, record.ID, updates); err != nil {
		s.cache.Invalidate(runID)
		return fmt.Errorf("updating job row: %w", err)
	}
	return nil
}

// UpdateClientMetrics merges counters into a child row. Values wrapped
// as {"add": n} accumulate onto the stored number; plain values replace
// it. A STARTED child moves to RUNNING on its first metrics update.
func (s *Service) UpdateClientMetrics(ctx context.Context, params *interfaces.UpdateClientMetricsParams) error {
	if params == nil || len(params.Metrics) == 0 {
		return fmt.Errorf("%w: metrics are required", models.ErrValidation)
	}
	clientRunID, err := runid.WithClient(params.RunID, params.ClientID)
	if err != nil {
		return err
	}

	lock := s.lockFor(clientRunID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.loadClientRun(ctx, clientRunID)
	if err != nil {
		return err
	}

	current := models.RunStatus(record.StringField("Status"))
	if current.IsTerminal() {
		s.logger.Debug().
			Str("client_run_id", clientRunID).
			Str("status", string(current)).
			Msg("Client run already terminal, metrics ignored")
		return nil
	}

	updates := make(map[string]interface{}, len(params.Metrics)+1)
	for key, value := range params.Metrics {
		if addend, ok := additiveValue(value); ok {
			external, err := registry.External(registry.TableClientRuns, key)
			if err != nil {
				s.logger.Warn().Str("field", key).Msg("Dropping additive update for unknown metric")
				continue
			}
			updates[key] = record.NumberField(external) + addend
			continue
		}
		updates[key] = value
	}

	if current == models.RunStatusStarted {
		updates[registry.ClientStatus] = string(models.RunStatusRunning)
	}

	if len(updates) == 0 {
		return nil
	}

	if _, err := s.store.UpdateByID(ctx, registry.TableClientRuns, record.ID, updates); err != nil {
		s.cache.Invalidate(clientRunID)
		return fmt.Errorf("updating client metrics: %w", err)
	}
	return nil
}

// CompleteClientRun writes terminal status and endTime on a child row.
// Completing an already terminal child is a no-op.
func (s *Service) CompleteClientRun(ctx context.Context, params *interfaces.CompleteClientRunParams) error {
	if params == nil {
		return fmt.Errorf("%w: params are required", models.ErrValidation)
	}
	target, ok := params.Outcome.Status()
	if !ok {
		return fmt.Errorf("%w: unknown outcome %q", models.ErrValidation, params.Outcome)
	}
	clientRunID, err := runid.WithClient(params.RunID, params.ClientID)
	if err != nil {
		return err
	}

	lock := s.lockFor(clientRunID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.loadClientRun(ctx, clientRunID)
	if err != nil {
		return err
	}

	current := models.RunStatus(record.StringField("Status"))
	if !models.CanTransition(current, target) {
		s.logger.Debug().
			Str("client_run_id", clientRunID).
			Str("current", string(current)).
			Str("target", string(target)).
			Msg("Client run already terminal, completion ignored")
		return nil
	}

	updates := map[string]interface{}{
		registry.ClientStatus:  string(target),
		registry.ClientEndTime: time.Now().UTC(),
	}
	if params.Note != "" {
		updates[registry.ClientSystemNotes] = appendCapped(record.StringField("System Notes"), params.Note, s.logCap)
	}
	if params.Outcome == models.OutcomeFailure && params.ErrorDetails != "" {
		updates[registry.ClientErrorDetails] = params.ErrorDetails
	}

	if _, err := s.store.UpdateByID(ctx, registry.TableClientRuns, record.ID, updates); err != nil {
		s.cache.Invalidate(clientRunID)
		return fmt.Errorf("completing client run: %w", err)
	}

	s.logger.Info().
		Str("client_run_id", clientRunID).
		Str("status", string(target)).
		Msg("Client run completed")
	return nil
}

// CompleteJob writes terminal status on the parent and aggregates child
// metrics. With an empty outcome the terminal status derives from the
// children: all succeeded is COMPLETED, all failed is FAILED, anything
// else is PARTIAL.
func (s *Service) CompleteJob(ctx context.Context, params *interfaces.CompleteJobParams) (*models.JobTracking, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: params are required", models.ErrValidation)
	}
	if err := runid.Validate(params.RunID); err != nil {
		return nil, err
	}
	runID := runid.BaseOf(params.RunID)

	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.loadJob(ctx, runID)
	if err != nil {
		return nil, err
	}

	children, err := s.findChildren(ctx, runID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	target := s.deriveStatus(params.Outcome, children)
	current := models.RunStatus(record.StringField("Status"))
	if !models.CanTransition(current, target) {
		s.logger.Debug().
			Str("run_id", runID).
			Str("current", string(current)).
			Str("target", string(target)).
			Msg("Job already terminal, completion ignored")
		return jobFromRecord(record), nil
	}

	// Parent end time is the latest child end time; now is only the
	// fallback when no child carries one.
	var endTime time.Time
	totalTokens := 0
	totalCost := 0.0
	for _, child := range children {
		totalTokens += int(child.NumberField("Profile Scoring Tokens")) + int(child.NumberField("Post Scoring Tokens"))
		totalCost += child.NumberField("Apify API Costs")
		if childEnd := child.TimeField("End Time"); childEnd.After(endTime) {
			endTime = childEnd
		}
	}
	if endTime.IsZero() {
		endTime = time.Now().UTC()
	}

	updates := map[string]interface{}{
		registry.JobStatus:           string(target),
		registry.JobEndTime:          endTime,
		registry.JobClientsProcessed: len(children),
		registry.JobTotalTokens:      totalTokens,
		registry.JobTotalCost:        totalCost,
	}
	if params.Note != "" {
		updates[registry.JobSystemNotes] = appendCapped(record.StringField("System Notes"), params.Note, s.logCap)
	}

	updated, err := s.store.UpdateByID(ctx, registry.TableJobTracking, record.ID, updates)
	if err != nil {
		s.cache.Invalidate(runID)
		return nil, fmt.Errorf("completing job: %w", err)
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("status", string(target)).
		Int("clients", len(children)).
		Msg("Job completed")
	return jobFromRecord(updated), nil
}

func (s *Service) deriveStatus(outcome models.Outcome, children []*interfaces.Record) models.RunStatus {
	if status, ok := outcome.Status(); ok {
		return status
	}

	if len(children) == 0 {
		return models.RunStatusCompleted
	}

	completed, failed := 0, 0
	for _, child := range children {
		switch models.RunStatus(child.StringField("Status")) {
		case models.RunStatusCompleted:
			completed++
		case models.RunStatusFailed:
			failed++
		}
	}
	switch {
	case completed == len(children):
		return models.RunStatusCompleted
	case failed == len(children):
		return models.RunStatusFailed
	default:
		return models.RunStatusPartial
	}
}

// GetRun returns the parent row and all child rows for a run
func (s *Service) GetRun(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	if err := runid.Validate(runID); err != nil {
		return nil, err
	}
	base := runid.BaseOf(runID)

	record, err := s.loadJob(ctx, base)
	if err != nil {
		return nil, err
	}

	children, err := s.findChildren(ctx, base)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	snapshot := &models.RunSnapshot{
		Job:     jobFromRecord(record),
		Clients: make([]*models.ClientRun, 0, len(children)),
	}
	for _, child := range children {
		snapshot.Clients = append(snapshot.Clients, clientRunFromRecord(child))
	}
	return snapshot, nil
}

// FindStalledRuns returns active parent rows whose last logged activity
// predates the stall window. Activity is the latest timestamp found in
// the execution log, falling back to the start time.
func (s *Service) FindStalledRuns(ctx context.Context, window time.Duration) ([]*models.JobTracking, error) {
	formula := fmt.Sprintf("OR({Status} = '%s', {Status} = '%s')",
		models.RunStatusRunning, models.RunStatusStarted)
	records, err := s.store.FirstPage(ctx, registry.TableJobTracking, formula, 100)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-window)
	var stalled []*models.JobTracking
	for _, record := range records {
		activity := lastActivity(record)
		if activity.IsZero() || activity.After(cutoff) {
			continue
		}
		stalled = append(stalled, jobFromRecord(record))
	}
	return stalled, nil
}

var logTimestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`)

func lastActivity(record *interfaces.Record) time.Time {
	activity := record.TimeField("Start Time")
	for _, match := range logTimestampPattern.FindAllString(record.StringField("Execution Log"), -1) {
		if t, err := time.Parse(time.RFC3339, match); err == nil && t.After(activity) {
			activity = t
		}
	}
	return activity
}

// loadJob finds the parent row and refreshes the lookup cache
func (s *Service) loadJob(ctx context.Context, runID string) (*interfaces.Record, error) {
	record, err := s.store.FindByField(ctx, registry.TableJobTracking, registry.JobRunID, runID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.cache.Invalidate(runID)
		}
		return nil, err
	}
	s.cache.Put(runID, runid.Handle{Table: registry.TableJobTracking, RecordID: record.ID})
	return record, nil
}

// loadClientRun finds a child row and refreshes the lookup cache
func (s *Service) loadClientRun(ctx context.Context, clientRunID string) (*interfaces.Record, error) {
	record, err := s.store.FindByField(ctx, registry.TableClientRuns, registry.ClientRunID, clientRunID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.cache.Invalidate(clientRunID)
		}
		return nil, err
	}
	s.cache.Put(clientRunID, runid.Handle{Table: registry.TableClientRuns, RecordID: record.ID})
	return record, nil
}

// findChildren returns every child row whose run ID starts with the
// base run prefix. The prefix search survives client IDs containing
// hyphens because the base run ID format is fixed width.
func (s *Service) findChildren(ctx context.Context, runID string) ([]*interfaces.Record, error) {
	formula := fmt.Sprintf("FIND('%s-', {Run ID}) = 1", runID)
	return s.store.FirstPage(ctx, registry.TableClientRuns, formula, 100)
}

// additiveValue unwraps the {"add": n} merge wrapper
func additiveValue(value interface{}) (float64, bool) {
	wrapper, ok := value.(map[string]interface{})
	if !ok || len(wrapper) != 1 {
		return 0, false
	}
	raw, ok := wrapper["add"]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// valueForLogical returns the update value keyed by either the logical
// or the external form of a field
func valueForLogical(updates map[string]interface{}, table, logical string) (interface{}, bool) {
	if v, ok := updates[logical]; ok {
		return v, true
	}
	external, err := registry.External(table, logical)
	if err != nil {
		return nil, false
	}
	v, ok := updates[external]
	return v, ok
}

// takeLogical removes and returns the update value keyed by either form
func takeLogical(updates map[string]interface{}, table, logical string) (interface{}, bool) {
	if v, ok := updates[logical]; ok {
		delete(updates, logical)
		return v, true
	}
	external, err := registry.External(table, logical)
	if err != nil {
		return nil, false
	}
	if v, ok := updates[external]; ok {
		delete(updates, external)
		return v, true
	}
	return nil, false
}

// appendCapped appends a line to accumulated text, trimming whole lines
// from the front when the result exceeds the cap
func appendCapped(existing, line string, limit int) string {
	var out string
	if existing == "" {
		out = line
	} else {
		out = existing + "\n" + line
	}
	for len(out) > limit {
		idx := strings.IndexByte(out, '\n')
		if idx < 0 {
			return out[len(out)-limit:]
		}
		out = out[idx+1:]
	}
	return out
}

func jobFromRecord(record *interfaces.Record) *models.JobTracking {
	job := &models.JobTracking{
		RecordID:         record.ID,
		RunID:            record.StringField("Run ID"),
		RunType:          models.RunType(record.StringField("Run Type")),
		Stream:           int(record.NumberField("Stream")),
		Status:           models.RunStatus(record.StringField("Status")),
		SystemNotes:      record.StringField("System Notes"),
		ExecutionLog:     record.StringField("Execution Log"),
		Source:           record.StringField("Source"),
		ClientsProcessed: int(record.NumberField("Clients Processed")),
		TotalTokens:      int(record.NumberField("Total Tokens")),
		TotalCost:        record.NumberField("Total Cost"),
	}
	if t := record.TimeField("Start Time"); !t.IsZero() {
		job.StartTime = &t
	}
	if t := record.TimeField("End Time"); !t.IsZero() {
		job.EndTime = &t
	}
	return job
}

func clientRunFromRecord(record *interfaces.Record) *models.ClientRun {
	run := &models.ClientRun{
		RecordID:    record.ID,
		ClientRunID: record.StringField("Run ID"),
		ClientID:    record.StringField("Client ID"),
		ClientName:  record.StringField("Client Name"),
		Status:      models.RunStatus(record.StringField("Status")),
		Metrics: models.ClientMetrics{
			ProfilesExamined:                   int(record.NumberField("Profiles Examined for Scoring")),
			ProfilesScored:                     int(record.NumberField("Profiles Successfully Scored")),
			ProfileScoringTokens:               int(record.NumberField("Profile Scoring Tokens")),
			PostsExamined:                      int(record.NumberField("Posts Examined for Scoring")),
			PostsScored:                        int(record.NumberField("Posts Successfully Scored")),
			PostScoringTokens:                  int(record.NumberField("Post Scoring Tokens")),
			TotalPostsHarvested:                int(record.NumberField("Total Posts Harvested")),
			ProfilesSubmittedForPostHarvesting: int(record.NumberField("Profiles Submitted for Post Harvesting")),
			ApifyAPICosts:                      record.NumberField("Apify API Costs"),
			ApifyRunID:                         record.StringField("Apify Run ID"),
			ApifyStatus:                        record.StringField("Apify Status"),
		},
		SystemNotes:  record.StringField("System Notes"),
		ErrorDetails: record.StringField("Error Details"),
	}
	if t := record.TimeField("Start Time"); !t.IsZero() {
		run.StartTime = &t
	}
	if t := record.TimeField("End Time"); !t.IsZero() {
		run.EndTime = &t
	}
	if t := record.TimeField("Last Webhook"); !t.IsZero() {
		run.Metrics.LastWebhookAt = &t
	}
	return run
}

var _ interfaces.TrackingService = (*Service)(nil)
