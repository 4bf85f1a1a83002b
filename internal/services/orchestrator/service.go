// Package orchestrator implements the fire-and-forget run lifecycle.
// StartRun creates the tracking rows synchronously, launches the batch
// worker in a panic-protected goroutine, and returns immediately. The
// worker's failure boundary lives here: a dead worker marks its run
// FAILED and emits a stall line the analyzer picks up, so RUNNING rows
// never linger silently.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/registry"
	"github.com/vigilops/vigil/internal/runid"
)

// Service implements interfaces.Orchestrator
type Service struct {
	tracking interfaces.TrackingService
	worker   interfaces.Worker
	analyzer interfaces.AnalyzerService
	logger   arbor.ILogger

	heartbeatInterval time.Duration
}

func NewService(tracking interfaces.TrackingService, worker interfaces.Worker, analyzer interfaces.AnalyzerService, cfg *common.RunsConfig, logger arbor.ILogger) *Service {
	heartbeat := time.Minute
	if cfg != nil {
		heartbeat = common.Duration(cfg.HeartbeatInterval, heartbeat)
	}
	return &Service{
		tracking:          tracking,
		worker:            worker,
		analyzer:          analyzer,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}
}

// StartRun creates tracking rows and hands off to the worker. The
// returned result carries the accepted run ID; the worker outcome is
// observable only through the tracking rows and the analyzer.
func (s *Service) StartRun(ctx context.Context, params *interfaces.StartRunParams) (*interfaces.StartRunResult, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: params are required", models.ErrValidation)
	}
	if !params.RunType.Valid() {
		return nil, fmt.Errorf("%w: unknown run type %q", models.ErrValidation, params.RunType)
	}

	runID := runid.New()
	startTime := time.Now().UTC()

	// The limit bounds the whole run, so it applies before any child
	// rows exist. Rows created here are exactly the rows the worker
	// dispatches; nothing is left STARTED behind a terminal parent.
	clientIDs := append([]string(nil), params.ClientIDs...)
	if params.Limit > 0 && len(clientIDs) > params.Limit {
		clientIDs = clientIDs[:params.Limit]
	}

	if !params.Standalone {
		if _, err := s.tracking.CreateJob(ctx, &interfaces.CreateJobParams{
			RunID:   runID,
			RunType: params.RunType,
			Stream:  params.Stream,
			Source:  "api",
		}); err != nil {
			return nil, err
		}
		for _, clientID := range clientIDs {
			if _, err := s.tracking.CreateClientRun(ctx, &interfaces.CreateClientRunParams{
				RunID:    runID,
				ClientID: clientID,
			}); err != nil {
				return nil, err
			}
		}
	}

	run := &interfaces.WorkerRun{
		RunID:      runID,
		RunType:    params.RunType,
		Stream:     params.Stream,
		ClientIDs:  clientIDs,
		Limit:      params.Limit,
		Standalone: params.Standalone,
	}

	common.SafeGo(s.logger, "run-"+runID, func() {
		s.execute(run, startTime)
	})

	s.logger.Info().
		Str("run_id", runID).
		Str("run_type", string(params.RunType)).
		Int("clients", len(clientIDs)).
		Msg("Run accepted")

	return &interfaces.StartRunResult{Status: "accepted", RunID: runID}, nil
}

// execute runs the worker with the failure boundary and completes the
// run either way. It runs detached from the request context.
func (s *Service) execute(run *interfaces.WorkerRun, startTime time.Time) {
	ctx := context.Background()

	stopHeartbeat := s.startHeartbeat(ctx, run)
	workerErr := s.runWorker(ctx, run)
	stopHeartbeat()

	endTime := time.Now().UTC()

	if !run.Standalone {
		if workerErr != nil {
			s.failPendingClients(ctx, run, workerErr)
		}

		outcome := models.Outcome("")
		note := ""
		if workerErr != nil {
			outcome = models.OutcomeFailure
			note = fmt.Sprintf("worker failed: %v", workerErr)
		}
		if _, err := s.tracking.CompleteJob(ctx, &interfaces.CompleteJobParams{
			RunID:   run.RunID,
			Outcome: outcome,
			Note:    note,
		}); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to complete job")
		}
	}

	if workerErr != nil {
		// The analyzer's catalog matches this line and records the run
		// as a CRITICAL issue.
		s.logger.Error().
			Err(workerErr).
			Str("run_id", run.RunID).
			Msg(fmt.Sprintf("Stall detected [%s] worker terminated before completion", run.RunID))
	}

	s.analyze(ctx, run, startTime, endTime)
}

// runWorker converts a worker panic into an error so the boundary
// handles both failure modes the same way
func (s *Service) runWorker(ctx context.Context, run *interfaces.WorkerRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return s.worker.Run(ctx, run)
}

// failPendingClients marks every still-active child FAILED so a dead
// worker never leaves RUNNING rows behind
func (s *Service) failPendingClients(ctx context.Context, run *interfaces.WorkerRun, cause error) {
	snapshot, err := s.tracking.GetRun(ctx, run.RunID)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Could not load run for failure sweep")
		return
	}
	for _, client := range snapshot.Clients {
		if client.Status.IsTerminal() {
			continue
		}
		if err := s.tracking.CompleteClientRun(ctx, &interfaces.CompleteClientRunParams{
			RunID:        run.RunID,
			ClientID:     client.ClientID,
			Outcome:      models.OutcomeFailure,
			ErrorDetails: cause.Error(),
		}); err != nil {
			s.logger.Error().Err(err).
				Str("run_id", run.RunID).
				Str("client_id", client.ClientID).
				Msg("Failed to mark client run failed")
		}
	}
}

// startHeartbeat appends a timestamped heartbeat line to the parent's
// execution log until stopped. Standalone runs have no row to touch.
func (s *Service) startHeartbeat(ctx context.Context, run *interfaces.WorkerRun) func() {
	if run.Standalone || s.heartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	common.SafeGo(s.logger, "heartbeat-"+run.RunID, func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := s.tracking.UpdateJob(ctx, &interfaces.UpdateJobParams{
					RunID: run.RunID,
					Updates: map[string]interface{}{
						registry.JobExecutionLog: "heartbeat " + time.Now().UTC().Format(time.RFC3339),
					},
				})
				if err != nil {
					s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Heartbeat update failed")
				}
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// analyze invokes the post-run analyzer with its own failure boundary;
// analyzer errors never change job status
func (s *Service) analyze(ctx context.Context, run *interfaces.WorkerRun, startTime, endTime time.Time) {
	if s.analyzer == nil {
		return
	}
	result, err := s.analyzer.AnalyzeRun(ctx, &interfaces.AnalyzeRunParams{
		RunID:     run.RunID,
		StartTime: startTime,
		EndTime:   endTime,
		Stream:    run.Stream,
		RunType:   run.RunType,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Post-run analysis failed")
		return
	}
	s.logger.Info().
		Str("run_id", run.RunID).
		Int("issues", result.Issues).
		Int("created", result.CreatedRecords).
		Msg("Post-run analysis completed")
}

var _ interfaces.Orchestrator = (*Service)(nil)
