package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/vigilops/vigil/internal/airtable"
	"github.com/vigilops/vigil/internal/analyzer"
	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/handlers"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/logprovider"
	"github.com/vigilops/vigil/internal/runid"
	"github.com/vigilops/vigil/internal/services/orchestrator"
	"github.com/vigilops/vigil/internal/services/tracking"
	"github.com/vigilops/vigil/internal/services/worker"
	"github.com/vigilops/vigil/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Record store and run-ID cache
	Store    interfaces.RecordStore
	RunCache *runid.Cache

	// Run tracking and orchestration
	TrackingService interfaces.TrackingService
	Worker          interfaces.Worker
	Orchestrator    interfaces.Orchestrator

	// Log-driven error capture
	LogSource       interfaces.LogSource
	IssueSpool      *storage.IssueSpool
	AnalyzerService interfaces.AnalyzerService

	// Scheduled analyzer sweep
	scheduler *cron.Cron

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	RunHandler      *handlers.RunHandler
	AnalyzerHandler *handlers.AnalyzerHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.startScheduler(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("airtable_base", cfg.Airtable.BaseID).
		Msg("Application initialization complete")

	return app, nil
}

// initServices wires the business services in dependency order:
// record store -> tracking -> worker -> analyzer -> orchestrator.
func (a *App) initServices() error {
	a.Store = airtable.NewClient(a.Config.Airtable, a.Logger)
	a.RunCache = runid.NewCache(a.Config.Runs.CacheSize)

	a.TrackingService = tracking.NewService(a.Store, a.RunCache, &a.Config.Runs, a.Logger)
	a.Worker = worker.NewDispatcher(a.TrackingService, &a.Config.Worker, a.Logger)

	a.LogSource = logprovider.NewClient(a.Config.LogSource, a.Logger)

	spool, err := storage.NewIssueSpool(&a.Config.Storage.Badger, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open issue spool: %w", err)
	}
	a.IssueSpool = spool

	writer := analyzer.NewWriter(a.Store, a.IssueSpool, analyzer.WriterConfig{
		MaxMessageLen: a.Config.Analyzer.MaxMessageLen,
	}, a.Logger)
	linker := analyzer.NewLinker(a.Store, a.Logger)
	a.AnalyzerService = analyzer.NewService(a.LogSource, writer, linker, &a.Config.Analyzer, a.Logger)

	a.Orchestrator = orchestrator.NewService(
		a.TrackingService,
		a.Worker,
		a.AnalyzerService,
		&a.Config.Runs,
		a.Logger,
	)

	a.Logger.Debug().
		Int("run_cache_size", a.Config.Runs.CacheSize).
		Str("spool_path", a.Config.Storage.Badger.Path).
		Msg("Services initialized")

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Config.Environment, a.Logger)
	a.RunHandler = handlers.NewRunHandler(a.Orchestrator, a.TrackingService, a.Logger)
	a.AnalyzerHandler = handlers.NewAnalyzerHandler(a.AnalyzerService, a.Logger)
}

// startScheduler registers the recent-window analyzer sweep. The sweep
// also surfaces runs stuck in RUNNING past the stall window so stalled
// rows show up in the logs the next pass analyzes. An empty schedule
// disables the sweep entirely.
func (a *App) startScheduler() error {
	schedule := a.Config.Analyzer.Schedule
	if schedule == "" {
		a.Logger.Debug().Msg("Analyzer sweep disabled (no schedule configured)")
		return nil
	}

	a.scheduler = cron.New()
	// Each tick detaches via SafeGoWithContext so a shutdown between
	// tick and sweep skips the pass instead of racing the close.
	_, err := a.scheduler.AddFunc(schedule, func() {
		common.SafeGoWithContext(a.ctx, a.Logger, "analyzer-sweep", a.runSweep)
	})
	if err != nil {
		return fmt.Errorf("invalid analyzer schedule %q: %w", schedule, err)
	}

	a.scheduler.Start()
	a.Logger.Info().
		Str("schedule", schedule).
		Int("sweep_minutes", a.Config.Analyzer.SweepMinutes).
		Msg("Analyzer sweep scheduled")

	return nil
}

// runSweep is one scheduled pass: report stalled runs, then analyze the
// trailing window. Failures are logged and left for the next pass.
func (a *App) runSweep() {
	ctx := context.Background()

	stallWindow := common.Duration(a.Config.Runs.StallWindow, 0)
	if stallWindow > 0 {
		stalled, err := a.TrackingService.FindStalledRuns(ctx, stallWindow)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Stall sweep failed")
		}
		for _, job := range stalled {
			a.Logger.Warn().
				Str("run_id", job.RunID).
				Str("status", string(job.Status)).
				Msg(fmt.Sprintf("Stall detected [%s] no activity within stall window", job.RunID))
		}
	}

	result, err := a.AnalyzerService.AnalyzeRecent(ctx, a.Config.Analyzer.SweepMinutes)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Scheduled analyzer sweep failed")
		return
	}

	a.Logger.Info().
		Int("issues", result.Issues).
		Int("created_records", result.CreatedRecords).
		Msg("Scheduled analyzer sweep complete")
}

// Close closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.scheduler != nil {
		ctx := a.scheduler.Stop()
		<-ctx.Done()
		a.Logger.Info().Msg("Analyzer sweep stopped")
	}

	if a.IssueSpool != nil {
		if err := a.IssueSpool.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close issue spool")
		} else {
			a.Logger.Info().Msg("Issue spool closed")
		}
	}

	return nil
}
