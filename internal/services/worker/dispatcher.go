// Package worker dispatches batch run work to downstream processor
// services. The domain work itself (scoring, harvesting) lives in those
// services; the dispatcher POSTs one request per client, relays the
// reported metrics into the tracking rows, and records each client's
// outcome. Per-client failures complete that client FAILED and the run
// continues; only a missing endpoint fails the whole run.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/runid"
)

// Dispatcher implements interfaces.Worker over HTTP
type Dispatcher struct {
	tracking    interfaces.TrackingService
	endpoints   map[string]string
	concurrency int
	client      *http.Client
	logger      arbor.ILogger
}

func NewDispatcher(tracking interfaces.TrackingService, cfg *common.WorkerConfig, logger arbor.ILogger) *Dispatcher {
	timeout := 10 * time.Minute
	concurrency := 1
	endpoints := map[string]string{}
	if cfg != nil {
		timeout = common.Duration(cfg.RequestTimeout, timeout)
		if cfg.Concurrency > 0 {
			concurrency = cfg.Concurrency
		}
		endpoints = cfg.Endpoints
	}
	return &Dispatcher{
		tracking:    tracking,
		endpoints:   endpoints,
		concurrency: concurrency,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// dispatchRequest is the payload sent to the downstream processor
type dispatchRequest struct {
	RunID       string `json:"runId"`
	ClientRunID string `json:"clientRunId,omitempty"`
	ClientID    string `json:"clientId"`
	RunType     string `json:"runType"`
	Stream      int    `json:"stream,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// dispatchResponse is what the downstream processor reports back
type dispatchResponse struct {
	Status  string                 `json:"status"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Run dispatches each client to the configured endpoint for the run
// type. Unknown run types have no endpoint and fail the run.
func (d *Dispatcher) Run(ctx context.Context, run *interfaces.WorkerRun) error {
	endpoint, ok := d.endpoints[string(run.RunType)]
	if !ok || endpoint == "" {
		return fmt.Errorf("%w: no worker endpoint configured for run type %q", models.ErrFatal, run.RunType)
	}

	clients := run.ClientIDs
	if len(clients) == 0 {
		// No client fan-out; a single unscoped dispatch covers the run
		return d.dispatchOne(ctx, endpoint, run, "")
	}
	if run.Limit > 0 && len(clients) > run.Limit {
		clients = clients[:run.Limit]
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, clientID := range clients {
		clientID := clientID
		wg.Add(1)
		sem <- struct{}{}
		common.SafeGo(d.logger, "dispatch-"+run.RunID+"-"+clientID, func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.dispatchOne(ctx, endpoint, run, clientID); err != nil {
				d.logger.Error().Err(err).
					Str("run_id", run.RunID).
					Str("client_id", clientID).
					Msg("Client dispatch failed")
			}
		})
	}
	wg.Wait()
	return nil
}

// dispatchOne POSTs one client's work order and records the outcome
func (d *Dispatcher) dispatchOne(ctx context.Context, endpoint string, run *interfaces.WorkerRun, clientID string) error {
	payload := dispatchRequest{
		RunID:    run.RunID,
		ClientID: clientID,
		RunType:  string(run.RunType),
		Stream:   run.Stream,
		Limit:    run.Limit,
	}
	if clientID != "" {
		clientRunID, err := runid.WithClient(run.RunID, clientID)
		if err != nil {
			return err
		}
		payload.ClientRunID = clientRunID
	}

	response, err := d.post(ctx, endpoint, payload)
	if err != nil {
		d.recordFailure(ctx, run, clientID, err)
		return err
	}

	if clientID != "" && !run.Standalone {
		if len(response.Metrics) > 0 {
			if err := d.tracking.UpdateClientMetrics(ctx, &interfaces.UpdateClientMetricsParams{
				RunID:    run.RunID,
				ClientID: clientID,
				Metrics:  response.Metrics,
			}); err != nil {
				d.logger.Warn().Err(err).
					Str("run_id", run.RunID).
					Str("client_id", clientID).
					Msg("Failed to record reported metrics")
			}
		}
		if err := d.tracking.CompleteClientRun(ctx, &interfaces.CompleteClientRunParams{
			RunID:    run.RunID,
			ClientID: clientID,
			Outcome:  models.OutcomeSuccess,
		}); err != nil {
			d.logger.Warn().Err(err).
				Str("run_id", run.RunID).
				Str("client_id", clientID).
				Msg("Failed to complete client run")
		}
	}

	d.logger.Info().
		Str("run_id", run.RunID).
		Str("client_id", clientID).
		Msg("Client dispatch completed")
	return nil
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, payload dispatchRequest) (*dispatchResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: dispatch call failed: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading dispatch response: %v", models.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: processor returned %d: %s", models.ErrFatal, resp.StatusCode, truncate(string(raw), 200))
	}

	var response dispatchResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &response); err != nil {
			d.logger.Warn().Err(err).Msg("Processor response was not JSON, ignoring body")
		}
	}
	if response.Status == "failed" {
		return nil, fmt.Errorf("%w: processor reported failure: %s", models.ErrFatal, response.Error)
	}
	return &response, nil
}

// recordFailure completes the client FAILED; unknown run IDs are a
// benign skip for standalone runs
func (d *Dispatcher) recordFailure(ctx context.Context, run *interfaces.WorkerRun, clientID string, cause error) {
	if clientID == "" || run.Standalone {
		return
	}
	if err := d.tracking.CompleteClientRun(ctx, &interfaces.CompleteClientRunParams{
		RunID:        run.RunID,
		ClientID:     clientID,
		Outcome:      models.OutcomeFailure,
		ErrorDetails: cause.Error(),
	}); err != nil {
		d.logger.Warn().Err(err).
			Str("run_id", run.RunID).
			Str("client_id", clientID).
			Msg("Failed to record client failure")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ interfaces.Worker = (*Dispatcher)(nil)
