package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
)

// MockTrackingService is a mock implementation of interfaces.TrackingService
type MockTrackingService struct {
	mock.Mock
}

func (m *MockTrackingService) CreateJob(ctx context.Context, params *interfaces.CreateJobParams) (*models.JobTracking, error) {
	args := m.Called(ctx, params)
	if job, ok := args.Get(0).(*models.JobTracking); ok {
		return job, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTrackingService) CreateClientRun(ctx context.Context, params *interfaces.CreateClientRunParams) (*models.ClientRun, error) {
	args := m.Called(ctx, params)
	if run, ok := args.Get(0).(*models.ClientRun); ok {
		return run, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTrackingService) UpdateJob(ctx context.Context, params *interfaces.UpdateJobParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockTrackingService) UpdateClientMetrics(ctx context.Context, params *interfaces.UpdateClientMetricsParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockTrackingService) CompleteClientRun(ctx context.Context, params *interfaces.CompleteClientRunParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockTrackingService) CompleteJob(ctx context.Context, params *interfaces.CompleteJobParams) (*models.JobTracking, error) {
	args := m.Called(ctx, params)
	if job, ok := args.Get(0).(*models.JobTracking); ok {
		return job, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTrackingService) GetRun(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	args := m.Called(ctx, runID)
	if snapshot, ok := args.Get(0).(*models.RunSnapshot); ok {
		return snapshot, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTrackingService) FindStalledRuns(ctx context.Context, window time.Duration) ([]*models.JobTracking, error) {
	args := m.Called(ctx, window)
	if jobs, ok := args.Get(0).([]*models.JobTracking); ok {
		return jobs, args.Error(1)
	}
	return nil, args.Error(1)
}

func newDispatcher(tracking interfaces.TrackingService, endpoint string) *Dispatcher {
	return NewDispatcher(tracking, &common.WorkerConfig{
		Endpoints:      map[string]string{"lead-scoring": endpoint},
		RequestTimeout: "5s",
		Concurrency:    2,
	}, common.GetLogger())
}

func TestDispatcherReportsMetricsAndCompletes(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)

		var payload dispatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "241201-120000", payload.RunID)
		assert.Equal(t, "241201-120000-acme-corp", payload.ClientRunID)

		json.NewEncoder(w).Encode(dispatchResponse{
			Status: "ok",
			Metrics: map[string]interface{}{
				"profilesScored": map[string]interface{}{"add": float64(5)},
			},
		})
	}))
	defer server.Close()

	tracking := new(MockTrackingService)
	tracking.On("UpdateClientMetrics", mock.Anything, mock.MatchedBy(func(p *interfaces.UpdateClientMetricsParams) bool {
		return p.ClientID == "acme-corp" && len(p.Metrics) == 1
	})).Return(nil)
	tracking.On("CompleteClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteClientRunParams) bool {
		return p.ClientID == "acme-corp" && p.Outcome == models.OutcomeSuccess
	})).Return(nil)

	dispatcher := newDispatcher(tracking, server.URL)
	err := dispatcher.Run(context.Background(), &interfaces.WorkerRun{
		RunID:     "241201-120000",
		RunType:   models.RunTypeLeadScoring,
		ClientIDs: []string{"acme-corp"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	tracking.AssertExpectations(t)
}

func TestDispatcherFailedClientContinuesRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload dispatchRequest
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.ClientID == "acme-corp" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracking := new(MockTrackingService)
	tracking.On("CompleteClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteClientRunParams) bool {
		return p.ClientID == "acme-corp" && p.Outcome == models.OutcomeFailure
	})).Return(nil)
	tracking.On("CompleteClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteClientRunParams) bool {
		return p.ClientID == "globex" && p.Outcome == models.OutcomeSuccess
	})).Return(nil)

	dispatcher := newDispatcher(tracking, server.URL)
	err := dispatcher.Run(context.Background(), &interfaces.WorkerRun{
		RunID:     "241201-120000",
		RunType:   models.RunTypeLeadScoring,
		ClientIDs: []string{"acme-corp", "globex"},
	})

	require.NoError(t, err)
	tracking.AssertExpectations(t)
}

func TestDispatcherMissingEndpointFailsRun(t *testing.T) {
	dispatcher := newDispatcher(new(MockTrackingService), "http://localhost:1")
	err := dispatcher.Run(context.Background(), &interfaces.WorkerRun{
		RunID:   "241201-120000",
		RunType: models.RunTypePostHarvest,
	})
	assert.ErrorIs(t, err, models.ErrFatal)
}

func TestDispatcherRespectsLimit(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracking := new(MockTrackingService)
	tracking.On("CompleteClientRun", mock.Anything, mock.Anything).Return(nil)

	dispatcher := newDispatcher(tracking, server.URL)
	err := dispatcher.Run(context.Background(), &interfaces.WorkerRun{
		RunID:     "241201-120000",
		RunType:   models.RunTypeLeadScoring,
		ClientIDs: []string{"a", "b", "c"},
		Limit:     2,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestDispatcherStandaloneSkipsTracking(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracking := new(MockTrackingService)
	dispatcher := newDispatcher(tracking, server.URL)

	err := dispatcher.Run(context.Background(), &interfaces.WorkerRun{
		RunID:      "241201-120000",
		RunType:    models.RunTypeLeadScoring,
		ClientIDs:  []string{"acme-corp"},
		Standalone: true,
	})

	require.NoError(t, err)
	tracking.AssertNotCalled(t, "CompleteClientRun", mock.Anything, mock.Anything)
}

func TestDispatcherProcessorReportedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dispatchResponse{Status: "failed", Error: "quota exhausted"})
	}))
	defer server.Close()

	tracking := new(MockTrackingService)
	tracking.On("CompleteClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteClientRunParams) bool {
		return p.Outcome == models.OutcomeFailure && p.ErrorDetails != ""
	})).Return(nil)

	dispatcher := newDispatcher(tracking, server.URL)
	err := dispatcher.Run(context.Background(), &interfaces.WorkerRun{
		RunID:     "241201-120000",
		RunType:   models.RunTypeLeadScoring,
		ClientIDs: []string{"acme-corp"},
	})

	require.NoError(t, err)
	tracking.AssertExpectations(t)
}
