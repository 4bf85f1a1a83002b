package orchestrator

import (
	"context"
	"errors"
	"sync"
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

// stubWorker runs a function and signals when invoked
type stubWorker struct {
	mu   sync.Mutex
	runs []*interfaces.WorkerRun
	fn   func(run *interfaces.WorkerRun) error
}

func (w *stubWorker) Run(ctx context.Context, run *interfaces.WorkerRun) error {
	w.mu.Lock()
	w.runs = append(w.runs, run)
	w.mu.Unlock()
	if w.fn != nil {
		return w.fn(run)
	}
	return nil
}

// MockAnalyzer is a mock implementation of interfaces.AnalyzerService
type MockAnalyzer struct {
	mock.Mock
	done chan struct{}
}

func (m *MockAnalyzer) AnalyzeRun(ctx context.Context, params *interfaces.AnalyzeRunParams) (*models.AnalyzerResult, error) {
	args := m.Called(ctx, params)
	if m.done != nil {
		close(m.done)
	}
	if result, ok := args.Get(0).(*models.AnalyzerResult); ok {
		return result, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAnalyzer) AnalyzeRecent(ctx context.Context, minutes int) (*models.AnalyzerResult, error) {
	args := m.Called(ctx, minutes)
	if result, ok := args.Get(0).(*models.AnalyzerResult); ok {
		return result, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAnalyzer) MarkFixed(ctx context.Context, params *interfaces.MarkFixedParams) (int, error) {
	args := m.Called(ctx, params)
	return args.Int(0), args.Error(1)
}

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background run")
	}
}

func TestStartRunHappyPath(t *testing.T) {
	tracking := new(MockTrackingService)
	tracking.On("CreateJob", mock.Anything, mock.MatchedBy(func(p *interfaces.CreateJobParams) bool {
		return p.RunType == models.RunTypeLeadScoring && p.Stream == 1 && p.Source == "api"
	})).Return(&models.JobTracking{}, nil)
	tracking.On("CreateClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CreateClientRunParams) bool {
		return p.ClientID == "acme-corp"
	})).Return(&models.ClientRun{}, nil)
	tracking.On("CompleteJob", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteJobParams) bool {
		return p.Outcome == models.Outcome("")
	})).Return(&models.JobTracking{Status: models.RunStatusCompleted}, nil)

	analyzer := &MockAnalyzer{done: make(chan struct{})}
	analyzer.On("AnalyzeRun", mock.Anything, mock.MatchedBy(func(p *interfaces.AnalyzeRunParams) bool {
		return p.RunID != "" && p.Stream == 1
	})).Return(&models.AnalyzerResult{}, nil)

	worker := &stubWorker{}
	service := NewService(tracking, worker, analyzer, nil, common.GetLogger())

	result, err := service.StartRun(context.Background(), &interfaces.StartRunParams{
		RunType:   models.RunTypeLeadScoring,
		Stream:    1,
		ClientIDs: []string{"acme-corp"},
	})

	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Status)
	assert.Len(t, result.RunID, 13)

	waitFor(t, analyzer.done)
	tracking.AssertExpectations(t)
	assert.Len(t, worker.runs, 1)
}

func TestStartRunLimitBoundsChildRows(t *testing.T) {
	tracking := new(MockTrackingService)
	tracking.On("CreateJob", mock.Anything, mock.Anything).Return(&models.JobTracking{}, nil)
	tracking.On("CreateClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CreateClientRunParams) bool {
		return p.ClientID == "acme-corp" || p.ClientID == "globex"
	})).Return(&models.ClientRun{}, nil).Twice()
	tracking.On("CompleteJob", mock.Anything, mock.Anything).Return(&models.JobTracking{}, nil)

	analyzer := &MockAnalyzer{done: make(chan struct{})}
	analyzer.On("AnalyzeRun", mock.Anything, mock.Anything).Return(&models.AnalyzerResult{}, nil)

	worker := &stubWorker{}
	service := NewService(tracking, worker, analyzer, nil, common.GetLogger())

	_, err := service.StartRun(context.Background(), &interfaces.StartRunParams{
		RunType:   models.RunTypeLeadScoring,
		ClientIDs: []string{"acme-corp", "globex", "initech"},
		Limit:     2,
	})
	require.NoError(t, err)

	waitFor(t, analyzer.done)
	tracking.AssertExpectations(t)
	tracking.AssertNumberOfCalls(t, "CreateClientRun", 2)
	require.Len(t, worker.runs, 1)
	assert.Equal(t, []string{"acme-corp", "globex"}, worker.runs[0].ClientIDs)
}

func TestStartRunWorkerFailureMarksRunFailed(t *testing.T) {
	tracking := new(MockTrackingService)
	tracking.On("CreateJob", mock.Anything, mock.Anything).Return(&models.JobTracking{}, nil)
	tracking.On("CreateClientRun", mock.Anything, mock.Anything).Return(&models.ClientRun{}, nil)
	tracking.On("GetRun", mock.Anything, mock.Anything).Return(&models.RunSnapshot{
		Job: &models.JobTracking{Status: models.RunStatusRunning},
		Clients: []*models.ClientRun{
			{ClientID: "acme-corp", Status: models.RunStatusRunning},
			{ClientID: "globex", Status: models.RunStatusCompleted},
		},
	}, nil)
	tracking.On("CompleteClientRun", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteClientRunParams) bool {
		return p.ClientID == "acme-corp" && p.Outcome == models.OutcomeFailure && p.ErrorDetails != ""
	})).Return(nil)
	tracking.On("CompleteJob", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteJobParams) bool {
		return p.Outcome == models.OutcomeFailure
	})).Return(&models.JobTracking{Status: models.RunStatusFailed}, nil)

	analyzer := &MockAnalyzer{done: make(chan struct{})}
	analyzer.On("AnalyzeRun", mock.Anything, mock.Anything).Return(&models.AnalyzerResult{}, nil)

	worker := &stubWorker{fn: func(run *interfaces.WorkerRun) error {
		return errors.New("downstream processor unreachable")
	}}
	service := NewService(tracking, worker, analyzer, nil, common.GetLogger())

	_, err := service.StartRun(context.Background(), &interfaces.StartRunParams{
		RunType:   models.RunTypeLeadScoring,
		ClientIDs: []string{"acme-corp", "globex"},
	})
	require.NoError(t, err)

	waitFor(t, analyzer.done)
	tracking.AssertExpectations(t)
	// Only the still-active client gets failed
	tracking.AssertNumberOfCalls(t, "CompleteClientRun", 1)
}

func TestStartRunWorkerPanicIsContained(t *testing.T) {
	tracking := new(MockTrackingService)
	tracking.On("CreateJob", mock.Anything, mock.Anything).Return(&models.JobTracking{}, nil)
	tracking.On("GetRun", mock.Anything, mock.Anything).Return(&models.RunSnapshot{
		Job: &models.JobTracking{Status: models.RunStatusRunning},
	}, nil)
	tracking.On("CompleteJob", mock.Anything, mock.MatchedBy(func(p *interfaces.CompleteJobParams) bool {
		return p.Outcome == models.OutcomeFailure
	})).Return(&models.JobTracking{Status: models.RunStatusFailed}, nil)

	analyzer := &MockAnalyzer{done: make(chan struct{})}
	analyzer.On("AnalyzeRun", mock.Anything, mock.Anything).Return(&models.AnalyzerResult{}, nil)

	worker := &stubWorker{fn: func(run *interfaces.WorkerRun) error {
		panic("boom")
	}}
	service := NewService(tracking, worker, analyzer, nil, common.GetLogger())

	_, err := service.StartRun(context.Background(), &interfaces.StartRunParams{
		RunType: models.RunTypeLeadScoring,
	})
	require.NoError(t, err)

	waitFor(t, analyzer.done)
	tracking.AssertExpectations(t)
}

func TestStartRunStandaloneSkipsTracking(t *testing.T) {
	tracking := new(MockTrackingService)

	analyzer := &MockAnalyzer{done: make(chan struct{})}
	analyzer.On("AnalyzeRun", mock.Anything, mock.Anything).Return(&models.AnalyzerResult{}, nil)

	worker := &stubWorker{}
	service := NewService(tracking, worker, analyzer, nil, common.GetLogger())

	result, err := service.StartRun(context.Background(), &interfaces.StartRunParams{
		RunType:    models.RunTypeOther,
		Standalone: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Status)

	waitFor(t, analyzer.done)
	tracking.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything)
	tracking.AssertNotCalled(t, "CompleteJob", mock.Anything, mock.Anything)
}

func TestStartRunValidation(t *testing.T) {
	service := NewService(new(MockTrackingService), &stubWorker{}, &MockAnalyzer{}, nil, common.GetLogger())

	_, err := service.StartRun(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = service.StartRun(context.Background(), &interfaces.StartRunParams{RunType: "bogus"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStartRunAnalyzerFailureDoesNotBlock(t *testing.T) {
	tracking := new(MockTrackingService)
	tracking.On("CreateJob", mock.Anything, mock.Anything).Return(&models.JobTracking{}, nil)
	tracking.On("CompleteJob", mock.Anything, mock.Anything).
		Return(&models.JobTracking{Status: models.RunStatusCompleted}, nil)

	analyzer := &MockAnalyzer{done: make(chan struct{})}
	analyzer.On("AnalyzeRun", mock.Anything, mock.Anything).
		Return(nil, errors.New("log provider down"))

	service := NewService(tracking, &stubWorker{}, analyzer, nil, common.GetLogger())

	_, err := service.StartRun(context.Background(), &interfaces.StartRunParams{
		RunType: models.RunTypeLeadScoring,
	})
	require.NoError(t, err)

	waitFor(t, analyzer.done)
	tracking.AssertExpectations(t)
}
