package analyzer

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
)

// MockRecordStore is a mock implementation of interfaces.RecordStore
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) Create(ctx context.Context, table string, fields map[string]interface{}) (*interfaces.Record, error) {
	args := m.Called(ctx, table, fields)
	if record, ok := args.Get(0).(*interfaces.Record); ok {
		return record, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRecordStore) FindByField(ctx context.Context, table, field, value string) (*interfaces.Record, error) {
	args := m.Called(ctx, table, field, value)
	if record, ok := args.Get(0).(*interfaces.Record); ok {
		return record, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRecordStore) UpdateByID(ctx context.Context, table, recordID string, fields map[string]interface{}) (*interfaces.Record, error) {
	args := m.Called(ctx, table, recordID, fields)
	if record, ok := args.Get(0).(*interfaces.Record); ok {
		return record, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRecordStore) DeleteByID(ctx context.Context, table, recordID string) error {
	args := m.Called(ctx, table, recordID)
	return args.Error(0)
}

func (m *MockRecordStore) FirstPage(ctx context.Context, table, filterFormula string, maxRecords int) ([]*interfaces.Record, error) {
	args := m.Called(ctx, table, filterFormula, maxRecords)
	if records, ok := args.Get(0).([]*interfaces.Record); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockLogSource is a mock implementation of interfaces.LogSource
type MockLogSource struct {
	mock.Mock
}

func (m *MockLogSource) FetchLogs(ctx context.Context, req interfaces.FetchLogsRequest) ([]string, error) {
	args := m.Called(ctx, req)
	if lines, ok := args.Get(0).([]string); ok {
		return lines, args.Error(1)
	}
	return nil, args.Error(1)
}

// memorySpool is an in-memory spool for tests
type memorySpool struct {
	issues []*models.Issue
}

func (s *memorySpool) Enqueue(issue *models.Issue) error {
	s.issues = append(s.issues, issue)
	return nil
}

func (s *memorySpool) Drain() ([]*models.Issue, error) {
	out := s.issues
	s.issues = nil
	return out, nil
}

func (s *memorySpool) Close() error { return nil }
