package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
)

// spooledIssue wraps an issue for durable storage. The key is a random
// UUID; EnqueuedAt preserves arrival order for the drain.
type spooledIssue struct {
	ID         string `badgerhold:"key"`
	Issue      models.Issue
	EnqueuedAt time.Time
}

// IssueSpool is a Badger-backed durable buffer for issues that could
// not be written to the tabular store. Spooled issues survive process
// restarts and flush at the start of the next analyzer pass.
type IssueSpool struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewIssueSpool opens the spool database at the configured path
func NewIssueSpool(config *common.BadgerConfig, logger arbor.ILogger) (*IssueSpool, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing spool database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete spool directory")
			}
		}
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Issue spool initialized")

	return &IssueSpool{store: store, logger: logger}, nil
}

// Enqueue stores one issue durably
func (s *IssueSpool) Enqueue(issue *models.Issue) error {
	record := spooledIssue{
		ID:         uuid.NewString(),
		Issue:      *issue,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.store.Insert(record.ID, record); err != nil {
		return fmt.Errorf("failed to spool issue: %w", err)
	}
	return nil
}

// Drain removes and returns all spooled issues in arrival order
func (s *IssueSpool) Drain() ([]*models.Issue, error) {
	var records []spooledIssue
	if err := s.store.Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EnqueuedAt.Before(records[j].EnqueuedAt)
	})

	issues := make([]*models.Issue, 0, len(records))
	for i := range records {
		issue := records[i].Issue
		issues = append(issues, &issue)
		if err := s.store.Delete(records[i].ID, spooledIssue{}); err != nil {
			s.logger.Warn().Err(err).Str("id", records[i].ID).Msg("Failed to delete spooled issue")
		}
	}
	return issues, nil
}

// Close closes the spool database
func (s *IssueSpool) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

var _ interfaces.IssueSpool = (*IssueSpool)(nil)
