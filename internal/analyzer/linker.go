package analyzer

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"

	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/registry"
)

// Linker resolves stack-trace markers found in log context to rows in
// the stack-trace side table.
type Linker struct {
	store  interfaces.RecordStore
	logger arbor.ILogger
}

func NewLinker(store interfaces.RecordStore, logger arbor.ILogger) *Linker {
	return &Linker{store: store, logger: logger}
}

// Attach looks up each issue's marker and fills in StackTraceID. A
// marker with no matching row leaves the ID empty; the issue still
// carries the marker text so the trail is inspectable later. Lookup
// failures never fail the pass.
func (l *Linker) Attach(ctx context.Context, issues []*models.Issue) {
	for _, issue := range issues {
		if issue.StackTraceMarker == "" {
			continue
		}

		record, err := l.store.FindByField(ctx, registry.TableStackTraces, registry.TraceMarker, issue.StackTraceMarker)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				l.logger.Debug().
					Str("marker", issue.StackTraceMarker).
					Str("run_id", issue.RunID).
					Msg("No stack trace row for marker")
			} else {
				l.logger.Warn().
					Err(err).
					Str("marker", issue.StackTraceMarker).
					Msg("Stack trace lookup failed")
			}
			continue
		}

		issue.StackTraceID = record.ID
	}
}
