package interfaces

import (
	"context"
	"time"
)

// FetchLogsRequest identifies a service and closed time window to pull
// logs for. The adapter widens StartTime by its configured grace window
// before calling the provider to cover clock skew.
type FetchLogsRequest struct {
	ServiceID string
	StartTime time.Time
	EndTime   time.Time
	Limit     int // Per-call page size; 0 uses the adapter default
}

// LogSource fetches raw log lines for a service and time window from
// the external log provider. Lines are returned one string per emitted
// log line, in provider order.
type LogSource interface {
	FetchLogs(ctx context.Context, req FetchLogsRequest) ([]string, error)
}
