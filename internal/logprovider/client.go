// Package logprovider fetches raw log lines from the external log
// provider for a service and time window.
package logprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/interfaces"
	"github.com/vigilops/vigil/internal/models"
)

// Client implements interfaces.LogSource over the provider's HTTP API
type Client struct {
	baseURL     string
	apiKey      string
	serviceID   string
	pageLimit   int
	graceWindow time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      arbor.ILogger
}

// NewClient creates a log source client from configuration
func NewClient(cfg common.LogSourceConfig, logger arbor.ILogger) *Client {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 10
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = 1000
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		serviceID:   cfg.ServiceID,
		pageLimit:   pageLimit,
		graceWindow: common.Duration(cfg.GraceWindow, 30*time.Second),
		httpClient: &http.Client{
			Timeout: common.Duration(cfg.RequestTimeout, 30*time.Second),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// DefaultServiceID returns the configured default service
func (c *Client) DefaultServiceID() string {
	return c.serviceID
}

type logEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

type logsResponse struct {
	Logs          []logEntry `json:"logs"`
	NextStartTime string     `json:"nextStartTime,omitempty"`
}

// FetchLogs returns one string per emitted log line, in provider order.
// The closed time window is widened backwards by the grace window to
// cover clock skew; logs may arrive out of order near window edges, so
// callers filter on the run-ID token rather than trusting the window.
// Pagination continues until a page comes back shorter than the limit
// or the cursor passes endTime.
func (c *Client) FetchLogs(ctx context.Context, req interfaces.FetchLogsRequest) ([]string, error) {
	serviceID := req.ServiceID
	if serviceID == "" {
		serviceID = c.serviceID
	}
	if serviceID == "" {
		return nil, fmt.Errorf("%w: log source service id is required", models.ErrValidation)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = c.pageLimit
	}

	start := req.StartTime.Add(-c.graceWindow)
	end := req.EndTime

	var lines []string
	cursor := start

	for {
		page, next, err := c.fetchPage(ctx, serviceID, cursor, end, limit)
		if err != nil {
			return nil, err
		}

		for _, entry := range page {
			if entry.Message == "" {
				continue
			}
			if entry.Timestamp != "" && !strings.HasPrefix(entry.Message, entry.Timestamp) {
				lines = append(lines, entry.Timestamp+" "+entry.Message)
			} else {
				lines = append(lines, entry.Message)
			}
		}

		if len(page) < limit {
			break
		}

		// Advance the cursor past the page; prefer the provider's own
		// continuation token
		if next != "" {
			parsed, err := time.Parse(time.RFC3339Nano, next)
			if err != nil {
				break
			}
			cursor = parsed
		} else {
			last, err := time.Parse(time.RFC3339Nano, page[len(page)-1].Timestamp)
			if err != nil {
				break
			}
			cursor = last.Add(time.Nanosecond)
		}

		if !cursor.Before(end) {
			break
		}
	}

	c.logger.Debug().
		Str("service_id", serviceID).
		Int("lines", len(lines)).
		Str("start", start.UTC().Format(time.RFC3339)).
		Str("end", end.UTC().Format(time.RFC3339)).
		Msg("Fetched log window")

	return lines, nil
}

func (c *Client) fetchPage(ctx context.Context, serviceID string, start, end time.Time, limit int) ([]logEntry, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	params := url.Values{}
	params.Set("resource", serviceID)
	params.Set("startTime", start.UTC().Format(time.RFC3339Nano))
	params.Set("endTime", end.UTC().Format(time.RFC3339Nano))
	params.Set("limit", fmt.Sprintf("%d", limit))

	endpoint := fmt.Sprintf("%s/v1/logs?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: log provider: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read log response: %v", models.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed logsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, "", fmt.Errorf("decode log response: %w", err)
		}
		return parsed.Logs, parsed.NextStartTime, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("%w: log provider returned 429", models.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("%w: log provider returned %d", models.ErrTransient, resp.StatusCode)
	default:
		return nil, "", fmt.Errorf("%w: log provider returned %d: %s", models.ErrFatal, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
