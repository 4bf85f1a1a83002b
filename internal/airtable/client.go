// Package airtable is the record store adapter: the only component
// that talks to the external tabular store. Every write payload is
// normalized through the field registry before it leaves the process.
package airtable

import (
	"bytes"
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
	"github.com/vigilops/vigil/internal/registry"
)

// Client implements interfaces.RecordStore against the Airtable REST API
type Client struct {
	baseURL    string
	baseID     string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger

	transient retryPolicy
	throttled retryPolicy
}

// NewClient creates a record store client from configuration
func NewClient(cfg common.AirtableConfig, logger arbor.ILogger) *Client {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		baseID:  cfg.BaseID,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: common.Duration(cfg.RequestTimeout, 30*time.Second),
		},
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		logger:    logger,
		transient: transientPolicy(cfg.RetryAttempts, common.Duration(cfg.RetryBackoff, 500*time.Millisecond)),
		throttled: rateLimitPolicy(cfg.RateLimitRetry),
	}
}

// recordPayload is the provider wire shape for a single record
type recordPayload struct {
	ID          string                 `json:"id,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedTime string                 `json:"createdTime,omitempty"`
}

type listResponse struct {
	Records []recordPayload `json:"records"`
	Offset  string          `json:"offset,omitempty"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Create inserts a row after registry normalization and type coercion
func (c *Client) Create(ctx context.Context, table string, fields map[string]interface{}) (*interfaces.Record, error) {
	safe, err := c.normalize(table, fields)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"fields":   coerceFields(safe),
		"typecast": true,
	}

	var out recordPayload
	if err := c.do(ctx, http.MethodPost, c.tableURL(table), body, &out); err != nil {
		return nil, fmt.Errorf("create in %s: %w", table, err)
	}
	return toRecord(out), nil
}

// UpdateByID applies a partial update to one row. The payload passes
// through the registry so formula fields and unknown keys never reach
// the provider.
func (c *Client) UpdateByID(ctx context.Context, table, recordID string, fields map[string]interface{}) (*interfaces.Record, error) {
	safe, err := c.normalize(table, fields)
	if err != nil {
		return nil, err
	}
	if len(safe) == 0 {
		return nil, fmt.Errorf("%w: update for %s/%s has no writable fields", models.ErrValidation, table, recordID)
	}

	body := map[string]interface{}{
		"fields":   coerceFields(safe),
		"typecast": true,
	}

	var out recordPayload
	if err := c.do(ctx, http.MethodPatch, c.tableURL(table)+"/"+url.PathEscape(recordID), body, &out); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, recordID, err)
	}
	return toRecord(out), nil
}

// DeleteByID removes one row
func (c *Client) DeleteByID(ctx context.Context, table, recordID string) error {
	if err := c.do(ctx, http.MethodDelete, c.tableURL(table)+"/"+url.PathEscape(recordID), nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, recordID, err)
	}
	return nil
}

// FindByField returns the first row whose field equals value. The field
// may be given in logical or external form.
func (c *Client) FindByField(ctx context.Context, table, field, value string) (*interfaces.Record, error) {
	external := field
	if mapped, err := registry.External(table, field); err == nil {
		external = mapped
	}

	formula := fmt.Sprintf("{%s} = '%s'", external, escapeFormulaValue(value))
	records, err := c.FirstPage(ctx, table, formula, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no %s row where %s = %q", models.ErrNotFound, table, external, value)
	}
	return records[0], nil
}

// FirstPage runs a filtered select and returns up to maxRecords rows
func (c *Client) FirstPage(ctx context.Context, table, filterFormula string, maxRecords int) ([]*interfaces.Record, error) {
	if maxRecords <= 0 {
		maxRecords = 100
	}

	params := url.Values{}
	if filterFormula != "" {
		params.Set("filterByFormula", filterFormula)
	}
	params.Set("maxRecords", fmt.Sprintf("%d", maxRecords))

	var out listResponse
	if err := c.do(ctx, http.MethodGet, c.tableURL(table)+"?"+params.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}

	records := make([]*interfaces.Record, 0, len(out.Records))
	for _, r := range out.Records {
		records = append(records, toRecord(r))
	}
	return records, nil
}

func (c *Client) tableURL(table string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table))
}

// normalize runs the field registry in lenient mode and logs dropped keys
func (c *Client) normalize(table string, fields map[string]interface{}) (map[string]interface{}, error) {
	safe, dropped, err := registry.Normalize(table, fields, registry.Lenient)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		c.logger.Warn().
			Str("table", table).
			Strs("dropped", dropped).
			Msg("Dropped non-writable fields from store payload")
	}
	return safe, nil
}

// do performs one provider call with rate limiting and per-class retry
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", models.ErrValidation, err)
		}
	}

	var lastErr error
	transientTries := 0
	throttledTries := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", models.ErrTransient, err)
			transientTries++
			if transientTries >= c.transient.attempts {
				return lastErr
			}
			if !sleepCtx(ctx, c.transient.delay(transientTries-1)) {
				return ctx.Err()
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read response: %v", models.ErrTransient, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: provider returned 429", models.ErrRateLimited)
			throttledTries++
			if throttledTries >= c.throttled.attempts {
				return lastErr
			}
			if !sleepCtx(ctx, c.throttled.delay(throttledTries-1)) {
				return ctx.Err()
			}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: provider returned %d", models.ErrTransient, resp.StatusCode)
			transientTries++
			if transientTries >= c.transient.attempts {
				return lastErr
			}
			if !sleepCtx(ctx, c.transient.delay(transientTries-1)) {
				return ctx.Err()
			}

		default:
			// Non-transient: classify and surface immediately
			return classifyClientError(resp.StatusCode, respBody)
		}
	}
}

// classifyClientError maps 4xx provider responses onto the error taxonomy
func classifyClientError(status int, body []byte) error {
	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)

	message := parsed.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusNotFound:
		// A missing table or base is a schema problem, not a record miss
		switch parsed.Error.Type {
		case "TABLE_NOT_FOUND", "MODEL_ID_NOT_FOUND":
			return fmt.Errorf("%w: table or base missing: %s", models.ErrFatal, message)
		}
		return fmt.Errorf("%w: %s", models.ErrNotFound, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: permission denied (%d): %s", models.ErrFatal, status, message)
	case parsed.Error.Type == "UNKNOWN_FIELD_NAME":
		return fmt.Errorf("%w: %s", models.ErrValidation, message)
	case status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: schema mismatch: %s", models.ErrFatal, message)
	default:
		return fmt.Errorf("%w: provider returned %d: %s", models.ErrFatal, status, message)
	}
}

// coerceFields applies explicit type coercion for the provider wire
// format: times become RFC3339 strings, integer types become float64
func coerceFields(fields map[string]interface{}) map[string]interface{} {
	coerced := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case time.Time:
			coerced[k] = value.UTC().Format(time.RFC3339)
		case *time.Time:
			if value != nil {
				coerced[k] = value.UTC().Format(time.RFC3339)
			}
		case int:
			coerced[k] = float64(value)
		case int32:
			coerced[k] = float64(value)
		case int64:
			coerced[k] = float64(value)
		case float32:
			coerced[k] = float64(value)
		case json.Number:
			if f, err := value.Float64(); err == nil {
				coerced[k] = f
			} else {
				coerced[k] = value.String()
			}
		default:
			coerced[k] = v
		}
	}
	return coerced
}

// escapeFormulaValue escapes single quotes for filterByFormula literals
func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

func toRecord(p recordPayload) *interfaces.Record {
	record := &interfaces.Record{
		ID:     p.ID,
		Fields: p.Fields,
	}
	if p.CreatedTime != "" {
		if t, err := time.Parse(time.RFC3339, p.CreatedTime); err == nil {
			record.CreatedTime = t
		}
	}
	return record
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
