package interfaces

import (
	"context"
	"time"
)

// Record is one row in the external tabular store. Fields are keyed by
// external field names.
type Record struct {
	ID          string                 `json:"id"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedTime time.Time              `json:"createdTime,omitempty"`
}

// StringField returns a field coerced to string ("" when absent)
func (r *Record) StringField(name string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	if v, ok := r.Fields[name].(string); ok {
		return v
	}
	return ""
}

// NumberField returns a field coerced to float64 (0 when absent)
func (r *Record) NumberField(name string) float64 {
	if r == nil || r.Fields == nil {
		return 0
	}
	switch v := r.Fields[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// TimeField parses an RFC3339 field value (zero time when absent or
// unparseable)
func (r *Record) TimeField(name string) time.Time {
	s := r.StringField(name)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RecordStore is the only gateway to the external tabular store.
// Implementations normalize every write through the field registry,
// coerce value types, retry transient failures with backoff, and
// rate-limit outbound calls.
type RecordStore interface {
	// Create inserts a row. Fields may use logical or external names.
	Create(ctx context.Context, table string, fields map[string]interface{}) (*Record, error)

	// FindByField returns the first row whose field equals value, or
	// models.ErrNotFound.
	FindByField(ctx context.Context, table, field, value string) (*Record, error)

	// UpdateByID applies a partial update to one row
	UpdateByID(ctx context.Context, table, recordID string, fields map[string]interface{}) (*Record, error)

	// DeleteByID removes one row
	DeleteByID(ctx context.Context, table, recordID string) error

	// FirstPage runs a filtered select and returns up to maxRecords rows
	FirstPage(ctx context.Context, table, filterFormula string, maxRecords int) ([]*Record, error)
}
