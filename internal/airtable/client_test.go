package airtable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/common"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/registry"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(common.AirtableConfig{
		APIKey:         "key-test",
		BaseID:         "appTEST",
		BaseURL:        server.URL,
		RateLimit:      1000,
		RetryAttempts:  3,
		RetryBackoff:   "1ms",
		RateLimitRetry: 1,
	}, common.GetLogger())
}

func TestCreate_NormalizesAndCoerces(t *testing.T) {
	var captured map[string]interface{}

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/appTEST/Job%20Tracking", r.URL.EscapedPath())
		assert.Equal(t, "Bearer key-test", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "rec123",
			"fields":      captured["fields"],
			"createdTime": "2025-07-14T09:30:05Z",
		})
	}))

	start := time.Date(2025, 7, 14, 9, 30, 5, 0, time.UTC)
	record, err := client.Create(context.Background(), registry.TableJobTracking, map[string]interface{}{
		"runId":     "250714-093005",
		"status":    "STARTED",
		"startTime": start,
		"stream":    1,
		"Duration":  99, // formula field, must be stripped
	})
	require.NoError(t, err)
	assert.Equal(t, "rec123", record.ID)

	fields := captured["fields"].(map[string]interface{})
	assert.Equal(t, "250714-093005", fields["Run ID"])
	assert.Equal(t, "STARTED", fields["Status"])
	assert.Equal(t, "2025-07-14T09:30:05Z", fields["Start Time"])
	assert.Equal(t, float64(1), fields["Stream"])
	_, hasDuration := fields["Duration"]
	assert.False(t, hasDuration)
}

func TestUpdateByID_RejectsEmptyAfterNormalize(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the provider")
	}))

	_, err := client.UpdateByID(context.Background(), registry.TableJobTracking, "rec1", map[string]interface{}{
		"Duration": 5,
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFindByField_TranslatesLogicalField(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		formula := r.URL.Query().Get("filterByFormula")
		assert.Equal(t, "{Run ID} = '250714-093005'", formula)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"records": []map[string]interface{}{
				{"id": "rec9", "fields": map[string]interface{}{"Run ID": "250714-093005"}},
			},
		})
	}))

	record, err := client.FindByField(context.Background(), registry.TableJobTracking, "runId", "250714-093005")
	require.NoError(t, err)
	assert.Equal(t, "rec9", record.ID)
	assert.Equal(t, "250714-093005", record.StringField("Run ID"))
}

func TestFindByField_NotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []interface{}{}})
	}))

	_, err := client.FindByField(context.Background(), registry.TableJobTracking, "runId", "999999-999999")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []interface{}{}})
	}))

	_, err := client.FirstPage(context.Background(), registry.TableJobTracking, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_TransientExhaustion(t *testing.T) {
	calls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.FirstPage(context.Background(), registry.TableJobTracking, "", 10)
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_RateLimitSurfacesAfterBudget(t *testing.T) {
	calls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.FirstPage(context.Background(), registry.TableJobTracking, "", 10)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.Equal(t, 1, calls) // RateLimitRetry configured to 1 in tests
}

func TestDo_FatalNotRetried(t *testing.T) {
	calls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "AUTHENTICATION_REQUIRED", "message": "invalid key"},
		})
	}))

	_, err := client.FirstPage(context.Background(), registry.TableJobTracking, "", 10)
	assert.ErrorIs(t, err, models.ErrFatal)
	assert.Equal(t, 1, calls)
}

func TestDo_MissingTableIsFatal(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "TABLE_NOT_FOUND", "message": "Could not find table Job Tracking"},
		})
	}))

	_, err := client.FirstPage(context.Background(), registry.TableJobTracking, "", 10)
	assert.ErrorIs(t, err, models.ErrFatal)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestDo_PlainNotFoundStaysNotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "NOT_FOUND", "message": "Record not found"},
		})
	}))

	err := client.DeleteByID(context.Background(), registry.TableJobTracking, "recMissing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDo_UnknownFieldNameIsValidationError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "UNKNOWN_FIELD_NAME", "message": `Unknown field name: "Foo"`},
		})
	}))

	// Payload is registry-clean; the provider still rejects when the
	// base schema drifted from the registry.
	_, err := client.Create(context.Background(), registry.TableJobTracking, map[string]interface{}{
		"status": "STARTED",
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEscapeFormulaValue(t *testing.T) {
	assert.Equal(t, `O\'Brien`, escapeFormulaValue("O'Brien"))
}
