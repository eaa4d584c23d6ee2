package legacy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/legacysync/pkg/clients"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

const testAPIKey = "test-api-key-2024"

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, url string, threshold int) *Client {
	t.Helper()
	logger := zaptest.NewLogger(t)
	policy := clients.DefaultRetryPolicy()
	policy.Sleep = noSleep
	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:             t.Name(),
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
	}, logger)
	return NewClient(Config{BaseURL: url, APIKey: testAPIKey}, nil, breaker, policy, logger)
}

func user(id int64, name string) models.LegacyRecord {
	return models.LegacyRecord{
		ID:        id,
		UserName:  name,
		Email:     name + "@example.com",
		CreatedAt: "2024-01-15T10:30:00.000Z",
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// streamingHandler writes each part as a separately flushed chunk
func streamingHandler(requests *int32, parts ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		if r.Header.Get("x-api-key") != testAPIKey || r.URL.Path != "/external/users" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		flusher, _ := w.(http.Flusher)
		for _, p := range parts {
			_, _ = w.Write([]byte(p))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func collect(records *[]models.LegacyRecord) BatchFunc {
	return func(_ context.Context, batch []models.LegacyRecord) error {
		*records = append(*records, batch...)
		return nil
	}
}

func TestFetchStreamingConcatenatedArrays(t *testing.T) {
	body := mustJSON(t, []models.LegacyRecord{user(1, "u1"), user(2, "u2")}) +
		mustJSON(t, []models.LegacyRecord{user(3, "u3")})

	var requests int32
	// split inside a string value and between arrays
	srv := httptest.NewServer(streamingHandler(&requests, body[:17], body[17:60], body[60:]))
	defer srv.Close()

	var got []models.LegacyRecord
	res, err := newTestClient(t, srv.URL, 10).FetchStreaming(context.Background(), collect(&got))
	require.NoError(t, err)

	assert.EqualValues(t, 3, res.TotalProcessed)
	assert.EqualValues(t, 0, res.TotalErrors)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{got[0].UserName, got[1].UserName, got[2].UserName})
	assert.EqualValues(t, 1, requests)
}

func TestFetchStreamingDropsCorruptData(t *testing.T) {
	valid := mustJSON(t, user(1, "good"))
	body := `[` + valid + `,{"id":"7","userName":"bad","email":"x","createdAt":"2024-01-01T00:00:00Z","deleted":false}]` +
		`[{"id":2,,"userName":"broken"}]` +
		`[` + mustJSON(t, user(3, "after")) + `]`

	var requests int32
	srv := httptest.NewServer(streamingHandler(&requests, body))
	defer srv.Close()

	var got []models.LegacyRecord
	res, err := newTestClient(t, srv.URL, 10).FetchStreaming(context.Background(), collect(&got))
	require.NoError(t, err)

	assert.EqualValues(t, 2, res.TotalProcessed)
	assert.EqualValues(t, 2, res.TotalErrors)
	require.Len(t, got, 2)
	assert.Equal(t, "good", got[0].UserName)
	assert.Equal(t, "after", got[1].UserName)
}

func TestFetchStreamingIgnoresTrailingIncompleteArray(t *testing.T) {
	body := mustJSON(t, []models.LegacyRecord{user(1, "u1")}) + `[{"id":2,"userName":"cut`

	var requests int32
	srv := httptest.NewServer(streamingHandler(&requests, body))
	defer srv.Close()

	var got []models.LegacyRecord
	res, err := newTestClient(t, srv.URL, 10).FetchStreaming(context.Background(), collect(&got))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.TotalProcessed)
	assert.Len(t, got, 1)
}

func TestFetchStreamingRetriesServerErrors(t *testing.T) {
	body := mustJSON(t, []models.LegacyRecord{user(1, "u1")})

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	var got []models.LegacyRecord
	res, err := newTestClient(t, srv.URL, 10).FetchStreaming(context.Background(), collect(&got))
	require.NoError(t, err)
	assert.EqualValues(t, 3, requests)
	assert.EqualValues(t, 1, res.TotalProcessed)
	assert.Len(t, got, 1)
}

func TestFetchStreamingRestartsAfterConnectionDrop(t *testing.T) {
	full := mustJSON(t, []models.LegacyRecord{user(1, "u1"), user(2, "u2")}) +
		mustJSON(t, []models.LegacyRecord{user(3, "u3")})
	cut := strings.Index(full, "][") + 10

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&requests, 1) > 1 {
			_, _ = w.Write([]byte(full))
			return
		}
		_, _ = w.Write([]byte(full[:cut]))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	var got []models.LegacyRecord
	res, err := newTestClient(t, srv.URL, 10).FetchStreaming(context.Background(), collect(&got))
	require.NoError(t, err)

	assert.EqualValues(t, 2, requests, "a dropped stream is fetched again from the start")
	assert.EqualValues(t, 3, res.TotalProcessed, "totals cover the last attempt only")
	assert.EqualValues(t, 0, res.TotalErrors)

	names := make([]string, 0, len(got))
	for _, r := range got {
		names = append(names, r.UserName)
	}
	assert.Equal(t, []string{"u1", "u2", "u1", "u2", "u3"}, names,
		"records delivered before the drop are delivered again")
}

func TestFetchStreamingClientErrorNotRetried(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 10).FetchStreaming(context.Background(), collect(new([]models.LegacyRecord)))
	require.Error(t, err)

	var exhausted *clients.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, http.StatusBadRequest, syncerrors.StatusCode(err))
	assert.EqualValues(t, 1, requests)
}

func TestFetchStreamingCallbackErrorNotRetried(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(streamingHandler(&requests, mustJSON(t, []models.LegacyRecord{user(1, "u1")})))
	defer srv.Close()

	errEnqueue := errors.New("queue closed")
	client := newTestClient(t, srv.URL, 1)
	_, err := client.FetchStreaming(context.Background(),
		func(context.Context, []models.LegacyRecord) error { return errEnqueue })
	require.ErrorIs(t, err, errEnqueue)
	assert.EqualValues(t, 1, requests)
	assert.Equal(t, clients.StateClosed, client.Breaker().State(), "callback errors do not trip the breaker")
	assert.Zero(t, client.Breaker().Failures())
}

func TestFetchStreamingCircuitOpens(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	for i := 0; i < 2; i++ {
		_, err := c.FetchStreaming(context.Background(), collect(new([]models.LegacyRecord)))
		require.Error(t, err)
	}
	assert.Equal(t, clients.StateOpen, c.Breaker().State())

	_, err := c.FetchStreaming(context.Background(), collect(new([]models.LegacyRecord)))
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeCircuitOpen))
	assert.EqualValues(t, 2, requests)
}

func TestFetchStreamingRejectsWrongAPIKey(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(streamingHandler(&requests, "[]"))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "wrong"}, nil, nil, nil, logger)
	_, err := c.FetchStreaming(context.Background(), collect(new([]models.LegacyRecord)))
	assert.Equal(t, http.StatusUnauthorized, syncerrors.StatusCode(err))
}

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"id":1,"userName":"a","email":"a@x","createdAt":"2024-01-01T00:00:00Z","deleted":true}`, false},
		{"fractional seconds", `{"id":1,"userName":"a","email":"a@x","createdAt":"2024-01-01T00:00:00.123Z","deleted":false}`, false},
		{"string id", `{"id":"1","userName":"a","email":"a@x","createdAt":"2024-01-01T00:00:00Z","deleted":false}`, true},
		{"fractional id", `{"id":1.5,"userName":"a","email":"a@x","createdAt":"2024-01-01T00:00:00Z","deleted":false}`, true},
		{"missing email", `{"id":1,"userName":"a","createdAt":"2024-01-01T00:00:00Z","deleted":false}`, true},
		{"bad timestamp", `{"id":1,"userName":"a","email":"a@x","createdAt":"yesterday","deleted":false}`, true},
		{"string deleted", `{"id":1,"userName":"a","email":"a@x","createdAt":"2024-01-01T00:00:00Z","deleted":"no"}`, true},
		{"null", `null`, true},
		{"number", `42`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRecord(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
