// Package legacy streams user records from the legacy source.
//
// The source answers GET /external/users with an unbounded body made of
// back-to-back JSON arrays. Some arrays are corrupted and some elements are
// malformed; both are counted and dropped without aborting the stream.
package legacy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/clients"
	"github.com/ajitpratap0/legacysync/pkg/jsonstream"
	"github.com/ajitpratap0/legacysync/pkg/metrics"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

const (
	usersPath    = "/external/users"
	apiKeyHeader = "x-api-key"

	readBufferSize = 32 * 1024
)

// BatchFunc receives the valid records decoded from one read of the body.
// The client does not read further until it returns.
type BatchFunc func(ctx context.Context, records []models.LegacyRecord) error

// StreamResult summarises one successful stream
type StreamResult struct {
	TotalProcessed int64
	TotalErrors    int64
}

// Config configures a Client
type Config struct {
	BaseURL string
	APIKey  string

	// ProgressInterval is how often streaming progress is logged
	ProgressInterval time.Duration
}

// Client fetches users from the legacy source
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *clients.CircuitBreaker
	retry      *clients.RetryPolicy
	logger     *zap.Logger
	now        func() time.Time
}

// callbackError marks a failure returned by the BatchFunc. It is never
// retried: the stream is restarted only for transport failures.
type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return "batch callback: " + e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// NewClient creates a client. A nil httpClient gets a streaming client with
// no overall timeout; nil breaker and policy get the defaults.
func NewClient(config Config, httpClient *http.Client, breaker *clients.CircuitBreaker, policy *clients.RetryPolicy, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "legacy_client"))

	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 5 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if httpClient == nil {
		httpClient = clients.NewStreamingHTTPClient(nil, logger)
	}
	if breaker == nil {
		breaker = clients.NewCircuitBreaker(clients.DefaultCircuitBreakerConfig("legacy-api"), logger)
	}
	if policy == nil {
		policy = clients.DefaultRetryPolicy()
	}

	base := policy
	rp := *policy
	rp.Classifier = func(err error) bool {
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return false
		}
		return base.IsRetryable(err)
	}
	onRetry := policy.OnRetry
	rp.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.FetchAttempts.WithLabelValues("retry").Inc()
		logger.Warn("legacy fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	logger.Info("legacy client initialized", zap.String("base_url", config.BaseURL))

	return &Client{
		config:     config,
		httpClient: httpClient,
		breaker:    breaker,
		retry:      &rp,
		logger:     logger,
		now:        time.Now,
	}
}

// Breaker returns the client's circuit breaker
func (c *Client) Breaker() *clients.CircuitBreaker {
	return c.breaker
}

// FetchStreaming streams every user to onBatch. Failed attempts restart the
// stream from the beginning and discard that attempt's totals.
func (c *Client) FetchStreaming(ctx context.Context, onBatch BatchFunc) (StreamResult, error) {
	c.logger.Info("starting user streaming from legacy source")

	var (
		result   StreamResult
		callback error
	)
	err := c.breaker.Execute(func() error {
		var err error
		result, err = clients.Retry(ctx, c.retry, func(ctx context.Context) (StreamResult, error) {
			return c.doStreamingFetch(ctx, onBatch)
		})
		// consumer failures do not count against the source
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			callback = err
			return nil
		}
		return err
	})
	if err == nil {
		err = callback
	}
	if err != nil {
		outcome := "exhausted"
		switch {
		case callback != nil:
			outcome = "aborted"
		case syncerrors.IsType(err, syncerrors.ErrorTypeCircuitOpen):
			outcome = "rejected"
		}
		metrics.FetchAttempts.WithLabelValues(outcome).Inc()
		return StreamResult{}, err
	}
	metrics.FetchAttempts.WithLabelValues("success").Inc()
	return result, nil
}

func (c *Client) doStreamingFetch(ctx context.Context, onBatch BatchFunc) (StreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+usersPath, nil)
	if err != nil {
		return StreamResult{}, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to build legacy request")
	}
	req.Header.Set(apiKeyHeader, c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return StreamResult{}, ctx.Err()
		}
		return StreamResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return StreamResult{}, syncerrors.FromStatus(resp.StatusCode,
			fmt.Sprintf("legacy source returned %d", resp.StatusCode))
	}

	var (
		result    StreamResult
		scanner   = jsonstream.NewScanner()
		buf       = make([]byte, readBufferSize)
		start     = c.now()
		lastLog   = start
		lastCount int64
	)

	emit := func(arrays []string) error {
		records, errs := decodeArrays(arrays)
		result.TotalErrors += errs
		if len(records) == 0 {
			return nil
		}
		result.TotalProcessed += int64(len(records))
		metrics.RecordsStreamed.Add(float64(len(records)))
		if err := onBatch(ctx, records); err != nil {
			return &callbackError{err: err}
		}
		return nil
	}

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := emit(scanner.Feed(buf[:n])); err != nil {
				return StreamResult{}, err
			}

			if now := c.now(); now.Sub(lastLog) >= c.config.ProgressInterval {
				elapsed := now.Sub(start).Seconds()
				c.logger.Info("streaming progress",
					zap.Int64("total_processed", result.TotalProcessed),
					zap.Float64("records_per_second", float64(result.TotalProcessed)/elapsed),
					zap.Int64("records_since_last_log", result.TotalProcessed-lastCount),
					zap.Int64("total_errors", result.TotalErrors))
				lastLog = now
				lastCount = result.TotalProcessed
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return StreamResult{}, ctx.Err()
			}
			return StreamResult{}, syncerrors.Wrap(readErr, syncerrors.ErrorTypeTransientNetwork, "legacy stream interrupted")
		}
	}

	if strings.TrimSpace(scanner.Remainder()) != "" {
		if err := emit(scanner.Flush()); err != nil {
			return StreamResult{}, err
		}
	}

	elapsed := c.now().Sub(start)
	c.logger.Info("streaming completed",
		zap.Int64("total_processed", result.TotalProcessed),
		zap.Int64("total_errors", result.TotalErrors),
		zap.Duration("duration", elapsed))
	return result, nil
}

// decodeArrays parses complete arrays and validates each element. It returns
// the valid records and how many arrays or elements were dropped.
func decodeArrays(arrays []string) ([]models.LegacyRecord, int64) {
	var (
		records []models.LegacyRecord
		errs    int64
	)
	for _, array := range arrays {
		var elements []json.RawMessage
		if err := json.Unmarshal([]byte(array), &elements); err != nil {
			metrics.ParseErrors.WithLabelValues("array").Inc()
			errs++
			continue
		}
		for _, el := range elements {
			rec, err := decodeRecord(el)
			if err != nil {
				metrics.ParseErrors.WithLabelValues("record").Inc()
				errs++
				continue
			}
			records = append(records, rec)
		}
	}
	return records, errs
}

// decodeRecord validates one element's shape: integral numeric id, string
// userName, email and RFC 3339 createdAt, boolean deleted
func decodeRecord(raw json.RawMessage) (models.LegacyRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return models.LegacyRecord{}, syncerrors.Wrap(err, syncerrors.ErrorTypeParse, "element is not an object")
	}
	if fields == nil {
		return models.LegacyRecord{}, syncerrors.New(syncerrors.ErrorTypeParse, "element is null")
	}

	var rec models.LegacyRecord

	num, ok := fields["id"].(json.Number)
	if !ok {
		return rec, syncerrors.New(syncerrors.ErrorTypeParse, "id is not a number")
	}
	id, err := num.Int64()
	if err != nil {
		return rec, syncerrors.Wrap(err, syncerrors.ErrorTypeParse, "id is not an integer")
	}
	rec.ID = id

	if rec.UserName, ok = fields["userName"].(string); !ok {
		return rec, syncerrors.New(syncerrors.ErrorTypeParse, "userName is not a string")
	}
	if rec.Email, ok = fields["email"].(string); !ok {
		return rec, syncerrors.New(syncerrors.ErrorTypeParse, "email is not a string")
	}
	if rec.CreatedAt, ok = fields["createdAt"].(string); !ok {
		return rec, syncerrors.New(syncerrors.ErrorTypeParse, "createdAt is not a string")
	}
	if _, err := models.ParseLegacyTime(rec.CreatedAt); err != nil {
		return rec, syncerrors.Wrap(err, syncerrors.ErrorTypeParse, "createdAt is not a timestamp")
	}
	if rec.Deleted, ok = fields["deleted"].(bool); !ok {
		return rec, syncerrors.New(syncerrors.ErrorTypeParse, "deleted is not a boolean")
	}
	return rec, nil
}
