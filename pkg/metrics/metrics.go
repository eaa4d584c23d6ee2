// Package metrics defines the Prometheus metrics exported by legacysync.
//
// All metrics are registered on the default registry through promauto and
// exposed by the REST layer at /metrics.
//
// # Basic Usage
//
//	metrics.RecordsEnqueued.Add(float64(len(batch)))
//
//	timer := metrics.NewTimer()
//	n, err := store.BulkUpsert(ctx, rows)
//	metrics.BatchDuration.Observe(timer.Stop().Seconds())
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., records streamed)
// Gauge: Values that can go up or down (e.g., breaker state, queue depth)
// Histogram: Distribution of values (e.g., batch upsert duration)
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "legacysync"

var (
	// SyncRuns counts sync runs by terminal or intermediate status.
	// Labels: status (running/processing/completed/failed)
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync run status transitions",
		},
		[]string{"status"},
	)

	// SyncProgress is the running total of records enqueued by the active run
	SyncProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_progress_records",
			Help:      "Records enqueued by the active sync run",
		},
	)

	// RecordsStreamed counts valid records read from the legacy source
	RecordsStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_records_streamed_total",
			Help:      "Valid records read from the legacy source",
		},
	)

	// ParseErrors counts discarded arrays and records.
	// Labels: kind (array/record)
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_parse_errors_total",
			Help:      "Arrays or records discarded as malformed",
		},
		[]string{"kind"},
	)

	// FetchAttempts counts legacy fetch attempts.
	// Labels: outcome (success/retry/exhausted/rejected/aborted)
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_fetch_attempts_total",
			Help:      "Legacy source fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// CircuitState reports breaker state (0 closed, 1 open, 2 half-open).
	// Labels: breaker
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	// BatchesEnqueued counts batch jobs handed to the batch queue
	BatchesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_enqueued_total",
			Help:      "Batch jobs enqueued",
		},
	)

	// RecordsEnqueued counts records carried by enqueued batch jobs
	RecordsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enqueued_total",
			Help:      "Records enqueued in batch jobs",
		},
	)

	// RecordsUpserted counts rows attempted by bulk upserts
	RecordsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_upserted_total",
			Help:      "Rows attempted by bulk upserts",
		},
	)

	// BatchDuration tracks batch processing time in seconds
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch processing duration",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// JobOutcomes counts queue job results.
	// Labels: queue, outcome (completed/retried/dead_lettered)
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Queue job outcomes",
		},
		[]string{"queue", "outcome"},
	)

	// QueueDepth tracks jobs held by a queue.
	// Labels: queue, state (ready/delayed/active/dead_lettered)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs held by a queue",
		},
		[]string{"queue", "state"},
	)
)

// Timer measures an operation's duration from creation
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called
// repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker computes records per second between resets.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	now       func() time.Time
}

// NewThroughputTracker creates a tracker using the wall clock
func NewThroughputTracker() *ThroughputTracker {
	return newThroughputTracker(time.Now)
}

func newThroughputTracker(now func() time.Time) *ThroughputTracker {
	return &ThroughputTracker{lastReset: now(), now: now}
}

// Increment adds n records
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	t.count += n
	t.mu.Unlock()
}

// GetAndReset returns the rate since the last reset and starts a new window
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.lastReset).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(t.count) / elapsed
	}
	t.count = 0
	t.lastReset = now
	return rate
}
