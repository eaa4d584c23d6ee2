package pipeline

import (
	"context"
	"time"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/config"
	"github.com/ajitpratap0/legacysync/pkg/legacy"
	"github.com/ajitpratap0/legacysync/pkg/models"
)

// Queue names
const (
	SyncQueueName  = "sync"
	BatchQueueName = "sync-batch"
)

// Config controls sync runs
type Config struct {
	BatchSize         int
	WorkerConcurrency int
	BatchConcurrency  int

	// ProgressInterval is the minimum wall time between persisted progress updates
	ProgressInterval time.Duration
	// RetryDelay delays the run scheduled after a failure
	RetryDelay    time.Duration
	BatchAttempts int
	BatchBackoff  time.Duration

	StaleThreshold        time.Duration
	EstimatedTotalRecords int64
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:             1000,
		WorkerConcurrency:     1,
		BatchConcurrency:      5,
		ProgressInterval:      10 * time.Second,
		RetryDelay:            10 * time.Minute,
		BatchAttempts:         3,
		BatchBackoff:          time.Second,
		StaleThreshold:        30 * time.Minute,
		EstimatedTotalRecords: 1_000_000,
	}
}

// ConfigFrom maps the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BatchSize:             cfg.Sync.BatchSize,
		WorkerConcurrency:     cfg.Sync.WorkerConcurrency,
		BatchConcurrency:      cfg.Sync.BatchConcurrency,
		ProgressInterval:      cfg.Sync.ProgressInterval,
		RetryDelay:            cfg.Sync.RetryDelay,
		BatchAttempts:         cfg.Sync.BatchAttempts,
		BatchBackoff:          cfg.Sync.BatchBackoff,
		StaleThreshold:        cfg.StaleThreshold(),
		EstimatedTotalRecords: cfg.Sync.EstimatedTotalRecords,
	}
}

// Streamer is the legacy source as seen by the orchestrator
type Streamer interface {
	FetchStreaming(ctx context.Context, onBatch legacy.BatchFunc) (legacy.StreamResult, error)
}

// SyncQueue carries sync jobs
type SyncQueue interface {
	Add(ctx context.Context, data models.SyncJob, opts queue.JobOptions) (*queue.Job[models.SyncJob], error)
	Delayed() int
}

// BatchQueue carries batch jobs
type BatchQueue interface {
	Add(ctx context.Context, data models.BatchJob, opts queue.JobOptions) (*queue.Job[models.BatchJob], error)
}
