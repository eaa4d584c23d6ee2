// Package config defines the single configuration structure for legacysync.
//
// The configuration is organized into logical sections:
//   - Server: HTTP listener settings
//   - Database: store driver and connection settings
//   - Legacy: the legacy source endpoint and credential
//   - Sync: batching, concurrency and scheduling of sync runs
//   - Reliability: retry and circuit breaker tuning
//   - Observability: logging and tracing
//
// Example usage:
//
//	cfg, err := config.Load("legacysync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Sync.BatchSize = 5000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ajitpratap0/legacysync/pkg/logger"
)

const (
	// DriverSQLite selects the embedded SQLite store
	DriverSQLite = "sqlite"
	// DriverPostgres selects the PostgreSQL store
	DriverPostgres = "postgres"

	// MinBatchSize is the smallest accepted sync batch size
	MinBatchSize = 100
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Legacy        LegacyConfig        `mapstructure:"legacy" yaml:"legacy"`
	Sync          SyncConfig          `mapstructure:"sync" yaml:"sync"`
	Reliability   ReliabilityConfig   `mapstructure:"reliability" yaml:"reliability"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	// Port the REST API listens on
	Port int `mapstructure:"port" yaml:"port"`
	// Mode is the gin mode (debug, release, test)
	Mode string `mapstructure:"mode" yaml:"mode"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the store
type DatabaseConfig struct {
	// Driver is either "sqlite" or "postgres"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the SQLite database file
	Path string `mapstructure:"path" yaml:"path"`
	// DSN is the PostgreSQL connection string
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// MaxConns caps the PostgreSQL pool
	MaxConns int32 `mapstructure:"max_conns" yaml:"max_conns"`
	// MinConns keeps warm PostgreSQL connections
	MinConns int32 `mapstructure:"min_conns" yaml:"min_conns"`
	// ParamLimit overrides the engine's bind-parameter limit (0 = engine default)
	ParamLimit int `mapstructure:"param_limit" yaml:"param_limit"`
	// HealthTimeout bounds the health check ping
	HealthTimeout time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
}

// LegacyConfig describes the legacy source
type LegacyConfig struct {
	// APIURL is the base URL; the client appends /external/users
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
	// APIKey is sent in the x-api-key header
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// DialTimeout bounds connection establishment only
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	// ProgressLogInterval controls how often stream progress is logged
	ProgressLogInterval time.Duration `mapstructure:"progress_log_interval" yaml:"progress_log_interval"`
}

// SyncConfig controls sync runs
type SyncConfig struct {
	// BatchSize is the number of records per batch job
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// WorkerConcurrency is the number of concurrent sync runs consumed from the sync queue
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// BatchConcurrency is the number of concurrent batch workers
	BatchConcurrency int `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
	// StaleThresholdMinutes marks active runs older than this as failed
	StaleThresholdMinutes int `mapstructure:"stale_threshold_minutes" yaml:"stale_threshold_minutes"`
	// ProgressInterval controls how often progress is persisted
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	// RetryDelay is the delay before a failed run is retried
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// ScheduleInterval triggers a sync periodically (0 disables)
	ScheduleInterval time.Duration `mapstructure:"schedule_interval" yaml:"schedule_interval"`
	// SweepInterval controls the stale sweep cadence (0 disables)
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// EstimatedTotalRecords feeds progress and ETA estimates
	EstimatedTotalRecords int64 `mapstructure:"estimated_total_records" yaml:"estimated_total_records"`
	// QueueBuffer bounds the ready jobs held by the batch queue
	QueueBuffer int `mapstructure:"queue_buffer" yaml:"queue_buffer"`
	// BatchAttempts is the number of attempts a batch job gets
	BatchAttempts int `mapstructure:"batch_attempts" yaml:"batch_attempts"`
	// BatchBackoff is the base of the exponential batch retry backoff
	BatchBackoff time.Duration `mapstructure:"batch_backoff" yaml:"batch_backoff"`
}

// ReliabilityConfig tunes the legacy client's resilience
type ReliabilityConfig struct {
	RetryAttempts     int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay" yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier" yaml:"retry_multiplier"`
	RetryableStatuses []int         `mapstructure:"retryable_statuses" yaml:"retryable_statuses"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// ObservabilityConfig contains logging and tracing settings
type ObservabilityConfig struct {
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`
	// TracingEnabled turns on the stdout span exporter
	TracingEnabled bool `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	// ServiceName is reported on spans
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	// SampleRatio is the trace sampling ratio (0..1)
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// NewDefault returns a Config populated with production defaults
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			Mode:            "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        DriverSQLite,
			Path:          "./data/database.sqlite",
			MaxConns:      10,
			MinConns:      1,
			HealthTimeout: 3 * time.Second,
		},
		Legacy: LegacyConfig{
			APIURL:              "http://localhost:3001",
			APIKey:              "test-api-key-2024",
			DialTimeout:         10 * time.Second,
			ProgressLogInterval: 5 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:             1000,
			WorkerConcurrency:     1,
			BatchConcurrency:      5,
			StaleThresholdMinutes: 30,
			ProgressInterval:      10 * time.Second,
			RetryDelay:            10 * time.Minute,
			ScheduleInterval:      6 * time.Hour,
			SweepInterval:         5 * time.Minute,
			EstimatedTotalRecords: 1_000_000,
			QueueBuffer:           16,
			BatchAttempts:         3,
			BatchBackoff:          time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:     10,
			RetryInitialDelay: 100 * time.Millisecond,
			RetryMaxDelay:     500 * time.Millisecond,
			RetryMultiplier:   1.5,
			RetryableStatuses: []int{429, 500, 502, 503, 504},
			BreakerThreshold:  10,
			BreakerTimeout:    30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Logging: logger.Config{
				Level:    "info",
				Encoding: "json",
			},
			ServiceName: "legacysync",
			SampleRatio: 1.0,
		},
	}
}

// StaleThreshold returns the stale threshold as a duration
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Sync.StaleThresholdMinutes) * time.Minute
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	u, err := url.Parse(c.Legacy.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("legacy.api_url must be an absolute URL")
	}

	if c.Sync.BatchSize < MinBatchSize {
		return fmt.Errorf("sync.batch_size must be at least %d", MinBatchSize)
	}
	if c.Sync.WorkerConcurrency <= 0 {
		return fmt.Errorf("sync.worker_concurrency must be positive")
	}
	if c.Sync.BatchConcurrency <= 0 {
		return fmt.Errorf("sync.batch_concurrency must be positive")
	}
	if c.Sync.StaleThresholdMinutes <= 0 {
		return fmt.Errorf("sync.stale_threshold_minutes must be positive")
	}
	if c.Sync.BatchAttempts <= 0 {
		return fmt.Errorf("sync.batch_attempts must be positive")
	}

	if c.Reliability.RetryAttempts <= 0 {
		return fmt.Errorf("reliability.retry_attempts must be positive")
	}
	if c.Reliability.RetryMultiplier < 1 {
		return fmt.Errorf("reliability.retry_multiplier must be at least 1")
	}
	if c.Reliability.RetryMaxDelay < c.Reliability.RetryInitialDelay {
		return fmt.Errorf("reliability.retry_max_delay must not be less than retry_initial_delay")
	}
	if c.Reliability.BreakerThreshold <= 0 {
		return fmt.Errorf("reliability.breaker_threshold must be positive")
	}

	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability.sample_ratio must be between 0 and 1")
	}

	return nil
}
