package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envBindings maps config keys to the environment variables that override
// them. Keys not listed here still honour the automatic KEY_SUBKEY form.
var envBindings = map[string][]string{
	"server.port":                  {"PORT", "SERVER_PORT"},
	"database.driver":              {"DATABASE_DRIVER"},
	"database.path":                {"DATABASE_PATH"},
	"database.dsn":                 {"DATABASE_URL", "DATABASE_DSN"},
	"legacy.api_url":               {"LEGACY_API_URL"},
	"legacy.api_key":               {"LEGACY_API_KEY"},
	"sync.batch_size":              {"SYNC_BATCH_SIZE"},
	"sync.worker_concurrency":      {"SYNC_WORKER_CONCURRENCY"},
	"sync.batch_concurrency":       {"SYNC_BATCH_CONCURRENCY"},
	"sync.stale_threshold_minutes": {"SYNC_STALE_THRESHOLD_MINUTES"},
	"observability.logging.level":  {"LOG_LEVEL"},
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, NewDefault())

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewReader([]byte(content))); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Dump renders cfg as YAML
func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}

// setDefaults registers every key with viper so AutomaticEnv can see it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.param_limit", d.Database.ParamLimit)
	v.SetDefault("database.health_timeout", d.Database.HealthTimeout)

	v.SetDefault("legacy.api_url", d.Legacy.APIURL)
	v.SetDefault("legacy.api_key", d.Legacy.APIKey)
	v.SetDefault("legacy.dial_timeout", d.Legacy.DialTimeout)
	v.SetDefault("legacy.progress_log_interval", d.Legacy.ProgressLogInterval)

	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.worker_concurrency", d.Sync.WorkerConcurrency)
	v.SetDefault("sync.batch_concurrency", d.Sync.BatchConcurrency)
	v.SetDefault("sync.stale_threshold_minutes", d.Sync.StaleThresholdMinutes)
	v.SetDefault("sync.progress_interval", d.Sync.ProgressInterval)
	v.SetDefault("sync.retry_delay", d.Sync.RetryDelay)
	v.SetDefault("sync.schedule_interval", d.Sync.ScheduleInterval)
	v.SetDefault("sync.sweep_interval", d.Sync.SweepInterval)
	v.SetDefault("sync.estimated_total_records", d.Sync.EstimatedTotalRecords)
	v.SetDefault("sync.queue_buffer", d.Sync.QueueBuffer)
	v.SetDefault("sync.batch_attempts", d.Sync.BatchAttempts)
	v.SetDefault("sync.batch_backoff", d.Sync.BatchBackoff)

	v.SetDefault("reliability.retry_attempts", d.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_initial_delay", d.Reliability.RetryInitialDelay)
	v.SetDefault("reliability.retry_max_delay", d.Reliability.RetryMaxDelay)
	v.SetDefault("reliability.retry_multiplier", d.Reliability.RetryMultiplier)
	v.SetDefault("reliability.retryable_statuses", d.Reliability.RetryableStatuses)
	v.SetDefault("reliability.breaker_threshold", d.Reliability.BreakerThreshold)
	v.SetDefault("reliability.breaker_timeout", d.Reliability.BreakerTimeout)

	v.SetDefault("observability.logging.level", d.Observability.Logging.Level)
	v.SetDefault("observability.logging.development", d.Observability.Logging.Development)
	v.SetDefault("observability.logging.encoding", d.Observability.Logging.Encoding)
	v.SetDefault("observability.logging.output_paths", d.Observability.Logging.OutputPaths)
	v.SetDefault("observability.tracing_enabled", d.Observability.TracingEnabled)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
	v.SetDefault("observability.sample_ratio", d.Observability.SampleRatio)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
