// Package config defines the top-level configuration for the strategy
// worker and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by STRATWORKER_* environment
// variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Worker   WorkerConfig   `toml:"worker"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL/TimescaleDB connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for execution
// artifact archival. Leave Bucket empty to disable archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// WorkerConfig holds task-loop and execution parameters.
type WorkerConfig struct {
	// TaskStream is the Redis stream the worker consumes tasks from.
	TaskStream string `toml:"task_stream"`
	// HeartbeatInterval is the cadence of heartbeat frames on a task's
	// status channel.
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	// MaxInstances caps instances per normal execution.
	MaxInstances int `toml:"max_instances"`
	// ValidationMaxInstances caps instances during a validation run.
	ValidationMaxInstances int `toml:"validation_max_instances"`
	// ValidationTimeout bounds a validation run.
	ValidationTimeout duration `toml:"validation_timeout"`
	// BatchSize is the ticker batch size of the bar accessor fan-out.
	BatchSize int `toml:"batch_size"`
	// MaxConcurrentQueries bounds the bar accessor fan-out.
	MaxConcurrentQueries int `toml:"max_concurrent_queries"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketdata",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Worker: WorkerConfig{
			TaskStream:             "strategy_tasks",
			HeartbeatInterval:      duration{5 * time.Second},
			MaxInstances:           15000,
			ValidationMaxInstances: 100,
			ValidationTimeout:      duration{15 * time.Second},
			BatchSize:              1000,
			MaxConcurrentQueries:   10,
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is optional; when a bucket is configured the endpoint and region
	// must come with it.
	if c.S3.Bucket != "" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when a bucket is configured")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when a bucket is configured")
		}
	}

	if c.Worker.TaskStream == "" {
		errs = append(errs, "worker: task_stream must not be empty")
	}
	if c.Worker.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "worker: heartbeat_interval must be > 0")
	}
	if c.Worker.MaxInstances < 1 {
		errs = append(errs, "worker: max_instances must be >= 1")
	}
	if c.Worker.ValidationMaxInstances < 1 {
		errs = append(errs, "worker: validation_max_instances must be >= 1")
	}
	if c.Worker.ValidationTimeout.Duration <= 0 {
		errs = append(errs, "worker: validation_timeout must be > 0")
	}
	if c.Worker.BatchSize < 1 {
		errs = append(errs, "worker: batch_size must be >= 1")
	}
	if c.Worker.MaxConcurrentQueries < 1 {
		errs = append(errs, "worker: max_concurrent_queries must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
