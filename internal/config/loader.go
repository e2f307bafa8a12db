package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STRATWORKER_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STRATWORKER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "STRATWORKER_DATABASE_DSN")
	setStr(&cfg.Database.Host, "STRATWORKER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "STRATWORKER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "STRATWORKER_DATABASE_NAME")
	setStr(&cfg.Database.User, "STRATWORKER_DATABASE_USER")
	setStr(&cfg.Database.Password, "STRATWORKER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "STRATWORKER_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "STRATWORKER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "STRATWORKER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "STRATWORKER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "STRATWORKER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STRATWORKER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STRATWORKER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STRATWORKER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STRATWORKER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STRATWORKER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STRATWORKER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STRATWORKER_S3_REGION")
	setStr(&cfg.S3.Bucket, "STRATWORKER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STRATWORKER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STRATWORKER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STRATWORKER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STRATWORKER_S3_FORCE_PATH_STYLE")

	// ── Worker ──
	setStr(&cfg.Worker.TaskStream, "STRATWORKER_WORKER_TASK_STREAM")
	setDuration(&cfg.Worker.HeartbeatInterval, "STRATWORKER_WORKER_HEARTBEAT_INTERVAL")
	setInt(&cfg.Worker.MaxInstances, "STRATWORKER_WORKER_MAX_INSTANCES")
	setInt(&cfg.Worker.ValidationMaxInstances, "STRATWORKER_WORKER_VALIDATION_MAX_INSTANCES")
	setDuration(&cfg.Worker.ValidationTimeout, "STRATWORKER_WORKER_VALIDATION_TIMEOUT")
	setInt(&cfg.Worker.BatchSize, "STRATWORKER_WORKER_BATCH_SIZE")
	setInt(&cfg.Worker.MaxConcurrentQueries, "STRATWORKER_WORKER_MAX_CONCURRENT_QUERIES")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "STRATWORKER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
