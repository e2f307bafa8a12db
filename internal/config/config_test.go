package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15000, cfg.Worker.MaxInstances)
	assert.Equal(t, 100, cfg.Worker.ValidationMaxInstances)
	assert.Equal(t, 15*time.Second, cfg.Worker.ValidationTimeout.Duration)
}

func TestLoadTOMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
log_level = "debug"

[database]
host = "db.internal"
password = "from-file"

[worker]
task_stream = "tasks"
heartbeat_interval = "2s"
max_instances = 500
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("STRATWORKER_DATABASE_PASSWORD", "from-env")
	t.Setenv("STRATWORKER_WORKER_MAX_INSTANCES", "750")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "tasks", cfg.Worker.TaskStream)
	assert.Equal(t, 2*time.Second, cfg.Worker.HeartbeatInterval.Duration)
	assert.Equal(t, 750, cfg.Worker.MaxInstances)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1000, cfg.Worker.BatchSize)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Redis.Addr = ""
	cfg.Worker.TaskStream = ""
	cfg.Worker.MaxInstances = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "task_stream")
	assert.Contains(t, err.Error(), "max_instances")
}

func TestValidateS3Optional(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Bucket = ""
	cfg.S3.Endpoint = ""
	require.NoError(t, cfg.Validate())

	cfg.S3.Bucket = "artifacts"
	cfg.S3.Region = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: endpoint")
	assert.Contains(t, err.Error(), "s3: region")
}
