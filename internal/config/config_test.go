package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"
  cors_origins: ["https://app.example.com"]

database:
  url: "postgres://localhost/segments"
  max_open_conns: 20

scheduler:
  enabled: true
  tick_seconds: 30
  phase_timeout_seconds: 120
  lease_seconds: 600
  batch_size: 5000

actions:
  webhook_retries: 5
  webhook_rate_per_second: 2.5

notify:
  backend: redis
  channel: seg

archive:
  bucket: runs-bucket
  index_table: segment_runs
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)

	assert.Equal(t, "postgres://localhost/segments", cfg.Database.URL)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)

	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick())
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.PhaseTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Lease())
	assert.Equal(t, 5000, cfg.Scheduler.BatchSize)

	assert.Equal(t, 5, cfg.Actions.WebhookRetries)
	assert.Equal(t, 2.5, cfg.Actions.WebhookRatePerSecond)

	assert.Equal(t, "redis", cfg.Notify.Backend)
	assert.Equal(t, "seg", cfg.Notify.Channel)
	assert.Equal(t, "runs-bucket", cfg.Archive.Bucket)
	assert.Equal(t, "segment_runs", cfg.Archive.IndexTable)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/segments"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Scheduler.Tick())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.PhaseTimeout())
	assert.Equal(t, 10000, cfg.Scheduler.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Actions.WebhookTimeout())
	assert.Equal(t, 16, cfg.Actions.EventConcurrency)
	assert.Equal(t, "pg", cfg.Notify.Backend)
	assert.Equal(t, "segment_events", cfg.Notify.Channel)
	assert.Equal(t, "segment-runs", cfg.Archive.Prefix)
	assert.Equal(t, "us-west-2", cfg.Archive.Region)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file/segments"
`)

	t.Setenv("DATABASE_URL", "postgres://env/segments")
	t.Setenv("SEGMENTS_TICK_SECONDS", "15")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ARCHIVE_S3_BUCKET", "env-bucket")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/segments", cfg.Database.URL)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.Tick())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "env-bucket", cfg.Archive.Bucket)
}

func TestLoadFromEnvWithoutFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/segments")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "postgres://env/segments", cfg.Database.URL)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")

	cfg.Database.URL = "postgres://x"
	cfg.Notify.Backend = "redis"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires redis.url")

	cfg.Redis.URL = "redis://x"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_LeaseMustOutlastPhases(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://x"
	require.NoError(t, cfg.Validate())

	cfg.Scheduler.PhaseTimeoutSeconds = 300
	cfg.Scheduler.LeaseSeconds = 400
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.lease_seconds (400)")

	cfg.Scheduler.LeaseSeconds = 600
	assert.NoError(t, cfg.Validate())
}

func TestSESEnabled(t *testing.T) {
	assert.False(t, SESConfig{}.Enabled())
	assert.True(t, SESConfig{AccessKey: "a", SecretKey: "s", FromEmail: "noreply@example.com"}.Enabled())
}
