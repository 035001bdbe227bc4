package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/notify"
	"github.com/ignite/segment-engine/internal/pkg/logger"
)

func TestSetupLogging_StderrByDefault(t *testing.T) {
	assert.Nil(t, SetupLogging(config.LoggingConfig{Level: "warn"}))
}

func TestSetupLogging_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	closer := SetupLogging(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1})
	require.NotNil(t, closer)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})

	logger.Info("segment recalculated", "segment_id", 7)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "segment recalculated")
}

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, OpenRedis(ctx, config.RedisConfig{}))

	mr := miniredis.RunT(t)
	client := OpenRedis(ctx, config.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NotNil(t, client)
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	// Bare host:port is accepted too.
	bare := OpenRedis(ctx, config.RedisConfig{URL: mr.Addr()})
	require.NotNil(t, bare)
	bare.Close()

	mr.Close()
	assert.Nil(t, OpenRedis(ctx, config.RedisConfig{URL: "redis://" + mr.Addr()}))
}

func TestHubSourceFollowsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Database.URL = "postgres://localhost/segments?sslmode=disable"

	a := &App{Config: cfg}
	_, ok := a.HubSource().(*notify.PGSource)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	cfg.Notify.Backend = "redis"
	a.Redis = OpenRedis(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NotNil(t, a.Redis)
	defer a.Redis.Close()
	_, ok = a.HubSource().(*notify.RedisSource)
	assert.True(t, ok)
}
