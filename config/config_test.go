package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Conn.DisconnectTimeout)
	assert.Equal(t, 1*time.Second, cfg.Conn.TimeoutCheckInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.View.Grace)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Builder.EnableNotExists)
}

func TestLoadReadsOverrideFromEnvironment(t *testing.T) {
	t.Setenv("ZERO_CONN_SERVER_URL", "ws://example.test/sync")
	cfg, err := config.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://example.test/sync", cfg.Conn.ServerURL)
}
