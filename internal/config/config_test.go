package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DATABASE_URL", "HUB_URL", "HUB_SSL", "HUB_REQUESTS_PER_SECOND",
	"BACKFILL_CONCURRENCY", "BACKFILL_PAGE_SIZE", "BATCH_SIZE", "BATCH_MAX_LATENCY",
	"BATCH_FLUSH_TIMEOUT", "FRESHNESS_THRESHOLD", "RECONNECT_DELAY", "SYNC_FLUSH",
	"PORT", "STATS_INTERVAL", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HUB_URL", "hub.example.com:2281")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "hub.example.com:2281", cfg.HubURL)
	assert.True(t, cfg.HubSSL)
	assert.Equal(t, 5, cfg.BackfillConcurrency)
	assert.Equal(t, 10_000, cfg.BackfillPageSize)
	assert.Equal(t, 72*time.Hour, cfg.FreshnessThreshold)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.False(t, cfg.SyncFlush)
	assert.Equal(t, 3000, cfg.Port)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HUB_URL", "127.0.0.1:2281")
	t.Setenv("HUB_SSL", "false")
	t.Setenv("DATABASE_URL", "sqlite:///tmp/replicator.db")
	t.Setenv("BATCH_SIZE", "1000")
	t.Setenv("BATCH_MAX_LATENCY", "250ms")
	t.Setenv("FRESHNESS_THRESHOLD", "24h")
	t.Setenv("SYNC_FLUSH", "true")
	t.Setenv("HUB_REQUESTS_PER_SECOND", "12.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.HubSSL)
	assert.Equal(t, "sqlite:///tmp/replicator.db", cfg.DatabaseURL)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchMaxLatency)
	assert.Equal(t, 24*time.Hour, cfg.FreshnessThreshold)
	assert.True(t, cfg.SyncFlush)
	assert.Equal(t, 12.5, cfg.HubRequestsPerSecond)
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.ErrorContains(t, err, "HUB_URL is required")

	t.Setenv("HUB_URL", "hub:2281")
	t.Setenv("BATCH_SIZE", "5000")
	t.Setenv("RECONNECT_DELAY", "soon")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid RECONNECT_DELAY")

	t.Setenv("RECONNECT_DELAY", "")
	_, err = Load()
	require.ErrorContains(t, err, "BATCH_SIZE must be between 1 and 2000")

	t.Setenv("BATCH_SIZE", "")
	t.Setenv("LOG_LEVEL", "loud")
	_, err = Load()
	require.ErrorContains(t, err, "invalid LOG_LEVEL")
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPLICATOR_TEST_HUB", "hub.internal:2281")
	t.Setenv("PORT", "8080")

	path := filepath.Join(t.TempDir(), "replicator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hub_url: ${REPLICATOR_TEST_HUB}
hub_ssl: false
database_url: sqlite:///var/lib/replicator.db
backfill_concurrency: 8
batch_max_latency: 2s
port: 9000
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hub.internal:2281", cfg.HubURL)
	assert.False(t, cfg.HubSSL)
	assert.Equal(t, 8, cfg.BackfillConcurrency)
	assert.Equal(t, 2*time.Second, cfg.BatchMaxLatency)
	assert.Equal(t, 8080, cfg.Port, "environment overrides the file")
	assert.Equal(t, 500, cfg.BatchSize, "unset keys keep their defaults")
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "replicator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub_url: hub:2281\nbatch_sise: 10\n"), 0o600))

	_, err := LoadFile(path)
	require.ErrorContains(t, err, "parse config file")
}
