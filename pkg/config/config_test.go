package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte("environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, 500, c.Database.UpsertBatchSize)
	assert.Equal(t, 2010, c.Backfill.DefaultStartYear)
	assert.Equal(t, 200, c.Backfill.MinFullYear)
	assert.Equal(t, 1000, c.Backfill.ListingConfidence)
	assert.Equal(t, 0.2, c.Anomaly.Threshold)
	assert.Equal(t, 0.5, c.Anomaly.ValidationThreshold)
	assert.Equal(t, 5, c.Anomaly.PaddingDays)
	assert.Equal(t, 4, c.Returns.Workers)
	assert.Equal(t, 30*time.Minute, c.Backfill.BatchTimeout)
	assert.Equal(t, 30*time.Second, c.Source.RequestTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "database.driver")

	_, err = Parse([]byte("database:\n  upsert_batch_size: 5000\n"))
	assert.ErrorContains(t, err, "upsert_batch_size")

	_, err = Parse([]byte("kafka:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "kafka.brokers")

	_, err = Parse([]byte("scheduler:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "scheduler.symbols")
}

func TestLoadWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  chunk_delay: 500ms\n"), 0o600))

	t.Setenv("DATABASE_DSN", "file:env.db")
	t.Setenv("SYMBOLS", "2330.TW,2317.TW")
	t.Setenv("PORT", "9090")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "file:env.db", c.Database.DSN)
	assert.Equal(t, []string{"2330.TW", "2317.TW"}, c.Scheduler.Symbols)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, 500*time.Millisecond, c.Source.ChunkDelay)
}

func TestLoad_ShippedConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, "twse", c.Source.Format)
	assert.Equal(t, "twpull-watch", c.Kafka.ConsumerGroup)
	assert.Equal(t, 0.5, c.Anomaly.ValidationThreshold)
}
