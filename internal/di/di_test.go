package di

import (
	"context"
	"testing"

	"TWPull/internal/service/source"
	"TWPull/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("database:\n  dsn: \":memory:\"\nlogging:\n  output: discard\n" + extra))
	require.NoError(t, err)
	return cfg
}

func TestInitializeRuntime_Local(t *testing.T) {
	cfg := testConfig(t, "")

	rt, cleanup, err := InitializeRuntime(cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, rt.Backfiller)
	require.NotNil(t, rt.Repairer)
	require.NotNil(t, rt.Returns)
	require.NoError(t, rt.Store.Health(context.Background()))

	rep, err := rt.Coverage.Analyze(context.Background(), "2330.TW")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.TotalRecords)
	assert.NotEmpty(t, rep.Ranges)
}

func TestProvideSource_Format(t *testing.T) {
	cfg := testConfig(t, "source:\n  format: records\n")
	_, ok := ProvideSource(cfg, nil).(*source.RecordsClient)
	assert.True(t, ok)

	cfg = testConfig(t, "")
	_, ok = ProvideSource(cfg, nil).(*source.TWSEClient)
	assert.True(t, ok)
}

func TestOptionalComponentsDisabled(t *testing.T) {
	cfg := testConfig(t, "")

	p, cleanup, err := ProvideKafkaProducer(cfg)
	require.NoError(t, err)
	cleanup()
	assert.Nil(t, p)

	rc, cleanup, err := ProvideRedisClient(cfg)
	require.NoError(t, err)
	cleanup()
	assert.Nil(t, rc)

	assert.Nil(t, ProvideQueue(cfg, nil, nil, nil, nil))
	assert.False(t, ProvideDispatcher(nil).Enabled())

	s, err := ProvideScheduler(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.Equal(t, "", metricsPath(cfg))
}
