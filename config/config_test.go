package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/config"
)

func TestShardFetchTimeoutDefault(t *testing.T) {
	require.Equal(t, 30*time.Second, config.ShardFetchTimeout())
}

func TestShardFetchTimeoutFromEnv(t *testing.T) {
	t.Setenv("INFERCORE_SHARD_TIMEOUT", "5s")
	require.Equal(t, 5*time.Second, config.ShardFetchTimeout())
}

func TestShardFetchTimeoutFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("INFERCORE_SHARD_TIMEOUT", "not-a-duration")
	require.Equal(t, 30*time.Second, config.ShardFetchTimeout())
}

func TestMaxPipelinesDefault(t *testing.T) {
	require.EqualValues(t, 4, config.MaxPipelines())
}

func TestLogLevelParsesBoolAndInt(t *testing.T) {
	t.Setenv("INFERCORE_DEBUG", "")
	require.Equal(t, 0, int(config.LogLevel()))

	t.Setenv("INFERCORE_DEBUG", "true")
	require.Equal(t, -4, int(config.LogLevel()))

	t.Setenv("INFERCORE_DEBUG", "2")
	require.Equal(t, -8, int(config.LogLevel()))
}

func TestHotSwapEnabledDefaultFalse(t *testing.T) {
	require.False(t, config.HotSwapEnabled())
	t.Setenv("INFERCORE_HOTSWAP_ENABLED", "1")
	require.True(t, config.HotSwapEnabled())
}

func TestVarTrimsQuotesAndWhitespace(t *testing.T) {
	t.Setenv("INFERCORE_MAX_PIPELINES", ` "8" `)
	require.EqualValues(t, 8, config.MaxPipelines())
}
