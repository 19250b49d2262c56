package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, "EURUSD", cfg.Symbol)
	assert.Equal(t, types.TimeframeM15, cfg.Timeframe)
	assert.Equal(t, "dynamic", cfg.Strategy.Type)
	assert.Len(t, cfg.Strategy.Strategies, 7)
	assert.Len(t, cfg.Exit.Strategies, 11)
	assert.Len(t, cfg.Indicators, 10)
	assert.Equal(t, []float64{1.0, 0.75, 0.5, 0.25, 0.0}, cfg.Risk.AdaptiveDrawdown.Multipliers)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `{
		"symbol": "XAUUSD",
		"timeframe": "H1",
		"poll_interval_seconds": 30,
		"risk": {"max_daily_loss": 250}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", cfg.Symbol)
	assert.Equal(t, types.TimeframeH1, cfg.Timeframe)
	assert.Equal(t, 250.0, cfg.Risk.MaxDailyLoss)
}

func TestFromEnvResolution(t *testing.T) {
	t.Setenv("TEST_MT5_TOKEN", "sekrit")
	cfg, err := config.Load(writeConfig(t, `{
		"mt5": {"token": "FROM_ENV:TEST_MT5_TOKEN"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.MT5.Token)
}

func TestMindsetOverlay(t *testing.T) {
	cons, err := config.Load(writeConfig(t, `{"mindset": "conservative"}`))
	require.NoError(t, err)
	aggr, err := config.Load(writeConfig(t, `{"mindset": "aggressive"}`))
	require.NoError(t, err)

	assert.Less(t, cons.Risk.BaseRiskPct, aggr.Risk.BaseRiskPct)
	assert.Less(t, cons.Risk.MaxTotalPositions, aggr.Risk.MaxTotalPositions)
	assert.Greater(t, cons.Strategy.MinConfidence, aggr.Strategy.MinConfidence)
}

func TestValidateRejectsBadTimeframe(t *testing.T) {
	_, err := config.Load(writeConfig(t, `{"timeframe": "M7"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeframe")
}

func TestValidateWatchdogMustExceedPoll(t *testing.T) {
	_, err := config.Load(writeConfig(t, `{
		"poll_interval_seconds": 60,
		"watchdog_timeout_seconds": 30
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchdog_timeout_seconds")
}

func TestValidateWarmupFloor(t *testing.T) {
	_, err := config.Load(writeConfig(t, `{"warmup_bars": 10}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warmup_bars")
}

func TestValidateSingleStrategyCount(t *testing.T) {
	_, err := config.Load(writeConfig(t, `{"strategy": {"type": "single"}}`))
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Symbol = "GBPUSD"
	cfg.Risk.MaxDailyLoss = 123.45

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, cfg.Save(path))

	back, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "GBPUSD", back.Symbol)
	assert.Equal(t, 123.45, back.Risk.MaxDailyLoss)
	assert.Equal(t, cfg.Risk.AdaptiveDrawdown.Multipliers, back.Risk.AdaptiveDrawdown.Multipliers)
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Default()
	cfg.PollIntervalSeconds = 2.5
	assert.Equal(t, 2500, int(cfg.PollInterval().Milliseconds()))
	cfg.WatchdogTimeoutSeconds = 90
	assert.Equal(t, 90, int(cfg.WatchdogTimeout().Seconds()))
}
