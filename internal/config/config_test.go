package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
venues:
  - id: binance_spot
    kind: binance_spot
    taker_fee_pct: 0.1
    rate_limit: {rps: 10, burst: 20}
  - id: bybit_futures
    kind: bybit_linear
    taker_fee_pct: 0.055
    rate_limit: {rps: 10, burst: 20}
settings:
  min_spread_pct: 1.0
  max_spread_pct: 50.0
  max_slippage_pct: 1.0
  max_bid_ask_spread_pct: 2.0
  min_depth_vs_history_ratio: 0.3
  warning_depth_ratio: 0.5
  max_position_to_exit_ratio: 0.5
  min_exit_liquidity_usd: 10000
  suggested_position_usd: 50000
  max_spread_age_hours: 24
  max_latency_ms: 5000
  min_history_samples: 20
  alert_cooldown_seconds: 300
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsUnderFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Fetcher.MaxParallelVenues)
	assert.Equal(t, 480, cfg.DepthTrack.Capacity)
	assert.Equal(t, 1.5, cfg.Convergence.DivergenceMultiplier)

	settings := cfg.Settings.Resolve()
	assert.Equal(t, "1", settings.MinSpreadPct.String())
	assert.Equal(t, int64(10000), settings.MaxPriceAgeMs, "optional key falls back to default")
	assert.Equal(t, settings.MaxLatencyMs, settings.MaxLatencyDiffMs)
}

func TestLoadRejectsMissingRequiredSetting(t *testing.T) {
	body := `
venues:
  - id: a
    kind: static
    rate_limit: {rps: 1, burst: 1}
  - id: b
    kind: static
    rate_limit: {rps: 1, burst: 1}
settings:
  min_spread_pct: 1.0
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Key, "max_spread_pct")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CROSSARB_MIN_SPREAD_PCT", "2.5")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "2.5", cfg.Settings.Resolve().MinSpreadPct.String())
}

func TestEnvMalformedValueIsFatal(t *testing.T) {
	t.Setenv("CROSSARB_MAX_LATENCY_MS", "not-a-number")

	_, err := Load(writeConfig(t, minimalYAML))
	require.Error(t, err)
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestRuntimeApplyWinsOverEnvAndFile(t *testing.T) {
	t.Setenv("CROSSARB_ALERT_COOLDOWN_SECONDS", "600")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Settings.Apply(map[string]string{"alert_cooldown_seconds": "900"}))

	assert.Equal(t, 900, cfg.Settings.Resolve().AlertCooldownSeconds)
}

func TestRuntimeApplyRejectsUnknownAndMalformed(t *testing.T) {
	s := DefaultSettingsFile()

	err := s.Apply(map[string]string{"no_such_setting": "1"})
	require.Error(t, err)

	err = s.Apply(map[string]string{"min_spread_pct": "abc"})
	require.Error(t, err)
	// Failed apply must not clobber the previous value.
	assert.Equal(t, 1.0, *s.MinSpreadPct)
}

func TestValidateVenues(t *testing.T) {
	cfg := Default()
	cfg.Settings = DefaultSettingsFile()
	cfg.Venues = []VenueConfig{{ID: "only_one", Kind: "static", RateLimit: RateLimitConfig{RPS: 1}}}
	require.Error(t, cfg.Validate(), "fewer than two venues cannot form a pair")

	cfg.Venues = []VenueConfig{
		{ID: "dup", Kind: "static", RateLimit: RateLimitConfig{RPS: 1}},
		{ID: "dup", Kind: "static", RateLimit: RateLimitConfig{RPS: 1}},
	}
	require.Error(t, cfg.Validate())

	cfg.Venues = []VenueConfig{
		{ID: "a", Kind: "static", RateLimit: RateLimitConfig{RPS: 1}},
		{ID: "b", Kind: "static", RateLimit: RateLimitConfig{RPS: 0}},
	}
	require.Error(t, cfg.Validate(), "zero rps bucket would never refill")
}

func TestSuggestedPositionResolvesToHardCap(t *testing.T) {
	settings := DefaultSettings()
	assert.Equal(t, "50000", settings.PositionHardCapUSD.String())
}
