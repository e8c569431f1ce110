package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// SettingsFile is the runtime-overridable settings block as it appears in
// YAML. Fields are pointers so a missing key is distinguishable from zero:
// every nil required field after file+env merge is a startup failure.
type SettingsFile struct {
	MinSpreadPct           *float64 `yaml:"min_spread_pct"`
	MaxSpreadPct           *float64 `yaml:"max_spread_pct"`
	MaxSlippagePct         *float64 `yaml:"max_slippage_pct"`
	MaxBidAskSpreadPct     *float64 `yaml:"max_bid_ask_spread_pct"`
	MinDepthVsHistoryRatio *float64 `yaml:"min_depth_vs_history_ratio"`
	WarningDepthRatio      *float64 `yaml:"warning_depth_ratio"`
	MaxPositionToExitRatio *float64 `yaml:"max_position_to_exit_ratio"`
	MinExitLiquidityUSD    *int64   `yaml:"min_exit_liquidity_usd"`
	SuggestedPositionUSD   *int64   `yaml:"suggested_position_usd"` // position hard cap
	MaxSpreadAgeHours      *int     `yaml:"max_spread_age_hours"`
	MaxLatencyMs           *int64   `yaml:"max_latency_ms"`
	MinHistorySamples      *int     `yaml:"min_history_samples"`
	AlertCooldownSeconds   *int     `yaml:"alert_cooldown_seconds"`

	// Optional keys with defaults.
	MaxPriceAgeMs    *int64 `yaml:"max_price_age_ms"`
	MaxLatencyDiffMs *int64 `yaml:"max_latency_diff_ms"`
}

// settingKeys maps setting names to apply functions, shared by the env
// loader and the runtime-store merge so the three layers accept identical
// keys.
var settingKeys = map[string]func(*SettingsFile, string) error{
	"min_spread_pct":             func(s *SettingsFile, v string) error { return setFloat(&s.MinSpreadPct, v) },
	"max_spread_pct":             func(s *SettingsFile, v string) error { return setFloat(&s.MaxSpreadPct, v) },
	"max_slippage_pct":           func(s *SettingsFile, v string) error { return setFloat(&s.MaxSlippagePct, v) },
	"max_bid_ask_spread_pct":     func(s *SettingsFile, v string) error { return setFloat(&s.MaxBidAskSpreadPct, v) },
	"min_depth_vs_history_ratio": func(s *SettingsFile, v string) error { return setFloat(&s.MinDepthVsHistoryRatio, v) },
	"warning_depth_ratio":        func(s *SettingsFile, v string) error { return setFloat(&s.WarningDepthRatio, v) },
	"max_position_to_exit_ratio": func(s *SettingsFile, v string) error { return setFloat(&s.MaxPositionToExitRatio, v) },
	"min_exit_liquidity_usd":     func(s *SettingsFile, v string) error { return setInt64(&s.MinExitLiquidityUSD, v) },
	"suggested_position_usd":     func(s *SettingsFile, v string) error { return setInt64(&s.SuggestedPositionUSD, v) },
	"max_spread_age_hours":       func(s *SettingsFile, v string) error { return setInt(&s.MaxSpreadAgeHours, v) },
	"max_latency_ms":             func(s *SettingsFile, v string) error { return setInt64(&s.MaxLatencyMs, v) },
	"min_history_samples":        func(s *SettingsFile, v string) error { return setInt(&s.MinHistorySamples, v) },
	"alert_cooldown_seconds":     func(s *SettingsFile, v string) error { return setInt(&s.AlertCooldownSeconds, v) },
	"max_price_age_ms":           func(s *SettingsFile, v string) error { return setInt64(&s.MaxPriceAgeMs, v) },
	"max_latency_diff_ms":        func(s *SettingsFile, v string) error { return setInt64(&s.MaxLatencyDiffMs, v) },
}

var requiredSettings = []string{
	"min_spread_pct", "max_spread_pct", "max_slippage_pct",
	"max_bid_ask_spread_pct", "min_depth_vs_history_ratio",
	"warning_depth_ratio", "max_position_to_exit_ratio",
	"min_exit_liquidity_usd", "suggested_position_usd",
	"max_spread_age_hours", "max_latency_ms", "min_history_samples",
	"alert_cooldown_seconds",
}

func setFloat(dst **float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = &f
	return nil
}

func setInt64(dst **int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = &n
	return nil
}

func setInt(dst **int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = &n
	return nil
}

// applyEnv overrides file values from CROSSARB_<KEY> variables. A malformed
// env value is a startup failure.
func (s *SettingsFile) applyEnv() error {
	for key, apply := range settingKeys {
		env := "CROSSARB_" + strings.ToUpper(key)
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := apply(s, v); err != nil {
				return &ConfigError{Key: env, Reason: fmt.Sprintf("invalid value %q: %v", v, err)}
			}
		}
	}
	return nil
}

// Apply merges runtime-store overrides (highest precedence). Unknown keys
// and unparseable values are rejected so a bad runtime change never lands.
func (s *SettingsFile) Apply(overrides map[string]string) error {
	for key, value := range overrides {
		apply, ok := settingKeys[key]
		if !ok {
			return &ConfigError{Key: key, Reason: "unknown setting"}
		}
		if err := apply(s, value); err != nil {
			return &ConfigError{Key: key, Reason: fmt.Sprintf("invalid value %q: %v", value, err)}
		}
	}
	return nil
}

// Validate reports the first missing required setting.
func (s *SettingsFile) Validate() error {
	missing := s.missingKeys()
	if len(missing) > 0 {
		return &ConfigError{Key: strings.Join(missing, ","), Reason: "required setting missing"}
	}
	return nil
}

func (s *SettingsFile) missingKeys() []string {
	present := map[string]bool{
		"min_spread_pct":             s.MinSpreadPct != nil,
		"max_spread_pct":             s.MaxSpreadPct != nil,
		"max_slippage_pct":           s.MaxSlippagePct != nil,
		"max_bid_ask_spread_pct":     s.MaxBidAskSpreadPct != nil,
		"min_depth_vs_history_ratio": s.MinDepthVsHistoryRatio != nil,
		"warning_depth_ratio":        s.WarningDepthRatio != nil,
		"max_position_to_exit_ratio": s.MaxPositionToExitRatio != nil,
		"min_exit_liquidity_usd":     s.MinExitLiquidityUSD != nil,
		"suggested_position_usd":     s.SuggestedPositionUSD != nil,
		"max_spread_age_hours":       s.MaxSpreadAgeHours != nil,
		"max_latency_ms":             s.MaxLatencyMs != nil,
		"min_history_samples":        s.MinHistorySamples != nil,
		"alert_cooldown_seconds":     s.AlertCooldownSeconds != nil,
	}
	var missing []string
	for _, key := range requiredSettings {
		if !present[key] {
			missing = append(missing, key)
		}
	}
	return missing
}

// Settings is the resolved, decimal-typed view the pipeline consumes.
type Settings struct {
	MinSpreadPct           decimal.Decimal
	MaxSpreadPct           decimal.Decimal
	MaxSlippagePct         decimal.Decimal
	MaxBidAskSpreadPct     decimal.Decimal
	MinDepthVsHistoryRatio decimal.Decimal
	WarningDepthRatio      decimal.Decimal
	MaxPositionToExitRatio decimal.Decimal
	MinExitLiquidityUSD    decimal.Decimal
	PositionHardCapUSD     decimal.Decimal
	MaxSpreadAgeHours      int
	MaxLatencyMs           int64
	MaxLatencyDiffMs       int64
	MaxPriceAgeMs          int64
	MinHistorySamples      int
	AlertCooldownSeconds   int
}

// Resolve converts the merged settings block. Validate must have passed.
func (s *SettingsFile) Resolve() Settings {
	out := Settings{
		MinSpreadPct:           decimal.NewFromFloat(*s.MinSpreadPct),
		MaxSpreadPct:           decimal.NewFromFloat(*s.MaxSpreadPct),
		MaxSlippagePct:         decimal.NewFromFloat(*s.MaxSlippagePct),
		MaxBidAskSpreadPct:     decimal.NewFromFloat(*s.MaxBidAskSpreadPct),
		MinDepthVsHistoryRatio: decimal.NewFromFloat(*s.MinDepthVsHistoryRatio),
		WarningDepthRatio:      decimal.NewFromFloat(*s.WarningDepthRatio),
		MaxPositionToExitRatio: decimal.NewFromFloat(*s.MaxPositionToExitRatio),
		MinExitLiquidityUSD:    decimal.NewFromInt(*s.MinExitLiquidityUSD),
		PositionHardCapUSD:     decimal.NewFromInt(*s.SuggestedPositionUSD),
		MaxSpreadAgeHours:      *s.MaxSpreadAgeHours,
		MaxLatencyMs:           *s.MaxLatencyMs,
		MinHistorySamples:      *s.MinHistorySamples,
		AlertCooldownSeconds:   *s.AlertCooldownSeconds,
	}
	out.MaxPriceAgeMs = 10000
	if s.MaxPriceAgeMs != nil {
		out.MaxPriceAgeMs = *s.MaxPriceAgeMs
	}
	out.MaxLatencyDiffMs = out.MaxLatencyMs
	if s.MaxLatencyDiffMs != nil {
		out.MaxLatencyDiffMs = *s.MaxLatencyDiffMs
	}
	return out
}

// DefaultSettingsFile returns a fully populated settings block with the
// documented defaults. Tests and the example config use it; production
// deployments spell the values out.
func DefaultSettingsFile() SettingsFile {
	f := func(v float64) *float64 { return &v }
	i64 := func(v int64) *int64 { return &v }
	i := func(v int) *int { return &v }
	return SettingsFile{
		MinSpreadPct:           f(1.0),
		MaxSpreadPct:           f(50.0),
		MaxSlippagePct:         f(1.0),
		MaxBidAskSpreadPct:     f(2.0),
		MinDepthVsHistoryRatio: f(0.3),
		WarningDepthRatio:      f(0.5),
		MaxPositionToExitRatio: f(0.5),
		MinExitLiquidityUSD:    i64(10000),
		SuggestedPositionUSD:   i64(50000),
		MaxSpreadAgeHours:      i(24),
		MaxLatencyMs:           i64(5000),
		MinHistorySamples:      i(20),
		AlertCooldownSeconds:   i(300),
	}
}

// DefaultSettings resolves DefaultSettingsFile.
func DefaultSettings() Settings {
	file := DefaultSettingsFile()
	return file.Resolve()
}
