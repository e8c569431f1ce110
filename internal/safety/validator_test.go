package safety

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// passingInput is a candidate that clears every check on default thresholds.
func passingInput() Input {
	return Input{
		SignalType:    domain.SignalAuto,
		HighVenueType: domain.VenueCEXFutures,
		Spread: domain.SpreadBreakdown{
			NominalPct:      d("5"),
			RealPct:         d("5"),
			SlippageLossPct: decimal.Zero,
			FeesPct:         d("0.36"),
			NetPct:          d("4.64"),
		},
		BuySlippagePct:  d("0.2"),
		SellSlippagePct: d("0.15"),
		Liquidity: domain.LiquidityInfo{
			EntryUSD:    d("50000"),
			ExitUSD:     d("100000"),
			DepthStatus: domain.DepthOK,
		},
		Timing: domain.TimingInfo{
			LowLatencyMs:  120,
			HighLatencyMs: 300,
			LatencyDiffMs: 180,
			MaxLatencyMs:  300,
			QuoteAgeMs:    500,
			Fresh:         true,
		},
		LowBidAskPct:        d("0.05"),
		HighBidAskPct:       d("0.08"),
		SpreadAgeHours:      2,
		HistorySamples:      100,
		DepthVsHistoryRatio: d("0.9"),
	}
}

var batteryOrder = []string{
	CheckExitLiquidity,
	CheckMaxSlippage,
	CheckDirectionValidity,
	CheckSpreadFreshness,
	CheckSpreadAge,
	CheckBidAskSpread,
	CheckLatency,
	CheckDepthVsHistory,
	CheckPositionToExitRatio,
}

func TestEvaluateAllChecksPass(t *testing.T) {
	v := NewValidator(config.DefaultSettings())
	verdict := v.Evaluate(passingInput())

	assert.True(t, verdict.Passed, "failures: %v", verdict.FailureReasons)
	assert.Empty(t, verdict.FailureReasons)
	require.Len(t, verdict.Checks, len(batteryOrder))
	for i, c := range verdict.Checks {
		assert.Equal(t, batteryOrder[i], c.Name, "battery order at %d", i)
		assert.True(t, c.Passed, "check %s: %s", c.Name, c.Detail)
	}

	// Entry is the binding leg here: half of 50k.
	assert.True(t, verdict.SuggestedPositionUSD.Equal(d("25000")),
		"got %s", verdict.SuggestedPositionUSD)
}

func TestEvaluateSingleCheckFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Input)
		tune   func(*config.Settings)
	}{
		{CheckExitLiquidity, func(in *Input) { in.Liquidity.ExitUSD = d("5000") }, nil},
		{CheckMaxSlippage, func(in *Input) { in.SellSlippagePct = d("1.5") }, nil},
		{CheckDirectionValidity, func(in *Input) { in.HighVenueType = domain.VenueCEXSpot }, nil},
		{CheckSpreadFreshness, func(in *Input) { in.Timing.QuoteAgeMs = 15000 }, nil},
		{CheckSpreadAge, func(in *Input) { in.SpreadAgeHours = 50 }, nil},
		{CheckBidAskSpread, func(in *Input) { in.HighBidAskPct = d("3.5") }, nil},
		{CheckLatency, func(in *Input) { in.Timing.MaxLatencyMs = 9000 }, nil},
		{CheckDepthVsHistory, func(in *Input) { in.DepthVsHistoryRatio = d("0.1") }, nil},
		// Sizing halves the binding depth, so the default 0.5 cap only
		// trips on zero exit; tighten it to exercise the threshold.
		{CheckPositionToExitRatio, nil, func(s *config.Settings) { s.MaxPositionToExitRatio = d("0.2") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := config.DefaultSettings()
			if tc.tune != nil {
				tc.tune(&settings)
			}
			v := NewValidator(settings)
			in := passingInput()
			if tc.mutate != nil {
				tc.mutate(&in)
			}

			verdict := v.Evaluate(in)
			assert.False(t, verdict.Passed)
			require.Len(t, verdict.Checks, len(batteryOrder), "all checks run even after a failure")

			for _, c := range verdict.Checks {
				if c.Name == tc.name {
					assert.False(t, c.Passed, "expected %s to fail: %s", c.Name, c.Detail)
				} else {
					assert.True(t, c.Passed, "only %s should fail, %s also failed: %s", tc.name, c.Name, c.Detail)
				}
			}
			require.Len(t, verdict.FailureReasons, 1)
			assert.Contains(t, verdict.FailureReasons[0], tc.name)
		})
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	v := NewValidator(config.DefaultSettings())
	in := passingInput()
	in.Timing.Fresh = false
	in.SpreadAgeHours = 30

	first := v.Evaluate(in)
	second := v.Evaluate(in)
	assert.Equal(t, first, second)
	assert.False(t, first.Passed)
	assert.Len(t, first.FailureReasons, 2)
}

func TestEvaluateLaggingBypassesSpreadAge(t *testing.T) {
	v := NewValidator(config.DefaultSettings())
	in := passingInput()
	in.SignalType = domain.SignalLagging
	in.SpreadAgeHours = 120

	verdict := v.Evaluate(in)
	assert.True(t, verdict.Passed, "failures: %v", verdict.FailureReasons)

	for _, c := range verdict.Checks {
		if c.Name == CheckSpreadAge {
			assert.True(t, c.Passed)
			assert.Contains(t, c.Detail, "lagging")
		}
	}
}

func TestEvaluateDepthHistoryNeedsSamples(t *testing.T) {
	v := NewValidator(config.DefaultSettings())
	in := passingInput()
	in.HistorySamples = 5
	in.DepthVsHistoryRatio = d("0.05")

	verdict := v.Evaluate(in)
	assert.True(t, verdict.Passed, "thin history is not graded: %v", verdict.FailureReasons)
}

func TestEvaluateZeroExitDepth(t *testing.T) {
	v := NewValidator(config.DefaultSettings())
	in := passingInput()
	in.Liquidity.EntryUSD = decimal.Zero
	in.Liquidity.ExitUSD = decimal.Zero

	verdict := v.Evaluate(in)
	assert.False(t, verdict.Passed)
	assert.True(t, verdict.SuggestedPositionUSD.IsZero())

	failed := map[string]bool{}
	for _, c := range verdict.Checks {
		if !c.Passed {
			failed[c.Name] = true
		}
	}
	assert.True(t, failed[CheckExitLiquidity])
	assert.True(t, failed[CheckPositionToExitRatio])
}

func TestEvaluateHardCapBindsSuggestedPosition(t *testing.T) {
	v := NewValidator(config.DefaultSettings())
	in := passingInput()
	in.Liquidity.EntryUSD = d("400000")
	in.Liquidity.ExitUSD = d("300000")

	verdict := v.Evaluate(in)
	assert.True(t, verdict.Passed, "failures: %v", verdict.FailureReasons)
	assert.True(t, verdict.SuggestedPositionUSD.Equal(d("50000")),
		"got %s", verdict.SuggestedPositionUSD)
}
