// Package safety runs the fixed check battery that decides whether an
// arbitrage candidate may be alerted on. Every check always runs so an
// operator reading the alert sees the complete picture, not just the first
// failure.
package safety

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/calc"
	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

// Check names in battery order.
const (
	CheckExitLiquidity       = "exit_liquidity"
	CheckMaxSlippage         = "max_slippage"
	CheckDirectionValidity   = "direction_validity"
	CheckSpreadFreshness     = "spread_freshness"
	CheckSpreadAge           = "spread_age"
	CheckBidAskSpread        = "bid_ask_spread"
	CheckLatency             = "latency"
	CheckDepthVsHistory      = "depth_vs_history"
	CheckPositionToExitRatio = "position_to_exit_ratio"
)

// Input is the pre-measured evidence for one candidate. The validator does
// no I/O: the pipeline gathers everything up front so Evaluate is
// deterministic and can be re-run on the same inputs with identical output.
type Input struct {
	SignalType    domain.SignalType
	HighVenueType domain.VenueType

	Spread          domain.SpreadBreakdown
	BuySlippagePct  decimal.Decimal
	SellSlippagePct decimal.Decimal

	Liquidity domain.LiquidityInfo
	Timing    domain.TimingInfo

	// Quoted (ask-bid)/mid per leg, in percent.
	LowBidAskPct  decimal.Decimal
	HighBidAskPct decimal.Decimal

	SpreadAgeHours float64

	HistorySamples      int
	DepthVsHistoryRatio decimal.Decimal
}

// Verdict is the battery outcome. Checks preserves battery order.
type Verdict struct {
	Passed               bool
	Checks               []domain.SafetyCheck
	FailureReasons       []string
	SuggestedPositionUSD decimal.Decimal
}

// Validator evaluates candidates against configured thresholds.
type Validator struct {
	settings config.Settings
}

func NewValidator(settings config.Settings) *Validator {
	return &Validator{settings: settings}
}

// Evaluate runs all nine checks in fixed order and never short-circuits.
func (v *Validator) Evaluate(in Input) Verdict {
	s := v.settings
	out := Verdict{Passed: true}

	record := func(c domain.SafetyCheck) {
		out.Checks = append(out.Checks, c)
		if !c.Passed {
			out.Passed = false
			out.FailureReasons = append(out.FailureReasons, fmt.Sprintf("%s: %s", c.Name, c.Detail))
		}
	}

	exitUSD := in.Liquidity.ExitUSD
	record(domain.SafetyCheck{
		Name:      CheckExitLiquidity,
		Passed:    exitUSD.GreaterThanOrEqual(s.MinExitLiquidityUSD),
		Value:     exitUSD.String(),
		Threshold: s.MinExitLiquidityUSD.String(),
		Detail:    fmt.Sprintf("exit depth $%s vs required $%s", exitUSD.StringFixed(0), s.MinExitLiquidityUSD.StringFixed(0)),
	})

	worstSlip := in.BuySlippagePct
	if in.SellSlippagePct.GreaterThan(worstSlip) {
		worstSlip = in.SellSlippagePct
	}
	record(domain.SafetyCheck{
		Name:      CheckMaxSlippage,
		Passed:    worstSlip.LessThanOrEqual(s.MaxSlippagePct),
		Value:     worstSlip.String(),
		Threshold: s.MaxSlippagePct.String(),
		Detail:    fmt.Sprintf("buy %s%% / sell %s%% slippage vs cap %s%%", in.BuySlippagePct.StringFixed(3), in.SellSlippagePct.StringFixed(3), s.MaxSlippagePct.String()),
	})

	record(domain.SafetyCheck{
		Name:      CheckDirectionValidity,
		Passed:    in.HighVenueType.Shortable(),
		Value:     string(in.HighVenueType),
		Threshold: "shortable venue type",
		Detail:    fmt.Sprintf("high venue type %q must support the short leg", in.HighVenueType),
	})

	freshnessOK := in.Timing.QuoteAgeMs <= s.MaxPriceAgeMs && in.Timing.Fresh
	record(domain.SafetyCheck{
		Name:      CheckSpreadFreshness,
		Passed:    freshnessOK,
		Value:     fmt.Sprintf("age=%dms fresh=%t", in.Timing.QuoteAgeMs, in.Timing.Fresh),
		Threshold: fmt.Sprintf("age<=%dms and fresh", s.MaxPriceAgeMs),
		Detail:    fmt.Sprintf("quote age %d ms (max %d), timing fresh=%t", in.Timing.QuoteAgeMs, s.MaxPriceAgeMs, in.Timing.Fresh),
	})

	// Lagging signals are created the moment the deviation is confirmed, so
	// the persistence window check does not apply to them.
	ageCheck := domain.SafetyCheck{
		Name:      CheckSpreadAge,
		Value:     fmt.Sprintf("%.2fh", in.SpreadAgeHours),
		Threshold: fmt.Sprintf("%dh", s.MaxSpreadAgeHours),
	}
	if in.SignalType == domain.SignalLagging {
		ageCheck.Passed = true
		ageCheck.Detail = "not applied to lagging signals"
	} else {
		ageCheck.Passed = in.SpreadAgeHours <= float64(s.MaxSpreadAgeHours)
		ageCheck.Detail = fmt.Sprintf("spread first seen %.2f h ago (max %d h)", in.SpreadAgeHours, s.MaxSpreadAgeHours)
	}
	record(ageCheck)

	worstQuoted := in.LowBidAskPct
	if in.HighBidAskPct.GreaterThan(worstQuoted) {
		worstQuoted = in.HighBidAskPct
	}
	record(domain.SafetyCheck{
		Name:      CheckBidAskSpread,
		Passed:    worstQuoted.LessThanOrEqual(s.MaxBidAskSpreadPct),
		Value:     worstQuoted.String(),
		Threshold: s.MaxBidAskSpreadPct.String(),
		Detail:    fmt.Sprintf("quoted bid/ask %s%% low, %s%% high vs cap %s%%", in.LowBidAskPct.StringFixed(3), in.HighBidAskPct.StringFixed(3), s.MaxBidAskSpreadPct.String()),
	})

	latencyOK := in.Timing.MaxLatencyMs <= s.MaxLatencyMs && in.Timing.LatencyDiffMs <= s.MaxLatencyDiffMs
	record(domain.SafetyCheck{
		Name:      CheckLatency,
		Passed:    latencyOK,
		Value:     fmt.Sprintf("max=%dms diff=%dms", in.Timing.MaxLatencyMs, in.Timing.LatencyDiffMs),
		Threshold: fmt.Sprintf("max<=%dms diff<=%dms", s.MaxLatencyMs, s.MaxLatencyDiffMs),
		Detail:    fmt.Sprintf("venue latency max %d ms, diff %d ms (caps %d/%d)", in.Timing.MaxLatencyMs, in.Timing.LatencyDiffMs, s.MaxLatencyMs, s.MaxLatencyDiffMs),
	})

	// Too little history cannot be graded; the check passes until the ring
	// has seen enough samples.
	depthCheck := domain.SafetyCheck{
		Name:      CheckDepthVsHistory,
		Value:     in.DepthVsHistoryRatio.String(),
		Threshold: s.MinDepthVsHistoryRatio.String(),
	}
	if in.HistorySamples < s.MinHistorySamples {
		depthCheck.Passed = true
		depthCheck.Detail = fmt.Sprintf("only %d of %d samples collected, not graded", in.HistorySamples, s.MinHistorySamples)
	} else {
		depthCheck.Passed = in.DepthVsHistoryRatio.GreaterThanOrEqual(s.MinDepthVsHistoryRatio)
		depthCheck.Detail = fmt.Sprintf("current depth %s of historical mean (min %s)", in.DepthVsHistoryRatio.StringFixed(2), s.MinDepthVsHistoryRatio.String())
	}
	record(depthCheck)

	// Position sizing keys off the binding leg: the thinner of entry and
	// exit depth limits what the trade can absorb.
	binding := in.Liquidity.EntryUSD
	if exitUSD.LessThan(binding) {
		binding = exitUSD
	}
	suggested := calc.SuggestedPositionUSD(binding, s.PositionHardCapUSD)
	out.SuggestedPositionUSD = suggested
	ratioCheck := domain.SafetyCheck{
		Name:      CheckPositionToExitRatio,
		Threshold: s.MaxPositionToExitRatio.String(),
	}
	if exitUSD.IsPositive() {
		ratio := suggested.Div(exitUSD)
		ratioCheck.Passed = ratio.LessThanOrEqual(s.MaxPositionToExitRatio)
		ratioCheck.Value = ratio.String()
		ratioCheck.Detail = fmt.Sprintf("position $%s is %s of exit depth (max %s)", suggested.StringFixed(0), ratio.StringFixed(2), s.MaxPositionToExitRatio.String())
	} else {
		ratioCheck.Passed = false
		ratioCheck.Value = "undefined"
		ratioCheck.Detail = "exit depth is zero, position cannot be sized"
	}
	record(ratioCheck)

	return out
}
