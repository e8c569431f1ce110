package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType distinguishes how a signal was produced.
type SignalType string

const (
	SignalAuto    SignalType = "auto"
	SignalManual  SignalType = "manual"
	SignalLagging SignalType = "lagging"
)

// SignalStatus is the persistence lifecycle of an emitted signal.
type SignalStatus string

const (
	StatusNew    SignalStatus = "new"
	StatusSent   SignalStatus = "sent"
	StatusTaken  SignalStatus = "taken"
	StatusClosed SignalStatus = "closed"
)

// StrategyType encodes the venue-type pairing of a signal as a two-letter
// code: first letter is the buy (low) side, second the sell (high) side.
// S=cex_spot, F=cex_futures, D=dex_spot, P=perp_dex. Example: DF = buy on a
// DEX, short on CEX futures.
type StrategyType string

var venueTypeLetter = map[VenueType]string{
	VenueCEXSpot:    "S",
	VenueCEXFutures: "F",
	VenueDEXSpot:    "D",
	VenuePerpDEX:    "P",
}

// DeriveStrategy maps the low/high venue types to the strategy code.
// Unknown venue types yield "??" so a misconfigured venue is visible in the
// emitted signal rather than silently dropped.
func DeriveStrategy(lowType, highType VenueType) StrategyType {
	low, ok := venueTypeLetter[lowType]
	if !ok {
		low = "?"
	}
	high, ok := venueTypeLetter[highType]
	if !ok {
		high = "?"
	}
	return StrategyType(low + high)
}

// SpreadBreakdown decomposes a candidate's spread. All values are percent.
// NetPct = RealPct - FeesPct; SlippageLossPct = NominalPct - RealPct.
type SpreadBreakdown struct {
	NominalPct      decimal.Decimal `json:"nominal_pct"`
	RealPct         decimal.Decimal `json:"real_pct"`
	SlippageLossPct decimal.Decimal `json:"slippage_loss_pct"`
	FeesPct         decimal.Decimal `json:"fees_pct"`
	NetPct          decimal.Decimal `json:"net_pct"`
}

// PairPrices carries the per-side prices a signal was computed from.
type PairPrices struct {
	BuyBest  decimal.Decimal `json:"buy_best"`
	BuyExec  decimal.Decimal `json:"buy_exec"`
	SellBest decimal.Decimal `json:"sell_best"`
	SellExec decimal.Decimal `json:"sell_exec"`
}

// DepthStatus grades current depth against its history.
type DepthStatus string

const (
	DepthOK      DepthStatus = "ok"
	DepthWarning DepthStatus = "warning"
	DepthDanger  DepthStatus = "danger"
)

// LiquidityInfo summarizes entry/exit liquidity within the slippage bound.
// ExitUSD is the high-venue bid depth, the figure position sizing keys off.
type LiquidityInfo struct {
	EntryUSD    decimal.Decimal `json:"entry_usd"`
	ExitUSD     decimal.Decimal `json:"exit_usd"`
	DepthStatus DepthStatus     `json:"depth_status"`
}

// TimingInfo captures the freshness evidence for both legs.
type TimingInfo struct {
	LowLatencyMs  int64 `json:"low_latency_ms"`
	HighLatencyMs int64 `json:"high_latency_ms"`
	LatencyDiffMs int64 `json:"latency_diff_ms"`
	MaxLatencyMs  int64 `json:"max_latency_ms"`
	QuoteAgeMs    int64 `json:"quote_age_ms"`
	Fresh         bool  `json:"fresh"`
}

// SafetyCheck is one validator verdict. Value and Threshold are rendered
// decimal strings so the check list serializes cleanly into signal details.
type SafetyCheck struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Value     string `json:"value"`
	Threshold string `json:"threshold"`
	Detail    string `json:"detail,omitempty"`
}

// LaggingInfo is attached to lagging-venue signals.
type LaggingInfo struct {
	LaggingVenue        VenueID         `json:"lagging_venue"`
	MedianPrice         decimal.Decimal `json:"median_price"`
	VenuePrice          decimal.Decimal `json:"venue_price"`
	DeviationPct        decimal.Decimal `json:"deviation_pct"`
	OtherExchangesCount int             `json:"other_exchanges_count"`
	TicksPersisted      int             `json:"ticks_persisted"`
}

// SignalAction is one human-directed execution step.
type SignalAction struct {
	Step        int     `json:"step"`
	Venue       VenueID `json:"venue"`
	Description string  `json:"description"`
}

// SignalLink is a deep link rendered into the alert message.
type SignalLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ValidatedSignal is the immutable output of the signal builder: a candidate
// plus the full safety verdict. Signals with Passed=false are never emitted
// but are still constructed for diagnostics.
type ValidatedSignal struct {
	ID                   string          `json:"id"`
	PairID               string          `json:"pair_id"`
	Symbol               string          `json:"symbol"`
	SignalType           SignalType      `json:"signal_type"`
	StrategyType         StrategyType    `json:"strategy_type"`
	LowVenue             VenueID         `json:"low_venue"`
	HighVenue            VenueID         `json:"high_venue"`
	Prices               PairPrices      `json:"prices"`
	Spread               SpreadBreakdown `json:"spread"`
	Liquidity            LiquidityInfo   `json:"liquidity"`
	Timing               TimingInfo      `json:"timing"`
	PositionSizeUSD      decimal.Decimal `json:"position_size_usd"`
	SuggestedPositionUSD decimal.Decimal `json:"suggested_position_usd"`
	Passed               bool            `json:"passed"`
	SafetyChecks         []SafetyCheck   `json:"safety_checks"`
	LaggingInfo          *LaggingInfo    `json:"lagging_info,omitempty"`
	Actions              []SignalAction  `json:"actions"`
	Links                []SignalLink    `json:"links"`
	CreatedAt            time.Time       `json:"created_at"`
	Status               SignalStatus    `json:"status"`
}

// FailureReasons lists the names of failed checks, in battery order.
func (s ValidatedSignal) FailureReasons() []string {
	var out []string
	for _, c := range s.SafetyChecks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}
