// Package signal assembles ValidatedSignals: candidate measurements plus
// the safety verdict, rendered with the execution steps and deep links a
// human needs to act on the alert.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/safety"
)

// Candidate is the proto-signal: everything measured for one pair this tick,
// before the verdict is attached.
type Candidate struct {
	Pair            domain.ArbitragePair
	SignalType      domain.SignalType
	LowVenue        domain.Venue
	HighVenue       domain.Venue
	Prices          domain.PairPrices
	Spread          domain.SpreadBreakdown
	Liquidity       domain.LiquidityInfo
	Timing          domain.TimingInfo
	PositionSizeUSD decimal.Decimal
	Lagging         *domain.LaggingInfo
}

// Builder renders candidates into immutable ValidatedSignals.
type Builder struct {
	chartURL string // %s = base symbol
	newID    func() string
	now      func() time.Time
}

// NewBuilder returns a builder. chartURL is the deep-link template for the
// chart link; empty disables it.
func NewBuilder(chartURL string) *Builder {
	return &Builder{
		chartURL: chartURL,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Build combines a candidate with its verdict. Signals that failed
// validation are still fully rendered: they are never emitted, but the
// diagnostics pipeline stores them with their failure reasons.
func (b *Builder) Build(c Candidate, verdict safety.Verdict) domain.ValidatedSignal {
	sig := domain.ValidatedSignal{
		ID:                   b.newID(),
		PairID:               c.Pair.PairID,
		Symbol:               c.Pair.Symbol,
		SignalType:           c.SignalType,
		StrategyType:         domain.DeriveStrategy(c.LowVenue.Type, c.HighVenue.Type),
		LowVenue:             c.LowVenue.ID,
		HighVenue:            c.HighVenue.ID,
		Prices:               c.Prices,
		Spread:               c.Spread,
		Liquidity:            c.Liquidity,
		Timing:               c.Timing,
		PositionSizeUSD:      c.PositionSizeUSD,
		SuggestedPositionUSD: verdict.SuggestedPositionUSD,
		Passed:               verdict.Passed,
		SafetyChecks:         verdict.Checks,
		LaggingInfo:          c.Lagging,
		Actions:              buildActions(c, verdict),
		Links:                b.buildLinks(c),
		CreatedAt:            b.now().UTC(),
		Status:               domain.StatusNew,
	}
	return sig
}

func buildActions(c Candidate, verdict safety.Verdict) []domain.SignalAction {
	size := verdict.SuggestedPositionUSD
	if size.IsZero() {
		size = c.PositionSizeUSD
	}

	sellVerb := "Sell"
	if c.HighVenue.Type.Shortable() {
		sellVerb = "Short"
	}

	return []domain.SignalAction{
		{
			Step:  1,
			Venue: c.LowVenue.ID,
			Description: fmt.Sprintf("Buy ~$%s of %s on %s at ~%s (exec est. %s)",
				size.StringFixed(0), c.Pair.Symbol, venueName(c.LowVenue),
				c.Prices.BuyBest.String(), c.Prices.BuyExec.String()),
		},
		{
			Step:  2,
			Venue: c.HighVenue.ID,
			Description: fmt.Sprintf("%s the same notional of %s on %s at ~%s (exec est. %s)",
				sellVerb, c.Pair.Symbol, venueName(c.HighVenue),
				c.Prices.SellBest.String(), c.Prices.SellExec.String()),
		},
		{
			Step:  3,
			Venue: c.HighVenue.ID,
			Description: fmt.Sprintf("Unwind both legs when the spread converges (net %s%% at entry)",
				c.Spread.NetPct.StringFixed(2)),
		},
	}
}

func (b *Builder) buildLinks(c Candidate) []domain.SignalLink {
	var links []domain.SignalLink
	if u := tradeURL(c.LowVenue, c.Pair.Symbol); u != "" {
		links = append(links, domain.SignalLink{Label: "Buy " + venueName(c.LowVenue), URL: u})
	}
	if u := tradeURL(c.HighVenue, c.Pair.Symbol); u != "" {
		links = append(links, domain.SignalLink{Label: "Sell " + venueName(c.HighVenue), URL: u})
	}
	if b.chartURL != "" {
		links = append(links, domain.SignalLink{
			Label: "Chart",
			URL:   fmt.Sprintf(b.chartURL, c.Pair.Symbol),
		})
	}
	return links
}

func venueName(v domain.Venue) string {
	if v.DisplayName != "" {
		return v.DisplayName
	}
	return string(v.ID)
}

func tradeURL(v domain.Venue, symbol string) string {
	if v.TradeURL == "" {
		return ""
	}
	return fmt.Sprintf(v.TradeURL, symbol)
}
