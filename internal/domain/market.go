package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timing records the wall-clock envelope of one adapter call. All values are
// epoch milliseconds.
type Timing struct {
	RequestAtMs  int64 `json:"request_at_ms"`
	ResponseAtMs int64 `json:"response_at_ms"`
	LatencyMs    int64 `json:"latency_ms"`
}

// NewTiming derives a Timing from request/response wall-clock times.
func NewTiming(requestAt, responseAt time.Time) Timing {
	return Timing{
		RequestAtMs:  requestAt.UnixMilli(),
		ResponseAtMs: responseAt.UnixMilli(),
		LatencyMs:    responseAt.Sub(requestAt).Milliseconds(),
	}
}

// Quote is a normalized top-of-book quote from one venue. Mark and Mid are
// optional; derivatives venues report Mark, spot venues usually only bid/ask.
type Quote struct {
	VenueID      VenueID         `json:"venue_id"`
	Symbol       string          `json:"symbol"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Mid          decimal.Decimal `json:"mid,omitempty"`
	Mark         decimal.Decimal `json:"mark,omitempty"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd,omitempty"`
	ReceivedAtMs int64           `json:"received_at_ms"`
	LatencyMs    int64           `json:"latency_ms"`
}

// MidPrice returns the reported mid, or (bid+ask)/2 when the venue did not
// supply one.
func (q Quote) MidPrice() decimal.Decimal {
	if !q.Mid.IsZero() {
		return q.Mid
	}
	if q.Bid.IsZero() && q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Fresh reports whether the quote is younger than maxAge at the given time.
func (q Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.UnixMilli()-q.ReceivedAtMs <= maxAge.Milliseconds()
}

// BidAskSpreadPct returns the quoted (ask-bid)/mid spread in percent, the
// figure the bid_ask_spread safety check compares against its cap.
func (q Quote) BidAskSpreadPct() decimal.Decimal {
	mid := q.MidPrice()
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(mid).Mul(decimal.NewFromInt(100))
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// USD returns the level's notional value.
func (l BookLevel) USD() decimal.Decimal { return l.Price.Mul(l.Size) }

// OrderBook is a normalized L2 snapshot. Bids are strictly descending by
// price, asks strictly ascending, sizes positive; Validate enforces this and
// callers treat violations as data-integrity failures.
type OrderBook struct {
	VenueID VenueID     `json:"venue_id"`
	Symbol  string      `json:"symbol"`
	Bids    []BookLevel `json:"bids"`
	Asks    []BookLevel `json:"asks"`
	Timing  Timing      `json:"timing"`
}

// BestBid returns the top bid level, or false when the side is empty.
func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Levels returns the requested side of the book.
func (b OrderBook) Levels(side Side) []BookLevel {
	if side == SideBid {
		return b.Bids
	}
	return b.Asks
}

// Validate checks the ordering and size invariants of both sides.
func (b OrderBook) Validate() error {
	if len(b.Bids) == 0 && len(b.Asks) == 0 {
		return fmt.Errorf("order book %s/%s: both sides empty", b.VenueID, b.Symbol)
	}
	for i, lvl := range b.Bids {
		if !lvl.Size.IsPositive() {
			return fmt.Errorf("order book %s/%s: bid level %d has non-positive size", b.VenueID, b.Symbol, i)
		}
		if i > 0 && lvl.Price.GreaterThanOrEqual(b.Bids[i-1].Price) {
			return fmt.Errorf("order book %s/%s: bids not strictly descending at level %d", b.VenueID, b.Symbol, i)
		}
	}
	for i, lvl := range b.Asks {
		if !lvl.Size.IsPositive() {
			return fmt.Errorf("order book %s/%s: ask level %d has non-positive size", b.VenueID, b.Symbol, i)
		}
		if i > 0 && lvl.Price.LessThanOrEqual(b.Asks[i-1].Price) {
			return fmt.Errorf("order book %s/%s: asks not strictly ascending at level %d", b.VenueID, b.Symbol, i)
		}
	}
	if bb, ok := b.BestBid(); ok {
		if ba, ok2 := b.BestAsk(); ok2 && bb.Price.GreaterThan(ba.Price) {
			return fmt.Errorf("order book %s/%s: crossed book (bid %s > ask %s)", b.VenueID, b.Symbol, bb.Price, ba.Price)
		}
	}
	return nil
}

// DepthResult is the outcome of walking one book side within a slippage
// envelope.
type DepthResult struct {
	Side             Side            `json:"side"`
	TotalBase        decimal.Decimal `json:"total_base"`
	TotalUSD         decimal.Decimal `json:"total_usd"`
	WeightedAvgPrice decimal.Decimal `json:"weighted_avg_price"`
	LevelsConsumed   int             `json:"levels_consumed"`
	SlippagePctAtEnd decimal.Decimal `json:"slippage_pct_at_end"`
}

// ExecResult is the outcome of filling a target USD notional against one book
// side. UnfilledUSD > 0 (equivalently InsufficientDepth) means the visible
// book could not absorb the full notional.
type ExecResult struct {
	Side              Side            `json:"side"`
	ExecutablePrice   decimal.Decimal `json:"executable_price"`
	SlippagePct       decimal.Decimal `json:"slippage_pct"`
	FilledUSD         decimal.Decimal `json:"filled_usd"`
	UnfilledUSD       decimal.Decimal `json:"unfilled_usd"`
	LevelsConsumed    int             `json:"levels_consumed"`
	InsufficientDepth bool            `json:"insufficient_depth"`
}

// FundingRate is a perpetual venue's current funding snapshot.
type FundingRate struct {
	VenueID       VenueID         `json:"venue_id"`
	Symbol        string          `json:"symbol"`
	RatePct       decimal.Decimal `json:"rate_pct"`
	NextFundingMs int64           `json:"next_funding_ms,omitempty"`
	ReceivedAtMs  int64           `json:"received_at_ms"`
}

// Market describes one instrument listed on a venue.
type Market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Status string `json:"status"` // "trading" when live
}
