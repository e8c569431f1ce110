package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CloseReason records why a convergence record stopped updating.
type CloseReason string

const (
	CloseConverged CloseReason = "converged"
	CloseTimeout   CloseReason = "timeout"
	CloseManual    CloseReason = "manual"
)

// ConvergenceRecord tracks how a signal's spread evolved after emission.
// Running aggregates live in the record so ticks never replay snapshot
// history. One record per signal. A diverged record stays open; operators
// want to watch those.
type ConvergenceRecord struct {
	SignalID         string          `json:"signal_id" db:"signal_id"`
	PairID           string          `json:"pair_id" db:"pair_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	InitialSpreadPct decimal.Decimal `json:"initial_spread_pct" db:"initial_spread_pct"`
	CurrentSpreadPct decimal.Decimal `json:"current_spread_pct" db:"current_spread_pct"`
	MinSpreadPct     decimal.Decimal `json:"min_spread_pct" db:"min_spread_pct"`
	MaxSpreadPct     decimal.Decimal `json:"max_spread_pct" db:"max_spread_pct"`
	Converged        bool            `json:"converged" db:"converged"`
	ConvergedAt      *time.Time      `json:"converged_at,omitempty" db:"converged_at"`
	Diverged         bool            `json:"diverged" db:"diverged"`
	DivergedAt       *time.Time      `json:"diverged_at,omitempty" db:"diverged_at"`
	ChecksCount      int             `json:"checks_count" db:"checks_count"`
	FloorStreak      int             `json:"floor_streak" db:"floor_streak"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	LastCheckedAt    *time.Time      `json:"last_checked_at,omitempty" db:"last_checked_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	CloseReason      *CloseReason    `json:"close_reason,omitempty" db:"close_reason"`
}

// Open reports whether the record still receives updates.
func (r ConvergenceRecord) Open() bool { return r.ClosedAt == nil }

// Observe folds a new spread observation into the running aggregates and
// returns the updated record. Closed records are returned unchanged.
func (r ConvergenceRecord) Observe(spreadPct decimal.Decimal, at time.Time) ConvergenceRecord {
	if !r.Open() {
		return r
	}
	r.CurrentSpreadPct = spreadPct
	if spreadPct.LessThan(r.MinSpreadPct) {
		r.MinSpreadPct = spreadPct
	}
	if spreadPct.GreaterThan(r.MaxSpreadPct) {
		r.MaxSpreadPct = spreadPct
	}
	r.ChecksCount++
	r.LastCheckedAt = &at
	return r
}

// ConvergenceSnapshot is one periodic observation of both legs of a tracked
// signal. (SignalID, SnapshotSeq) is unique; seq 0 is written at emission.
type ConvergenceSnapshot struct {
	SignalID     string          `json:"signal_id" db:"signal_id"`
	SnapshotSeq  int             `json:"snapshot_seq" db:"snapshot_seq"`
	Ts           time.Time       `json:"ts" db:"ts"`
	LowBid       decimal.Decimal `json:"low_bid" db:"low_bid"`
	LowAsk       decimal.Decimal `json:"low_ask" db:"low_ask"`
	HighBid      decimal.Decimal `json:"high_bid" db:"high_bid"`
	HighAsk      decimal.Decimal `json:"high_ask" db:"high_ask"`
	SpreadPct    decimal.Decimal `json:"spread_pct" db:"spread_pct"`
	LowDepthUSD  decimal.Decimal `json:"low_depth_usd" db:"low_depth_usd"`
	HighDepthUSD decimal.Decimal `json:"high_depth_usd" db:"high_depth_usd"`
}
