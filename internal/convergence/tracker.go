// Package convergence follows emitted signals until their spread closes,
// blows out, or times out. Running aggregates live in the record itself, so
// a tick never replays snapshot history; snapshots are append-only evidence
// read only on demand.
package convergence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/calc"
	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/metrics"
)

// Repo is the persistence the tracker needs. The postgres implementation
// lives in internal/store/postgres.
type Repo interface {
	InsertRecord(ctx context.Context, rec domain.ConvergenceRecord) error
	UpdateRecord(ctx context.Context, rec domain.ConvergenceRecord) error
	ListOpen(ctx context.Context) ([]domain.ConvergenceRecord, error)
	InsertSnapshot(ctx context.Context, snap domain.ConvergenceSnapshot) error
}

// LegReader re-reads one leg of a tracked signal: the current quote plus the
// USD depth available within the slippage bound on the given side.
type LegReader interface {
	ReadLeg(ctx context.Context, venueID domain.VenueID, symbol string, side domain.Side) (domain.Quote, decimal.Decimal, error)
}

// legs caches the low/high venues of a tracked signal. The direction of a
// spread is fixed at emission; the record itself only carries the pair ID.
type legs struct {
	symbol string
	low    domain.VenueID
	high   domain.VenueID
}

// SignalSource resolves a signal's legs when they are not cached, e.g. after
// a restart. Implemented over the signals table.
type SignalSource interface {
	SignalLegs(ctx context.Context, signalID string) (symbol string, low, high domain.VenueID, err error)
}

// Tracker runs the post-emission convergence loop.
type Tracker struct {
	repo    Repo
	signals SignalSource
	reader  LegReader
	cfg     config.ConvergenceConfig
	metrics *metrics.Metrics

	mu   sync.Mutex
	legs map[string]legs // signal_id -> direction
	now  func() time.Time
}

// New wires a tracker. metrics may be nil in tests.
func New(repo Repo, signals SignalSource, reader LegReader, cfg config.ConvergenceConfig, m *metrics.Metrics) *Tracker {
	if cfg.FloorPct <= 0 {
		cfg.FloorPct = 0.5
	}
	if cfg.ConsecutiveChecks <= 0 {
		cfg.ConsecutiveChecks = 2
	}
	if cfg.DivergenceMultiplier <= 0 {
		cfg.DivergenceMultiplier = 1.5
	}
	if cfg.MaxTrackingDuration <= 0 {
		cfg.MaxTrackingDuration = 72 * time.Hour
	}
	return &Tracker{
		repo:    repo,
		signals: signals,
		reader:  reader,
		cfg:     cfg,
		metrics: m,
		legs:    make(map[string]legs),
		now:     time.Now,
	}
}

// SetClock replaces the time source for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Open starts tracking an emitted signal: the record is created with the
// signal's real spread as the baseline, and snapshot 0 captures the prices
// the signal was built from.
func (t *Tracker) Open(ctx context.Context, sig domain.ValidatedSignal) error {
	now := t.now().UTC()
	rec := domain.ConvergenceRecord{
		SignalID:         sig.ID,
		PairID:           sig.PairID,
		Symbol:           sig.Symbol,
		InitialSpreadPct: sig.Spread.RealPct,
		CurrentSpreadPct: sig.Spread.RealPct,
		MinSpreadPct:     sig.Spread.RealPct,
		MaxSpreadPct:     sig.Spread.RealPct,
		StartedAt:        now,
	}
	if err := t.repo.InsertRecord(ctx, rec); err != nil {
		return err
	}

	snap := domain.ConvergenceSnapshot{
		SignalID:     sig.ID,
		SnapshotSeq:  0,
		Ts:           now,
		LowAsk:       sig.Prices.BuyBest,
		HighBid:      sig.Prices.SellBest,
		SpreadPct:    sig.Spread.RealPct,
		LowDepthUSD:  sig.Liquidity.EntryUSD,
		HighDepthUSD: sig.Liquidity.ExitUSD,
	}
	if err := t.repo.InsertSnapshot(ctx, snap); err != nil {
		return err
	}

	t.mu.Lock()
	t.legs[sig.ID] = legs{symbol: sig.Symbol, low: sig.LowVenue, high: sig.HighVenue}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ConvergenceOpened()
	}
	log.Info().
		Str("signal_id", sig.ID).
		Str("pair_id", sig.PairID).
		Str("initial_spread_pct", sig.Spread.RealPct.StringFixed(3)).
		Msg("Convergence tracking opened")
	return nil
}

// Tick services every open record once. Per-record failures are logged and
// skipped; the record is retried on the next tick.
func (t *Tracker) Tick(ctx context.Context) error {
	records, err := t.repo.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("convergence tick: %w", err)
	}
	for _, rec := range records {
		if err := t.check(ctx, rec); err != nil {
			log.Warn().Err(err).
				Str("signal_id", rec.SignalID).
				Msg("Convergence check failed, record retried next tick")
		}
	}
	return nil
}

func (t *Tracker) check(ctx context.Context, rec domain.ConvergenceRecord) error {
	l, err := t.resolveLegs(ctx, rec.SignalID)
	if err != nil {
		return err
	}
	now := t.now().UTC()

	// Timeout closes without valuing the legs; a quote failure must not be
	// able to keep a dead record open forever.
	if now.Sub(rec.StartedAt) >= t.cfg.MaxTrackingDuration {
		return t.closeRecord(ctx, rec, domain.CloseTimeout, now)
	}

	lowQuote, lowDepth, err := t.reader.ReadLeg(ctx, l.low, l.symbol, domain.SideAsk)
	if err != nil {
		return fmt.Errorf("low leg %s: %w", l.low, err)
	}
	highQuote, highDepth, err := t.reader.ReadLeg(ctx, l.high, l.symbol, domain.SideBid)
	if err != nil {
		return fmt.Errorf("high leg %s: %w", l.high, err)
	}

	spread := calc.NominalSpreadPct(lowQuote.Ask, highQuote.Bid)
	rec = rec.Observe(spread, now)

	floor := decimal.NewFromFloat(t.cfg.FloorPct)
	if spread.Abs().LessThanOrEqual(floor) {
		rec.FloorStreak++
	} else {
		rec.FloorStreak = 0
	}

	ceiling := rec.InitialSpreadPct.Abs().Mul(decimal.NewFromFloat(t.cfg.DivergenceMultiplier))
	if !rec.Diverged && spread.Abs().GreaterThanOrEqual(ceiling) {
		rec.Diverged = true
		rec.DivergedAt = &now
		log.Warn().
			Str("signal_id", rec.SignalID).
			Str("spread_pct", spread.StringFixed(3)).
			Str("ceiling_pct", ceiling.StringFixed(3)).
			Msg("Tracked spread diverged past ceiling")
	}

	snap := domain.ConvergenceSnapshot{
		SignalID:     rec.SignalID,
		SnapshotSeq:  rec.ChecksCount,
		Ts:           now,
		LowBid:       lowQuote.Bid,
		LowAsk:       lowQuote.Ask,
		HighBid:      highQuote.Bid,
		HighAsk:      highQuote.Ask,
		SpreadPct:    spread,
		LowDepthUSD:  lowDepth,
		HighDepthUSD: highDepth,
	}
	// The record's aggregates are the authority; a snapshot that cannot be
	// written (including a seq collision after a partially failed tick) is
	// logged and the check proceeds.
	if err := t.repo.InsertSnapshot(ctx, snap); err != nil {
		log.Warn().Err(err).
			Str("signal_id", rec.SignalID).
			Int("seq", snap.SnapshotSeq).
			Msg("Convergence snapshot not stored")
	}

	if rec.FloorStreak >= t.cfg.ConsecutiveChecks {
		rec.Converged = true
		rec.ConvergedAt = &now
		return t.closeRecord(ctx, rec, domain.CloseConverged, now)
	}
	return t.repo.UpdateRecord(ctx, rec)
}

func (t *Tracker) closeRecord(ctx context.Context, rec domain.ConvergenceRecord, reason domain.CloseReason, now time.Time) error {
	rec.ClosedAt = &now
	rec.CloseReason = &reason
	if err := t.repo.UpdateRecord(ctx, rec); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.legs, rec.SignalID)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ConvergenceClosed(string(reason))
	}
	log.Info().
		Str("signal_id", rec.SignalID).
		Str("reason", string(reason)).
		Int("checks", rec.ChecksCount).
		Msg("Convergence tracking closed")
	return nil
}

func (t *Tracker) resolveLegs(ctx context.Context, signalID string) (legs, error) {
	t.mu.Lock()
	l, ok := t.legs[signalID]
	t.mu.Unlock()
	if ok {
		return l, nil
	}
	if t.signals == nil {
		return legs{}, fmt.Errorf("signal %s legs unknown and no signal source configured", signalID)
	}
	symbol, low, high, err := t.signals.SignalLegs(ctx, signalID)
	if err != nil {
		return legs{}, fmt.Errorf("resolve signal %s legs: %w", signalID, err)
	}
	l = legs{symbol: symbol, low: low, high: high}
	t.mu.Lock()
	t.legs[signalID] = l
	t.mu.Unlock()
	return l, nil
}
