package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/alert"
	"github.com/sawpanic/crossarb/internal/calc"
	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/fetch"
	"github.com/sawpanic/crossarb/internal/lagging"
	"github.com/sawpanic/crossarb/internal/metrics"
	"github.com/sawpanic/crossarb/internal/registry"
	"github.com/sawpanic/crossarb/internal/safety"
	"github.com/sawpanic/crossarb/internal/signal"
	"github.com/sawpanic/crossarb/internal/store"
	"github.com/sawpanic/crossarb/internal/track"
	"github.com/sawpanic/crossarb/internal/venue"
)

// latestTTL bounds how long a tick's published prices and rankings survive
// in the store after the loops stop producing.
const latestTTL = time.Minute

// rankedPair is one pair with its per-tick direction assigned from observed
// quotes: buy on Low, sell on High.
type rankedPair struct {
	Pair       domain.ArbitragePair `json:"pair"`
	Low        domain.VenueID       `json:"low_venue"`
	High       domain.VenueID       `json:"high_venue"`
	NominalPct decimal.Decimal      `json:"nominal_pct"`
}

// Pipeline is the per-tick core: the monitor tick fans quotes in and ranks
// pairs, the analysis tick walks books and runs candidates through the
// validator and dispatcher. State handed from monitor to analysis lives
// behind the mutex; everything else flows through the shared store.
type Pipeline struct {
	venues     *venue.Registry
	reg        *registry.Registry
	pool       *fetch.Pool
	kv         store.Store
	settings   config.Settings
	laggingCfg config.LaggingConfig

	spreadAge  *track.SpreadAge
	depth      *track.DepthHistory
	detector   *lagging.Detector
	validator  *safety.Validator
	builder    *signal.Builder
	dispatcher *alert.Dispatcher
	watchdog   *alert.Watchdog
	metrics    *metrics.Metrics

	mu      sync.Mutex
	ranked  []rankedPair
	lagged  map[string]lagging.Candidate // symbol|venue
	healthy bool
	now     func() time.Time
}

// PipelineDeps collects the pipeline's collaborators.
type PipelineDeps struct {
	Venues     *venue.Registry
	Tickers    *registry.Registry
	Pool       *fetch.Pool
	KV         store.Store
	Settings   config.Settings
	Lagging    config.LaggingConfig
	SpreadAge  *track.SpreadAge
	Depth      *track.DepthHistory
	Detector   *lagging.Detector
	Validator  *safety.Validator
	Builder    *signal.Builder
	Dispatcher *alert.Dispatcher
	Watchdog   *alert.Watchdog
	Metrics    *metrics.Metrics
}

// NewPipeline wires the tick core.
func NewPipeline(d PipelineDeps) *Pipeline {
	return &Pipeline{
		venues:     d.Venues,
		reg:        d.Tickers,
		pool:       d.Pool,
		kv:         d.KV,
		settings:   d.Settings,
		laggingCfg: d.Lagging,
		spreadAge:  d.SpreadAge,
		depth:      d.Depth,
		detector:   d.Detector,
		validator:  d.Validator,
		builder:    d.Builder,
		dispatcher: d.Dispatcher,
		watchdog:   d.Watchdog,
		metrics:    d.Metrics,
		lagged:     make(map[string]lagging.Candidate),
		now:        time.Now,
	}
}

// SetClock replaces the time source for tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Healthy reports whether the last monitor tick produced any quotes. The
// watchdog uses it to avoid warning about signal silence while the fetchers
// themselves are down.
func (p *Pipeline) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// MonitorTick fetches quotes for every enumerated pair, publishes the latest
// prices and spread ranking to the store, and feeds the lagging detector.
// Venue failures degrade the tick; the next one retries.
func (p *Pipeline) MonitorTick(ctx context.Context) error {
	pairs := p.reg.AllPairs()
	if len(pairs) == 0 {
		log.Debug().Msg("Monitor tick: registry empty, nothing to fetch")
		return nil
	}

	snap, fails := p.pool.Quotes(ctx, pairs)
	for venueID, err := range fails {
		log.Warn().Err(err).Str("venue", string(venueID)).Msg("Venue contributed no quotes this tick")
	}

	now := p.now().UTC()
	maxAge := time.Duration(p.settings.MaxPriceAgeMs) * time.Millisecond
	completable := fetch.Completable(pairs, snap, maxAge, now)

	p.publishPrices(ctx, pairs, snap)
	lagged := p.observeLagging(pairs, snap)
	ranked := p.rank(completable, snap)
	p.observeSpreadAges(ctx, ranked)
	p.publishRanking(ctx, ranked)

	p.mu.Lock()
	p.ranked = ranked
	p.lagged = lagged
	p.healthy = snap.QuoteCount() > 0
	p.mu.Unlock()

	log.Debug().
		Int("pairs", len(pairs)).
		Int("completable", len(completable)).
		Int("ranked", len(ranked)).
		Int("failed_venues", len(fails)).
		Msg("Monitor tick done")
	return nil
}

// publishPrices writes the tick's quote map to prices:latest as one JSON
// document keyed venue:BASE.
func (p *Pipeline) publishPrices(ctx context.Context, pairs []domain.ArbitragePair, snap *fetch.Snapshot) {
	latest := make(map[string]domain.Quote)
	for _, pair := range pairs {
		for _, venueID := range []domain.VenueID{pair.VenueA, pair.VenueB} {
			key := domain.SnapshotKey(venueID, pair.Symbol)
			if _, seen := latest[key]; seen {
				continue
			}
			if q, ok := snap.Quote(venueID, pair.Symbol); ok {
				latest[key] = q
			}
		}
	}
	if len(latest) == 0 {
		return
	}
	data, err := json.Marshal(latest)
	if err != nil {
		log.Warn().Err(err).Msg("Latest prices not serializable")
		return
	}
	if err := p.kv.Set(ctx, store.KeyPricesLatest, string(data), latestTTL); err != nil {
		log.Warn().Err(err).Msg("Latest prices not published")
	}
}

// observeLagging feeds each symbol's venue mids to the detector and returns
// the confirmed candidates keyed symbol|venue.
func (p *Pipeline) observeLagging(pairs []domain.ArbitragePair, snap *fetch.Snapshot) map[string]lagging.Candidate {
	out := make(map[string]lagging.Candidate)
	if p.detector == nil || !p.laggingCfg.Enabled {
		return out
	}

	mids := make(map[string]map[domain.VenueID]decimal.Decimal)
	for _, pair := range pairs {
		for _, venueID := range []domain.VenueID{pair.VenueA, pair.VenueB} {
			q, ok := snap.Quote(venueID, pair.Symbol)
			if !ok {
				continue
			}
			cohort, ok := mids[pair.Symbol]
			if !ok {
				cohort = make(map[domain.VenueID]decimal.Decimal)
				mids[pair.Symbol] = cohort
			}
			cohort[venueID] = q.MidPrice()
		}
	}

	for symbol, cohort := range mids {
		for _, c := range p.detector.Observe(symbol, cohort) {
			out[symbol+"|"+string(c.Venue)] = c
			log.Info().
				Str("symbol", symbol).
				Str("venue", string(c.Venue)).
				Str("deviation_pct", c.DeviationPct.StringFixed(2)).
				Int("ticks", c.TicksPersisted).
				Msg("Lagging venue confirmed")
		}
	}
	return out
}

// rank assigns each completable pair its profitable direction and orders
// pairs by nominal spread, best first. Pairs whose best direction is still
// negative stay in the ranking; the analysis tick filters on the emit floor.
func (p *Pipeline) rank(pairs []domain.ArbitragePair, snap *fetch.Snapshot) []rankedPair {
	ranked := make([]rankedPair, 0, len(pairs))
	for _, pair := range pairs {
		qa, okA := snap.Quote(pair.VenueA, pair.Symbol)
		qb, okB := snap.Quote(pair.VenueB, pair.Symbol)
		if !okA || !okB {
			continue
		}
		forward := calc.NominalSpreadPct(qa.Ask, qb.Bid)  // buy A, sell B
		backward := calc.NominalSpreadPct(qb.Ask, qa.Bid) // buy B, sell A
		rp := rankedPair{Pair: pair, Low: pair.VenueA, High: pair.VenueB, NominalPct: forward}
		if backward.GreaterThan(forward) {
			rp.Low, rp.High, rp.NominalPct = pair.VenueB, pair.VenueA, backward
		}
		ranked = append(ranked, rp)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if !ranked[i].NominalPct.Equal(ranked[j].NominalPct) {
			return ranked[i].NominalPct.GreaterThan(ranked[j].NominalPct)
		}
		return ranked[i].Pair.PairID < ranked[j].Pair.PairID
	})
	return ranked
}

// observeSpreadAges feeds every completable pair's best-direction nominal
// spread to the age tracker. Below-floor observations clear the first-seen
// stamp, so a spread that closes and later reopens ages from the reopen, not
// from its first life.
func (p *Pipeline) observeSpreadAges(ctx context.Context, ranked []rankedPair) {
	for _, rp := range ranked {
		if err := p.spreadAge.Observe(ctx, rp.Pair.PairID, rp.NominalPct, p.settings.MinSpreadPct); err != nil {
			log.Warn().Err(err).Str("pair_id", rp.Pair.PairID).Msg("Spread age not recorded")
		}
	}
}

func (p *Pipeline) publishRanking(ctx context.Context, ranked []rankedPair) {
	if len(ranked) == 0 {
		return
	}
	data, err := json.Marshal(ranked)
	if err != nil {
		log.Warn().Err(err).Msg("Spread ranking not serializable")
		return
	}
	if err := p.kv.Set(ctx, store.KeySpreadsLatest, string(data), latestTTL); err != nil {
		log.Warn().Err(err).Msg("Spread ranking not published")
	}
}

// analysisCandidates selects the ranked pairs worth a book walk: nominal
// spread at or above the emit floor, or a confirmed lagging venue on either
// side.
func (p *Pipeline) analysisCandidates() ([]rankedPair, map[string]lagging.Candidate) {
	p.mu.Lock()
	ranked := p.ranked
	lagged := p.lagged
	p.mu.Unlock()

	out := make([]rankedPair, 0, len(ranked))
	for _, rp := range ranked {
		if rp.NominalPct.GreaterThanOrEqual(p.settings.MinSpreadPct) {
			out = append(out, rp)
			continue
		}
		if _, ok := lagged[rp.Pair.Symbol+"|"+string(rp.Low)]; ok {
			out = append(out, rp)
			continue
		}
		if _, ok := lagged[rp.Pair.Symbol+"|"+string(rp.High)]; ok {
			out = append(out, rp)
		}
	}
	return out, lagged
}

// AnalysisTick retries pending deliveries, then walks order books for the
// ranked pairs and runs each through the calculator, validator, and
// dispatcher. Per-pair failures are logged and skipped; one bad pair never
// costs the tick.
func (p *Pipeline) AnalysisTick(ctx context.Context) error {
	p.dispatcher.RetryPending(ctx)

	candidates, lagged := p.analysisCandidates()
	if len(candidates) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var reqs []fetch.BookRequest
	for _, rp := range candidates {
		for _, venueID := range []domain.VenueID{rp.Low, rp.High} {
			key := domain.SnapshotKey(venueID, rp.Pair.Symbol)
			if !seen[key] {
				seen[key] = true
				reqs = append(reqs, fetch.BookRequest{Venue: venueID, Symbol: rp.Pair.Symbol})
			}
		}
	}

	books, fails := p.pool.Books(ctx, reqs)
	for venueID, err := range fails {
		log.Warn().Err(err).Str("venue", string(venueID)).Msg("Venue contributed no books this tick")
	}

	for _, rp := range candidates {
		if err := p.evaluate(ctx, rp, lagged, books); err != nil {
			log.Warn().Err(err).Str("pair_id", rp.Pair.PairID).Msg("Pair evaluation failed")
		}
	}
	return nil
}

// evaluate runs one directed pair through the full candidate path.
func (p *Pipeline) evaluate(ctx context.Context, rp rankedPair, lagged map[string]lagging.Candidate, books *fetch.Snapshot) error {
	symbol := rp.Pair.Symbol
	lowBook, okLow := books.Book(rp.Low, symbol)
	highBook, okHigh := books.Book(rp.High, symbol)
	if !okLow || !okHigh {
		return nil // venue outage this tick, next one retries
	}
	lowVenue, ok := p.venues.Venue(rp.Low)
	if !ok {
		return nil
	}
	highVenue, ok := p.venues.Venue(rp.High)
	if !ok {
		return nil
	}

	s := p.settings
	sres, err := calc.Spread(lowBook, highBook, lowVenue.TakerFeePct, highVenue.TakerFeePct, s.PositionHardCapUSD)
	if err != nil {
		return err
	}
	breakdown := sres.Breakdown

	entry := calc.DepthWithinSlippage(lowBook, domain.SideAsk, s.MaxSlippagePct)
	exit := calc.DepthWithinSlippage(highBook, domain.SideBid, s.MaxSlippagePct)
	if err := p.depth.Record(ctx, rp.Pair.PairID, rp.Low, domain.SideAsk, entry.TotalUSD); err != nil {
		log.Warn().Err(err).Str("pair_id", rp.Pair.PairID).Msg("Entry depth sample not recorded")
	}
	if err := p.depth.Record(ctx, rp.Pair.PairID, rp.High, domain.SideBid, exit.TotalUSD); err != nil {
		log.Warn().Err(err).Str("pair_id", rp.Pair.PairID).Msg("Exit depth sample not recorded")
	}

	signalType := domain.SignalAuto
	var laggingInfo *domain.LaggingInfo
	if c, ok := lagged[symbol+"|"+string(rp.Low)]; ok {
		signalType = domain.SignalLagging
		info := c.Info()
		laggingInfo = &info
	} else if c, ok := lagged[symbol+"|"+string(rp.High)]; ok {
		signalType = domain.SignalLagging
		info := c.Info()
		laggingInfo = &info
	}

	if !p.emittable(signalType, breakdown) {
		return nil
	}

	stats, err := p.depth.Stats(ctx, rp.Pair.PairID, rp.High, domain.SideBid)
	if err != nil {
		log.Warn().Err(err).Str("pair_id", rp.Pair.PairID).Msg("Depth history unavailable, grading skipped")
	}
	depthRatio := decimal.Zero
	if stats.Mean.IsPositive() {
		depthRatio = exit.TotalUSD.Div(stats.Mean)
	}

	ageHours, err := p.spreadAge.AgeHours(ctx, rp.Pair.PairID)
	if err != nil {
		log.Warn().Err(err).Str("pair_id", rp.Pair.PairID).Msg("Spread age unavailable")
	}

	now := p.now().UTC()
	oldest := lowBook.Timing.ResponseAtMs
	if highBook.Timing.ResponseAtMs < oldest {
		oldest = highBook.Timing.ResponseAtMs
	}
	timing := track.Freshness(lowBook.Timing, highBook.Timing, now.UnixMilli()-oldest, s.MaxLatencyMs, s.MaxLatencyDiffMs)

	verdict := p.validator.Evaluate(safety.Input{
		SignalType:          signalType,
		HighVenueType:       highVenue.Type,
		Spread:              breakdown,
		BuySlippagePct:      sres.BuyExec.SlippagePct,
		SellSlippagePct:     sres.SellExec.SlippagePct,
		Liquidity:           p.liquidity(entry, exit, stats),
		Timing:              timing,
		LowBidAskPct:        quotedPct(lowBook),
		HighBidAskPct:       quotedPct(highBook),
		SpreadAgeHours:      ageHours,
		HistorySamples:      stats.Count,
		DepthVsHistoryRatio: depthRatio,
	})

	sig := p.builder.Build(signal.Candidate{
		Pair:            rp.Pair,
		SignalType:      signalType,
		LowVenue:        lowVenue,
		HighVenue:       highVenue,
		Prices:          sres.Prices,
		Spread:          breakdown,
		Liquidity:       p.liquidity(entry, exit, stats),
		Timing:          timing,
		PositionSizeUSD: verdict.SuggestedPositionUSD,
		Lagging:         laggingInfo,
	}, verdict)

	if !verdict.Passed && p.metrics != nil {
		p.metrics.RecordCheckFailures(sig.FailureReasons())
	}

	emitted, err := p.dispatcher.Dispatch(ctx, sig, p.contractAddresses(symbol))
	if err != nil {
		return err
	}
	if emitted {
		if p.watchdog != nil {
			p.watchdog.NoteSignal()
		}
		log.Info().
			Str("signal_id", sig.ID).
			Str("pair_id", rp.Pair.PairID).
			Str("net_pct", breakdown.NetPct.StringFixed(2)).
			Msg("Candidate emitted")
	}
	return nil
}

// emittable applies the spread floor and ceiling. Lagging signals trade the
// persistence window for a higher net floor.
func (p *Pipeline) emittable(t domain.SignalType, b domain.SpreadBreakdown) bool {
	if t == domain.SignalLagging {
		floor := decimal.NewFromFloat(p.laggingCfg.MinNetPct)
		return b.NetPct.GreaterThanOrEqual(floor) && b.RealPct.LessThanOrEqual(p.settings.MaxSpreadPct)
	}
	return calc.Emittable(b, p.settings.MinSpreadPct, p.settings.MaxSpreadPct)
}

func (p *Pipeline) liquidity(entry, exit domain.DepthResult, stats track.DepthStats) domain.LiquidityInfo {
	return domain.LiquidityInfo{
		EntryUSD: entry.TotalUSD,
		ExitUSD:  exit.TotalUSD,
		DepthStatus: stats.Grade(exit.TotalUSD,
			p.settings.MinDepthVsHistoryRatio,
			p.settings.WarningDepthRatio,
			p.settings.MinHistorySamples),
	}
}

func (p *Pipeline) contractAddresses(symbol string) []string {
	t, ok := p.reg.Get(symbol)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(t.Contracts))
	for _, addr := range t.Contracts {
		out = append(out, addr)
	}
	return out
}

// quotedPct is the (ask-bid)/mid width of a book's top of book, in percent.
func quotedPct(book domain.OrderBook) decimal.Decimal {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	mid := bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price).Div(mid).Mul(decimal.NewFromInt(100))
}
