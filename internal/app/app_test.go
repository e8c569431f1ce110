package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/alert"
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
	"github.com/sawpanic/crossarb/internal/venue/static"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeMessenger struct {
	mu   sync.Mutex
	sent []alert.Message
}

func (m *fakeMessenger) Send(_ context.Context, msg alert.Message) (*alert.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return &alert.SendResult{MessageID: int64(len(m.sent))}, nil
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type memSignals struct {
	mu       sync.Mutex
	inserted []domain.ValidatedSignal
	sent     map[string]int64
}

func newMemSignals() *memSignals { return &memSignals{sent: make(map[string]int64)} }

func (s *memSignals) Insert(_ context.Context, sig domain.ValidatedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, sig)
	return nil
}

func (s *memSignals) MarkSent(_ context.Context, id string, msgID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[id] = msgID
	return nil
}

func (s *memSignals) all() []domain.ValidatedSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ValidatedSignal(nil), s.inserted...)
}

type recordingOpener struct {
	mu     sync.Mutex
	opened []string
}

func (o *recordingOpener) Open(_ context.Context, sig domain.ValidatedSignal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, sig.ID)
	return nil
}

func (o *recordingOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

// harness is a full pipeline over fixture venues and in-memory stores.
type harness struct {
	pipe      *Pipeline
	venues    *venue.Registry
	tickers   *registry.Registry
	kv        *store.MemoryStore
	messenger *fakeMessenger
	signals   *memSignals
	opener    *recordingOpener
	adapters  map[domain.VenueID]*static.Adapter
}

func fetcherConfig() config.FetcherConfig {
	return config.FetcherConfig{
		MaxParallelVenues: 8,
		HTTPTimeout:       time.Second,
		BookDepth:         50,
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Multiplier:     2.0,
		},
		// Wide open so a scripted outage never latches into the next tick.
		Breaker: config.BreakerConfig{ConsecutiveFailures: 100, OpenTimeout: time.Second},
	}
}

func newHarness(t *testing.T, venueMeta []domain.Venue, laggingCfg config.LaggingConfig) *harness {
	t.Helper()

	venues := venue.NewRegistry()
	adapters := make(map[domain.VenueID]*static.Adapter, len(venueMeta))
	limits := make(map[domain.VenueID]config.RateLimitConfig, len(venueMeta))
	for _, meta := range venueMeta {
		a := static.New(meta)
		require.NoError(t, venues.Register(a))
		adapters[meta.ID] = a
		limits[meta.ID] = config.RateLimitConfig{RPS: 1000, Burst: 100}
	}

	settings := config.DefaultSettings()
	kv := store.NewMemoryStore()
	messenger := &fakeMessenger{}
	signals := newMemSignals()
	opener := &recordingOpener{}
	gate := alert.NewGate(kv, time.Duration(settings.AlertCooldownSeconds)*time.Second)
	m := metrics.New()
	dispatcher := alert.NewDispatcher(gate, messenger, signals, opener, m, true)
	tickers := registry.New()

	pipe := NewPipeline(PipelineDeps{
		Venues:    venues,
		Tickers:   tickers,
		Pool:      fetch.NewPool(venues, fetcherConfig(), limits),
		KV:        kv,
		Settings:  settings,
		Lagging:   laggingCfg,
		SpreadAge: track.NewSpreadAge(kv),
		Depth: track.NewDepthHistory(kv, track.DepthHistoryConfig{
			SampleInterval: time.Nanosecond, // effectively every tick
			Capacity:       480,
			TTL:            24 * time.Hour,
		}),
		Detector:   lagging.NewDetector(laggingCfg),
		Validator:  safety.NewValidator(settings),
		Builder:    signal.NewBuilder("https://charts.example/%s"),
		Dispatcher: dispatcher,
		Metrics:    m,
	})

	return &harness{
		pipe:      pipe,
		venues:    venues,
		tickers:   tickers,
		kv:        kv,
		messenger: messenger,
		signals:   signals,
		opener:    opener,
		adapters:  adapters,
	}
}

func dexVenue(id domain.VenueID) domain.Venue {
	return domain.Venue{
		ID:           id,
		DisplayName:  string(id),
		Type:         domain.VenueDEXSpot,
		TakerFeePct:  dec("0.18"),
		Active:       true,
		Capabilities: domain.Capability{Quotes: true, OrderBook: true},
	}
}

func futuresVenue(id domain.VenueID) domain.Venue {
	return domain.Venue{
		ID:           id,
		DisplayName:  string(id),
		Type:         domain.VenueCEXFutures,
		TakerFeePct:  dec("0.18"),
		Active:       true,
		Capabilities: domain.Capability{Quotes: true, OrderBook: true, Shortable: true},
	}
}

func putTicker(reg *registry.Registry, symbol string, low, high domain.VenueID) domain.ArbitragePair {
	pair := domain.NewArbitragePair(symbol, low, high)
	reg.Put(domain.Ticker{
		Symbol:         symbol,
		Venues:         domain.VenueSet{DEXSpot: []domain.VenueID{low}, CEXFutures: []domain.VenueID{high}},
		ArbitragePairs: []domain.ArbitragePair{pair},
		IsValid:        true,
		UpdatedAt:      time.Now().UTC(),
	})
	return pair
}

// seedArbBooks installs the quote/book fixture behind the clean-signal
// scenario: buy side ask 50,000 with 50k USD of depth, sell side bid 52,500
// with ~100k USD of depth, so the real spread is exactly 5% at 50k notional.
func seedArbBooks(jup, bin *static.Adapter) {
	jup.SetQuote("BTC", domain.Quote{Bid: dec("49990"), Ask: dec("50000")})
	bin.SetQuote("BTC", domain.Quote{Bid: dec("52500"), Ask: dec("52510")})

	jup.SetBook("BTC", domain.OrderBook{
		Bids: []domain.BookLevel{{Price: dec("49990"), Size: dec("1")}},
		Asks: []domain.BookLevel{{Price: dec("50000"), Size: dec("1")}},
	})
	bin.SetBook("BTC", domain.OrderBook{
		Bids: []domain.BookLevel{{Price: dec("52500"), Size: dec("1.904762")}},
		Asks: []domain.BookLevel{{Price: dec("52510"), Size: dec("1.904762")}},
	})
}

func TestCleanAutoSignal(t *testing.T) {
	h := newHarness(t, []domain.Venue{dexVenue("jupiter"), futuresVenue("binance_futures")}, config.LaggingConfig{})
	putTicker(h.tickers, "BTC", "jupiter", "binance_futures")
	seedArbBooks(h.adapters["jupiter"], h.adapters["binance_futures"])

	ctx := context.Background()
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))

	require.Equal(t, 1, h.messenger.count())
	stored := h.signals.all()
	require.Len(t, stored, 1)
	sig := stored[0]

	assert.True(t, sig.Passed)
	assert.Equal(t, domain.SignalAuto, sig.SignalType)
	assert.Equal(t, domain.StrategyType("DF"), sig.StrategyType)
	assert.Equal(t, domain.VenueID("jupiter"), sig.LowVenue)
	assert.Equal(t, domain.VenueID("binance_futures"), sig.HighVenue)
	assert.True(t, sig.Spread.RealPct.Equal(dec("5")), "real %s", sig.Spread.RealPct)
	assert.True(t, sig.Spread.NetPct.Equal(dec("4.64")), "net %s", sig.Spread.NetPct)
	assert.True(t, sig.SuggestedPositionUSD.Equal(dec("25000")), "suggested %s", sig.SuggestedPositionUSD)

	require.Len(t, sig.SafetyChecks, 9)
	for _, c := range sig.SafetyChecks {
		assert.True(t, c.Passed, "check %s: %s", c.Name, c.Detail)
	}

	assert.Equal(t, 1, h.opener.count(), "convergence tracking opened once")

	// prices:latest and spreads:latest published for this tick
	_, ok, err := h.kv.Get(ctx, store.KeyPricesLatest)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = h.kv.Get(ctx, store.KeySpreadsLatest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleSpreadRejected(t *testing.T) {
	h := newHarness(t, []domain.Venue{dexVenue("jupiter"), futuresVenue("binance_futures")}, config.LaggingConfig{})
	pair := putTicker(h.tickers, "BTC", "jupiter", "binance_futures")
	seedArbBooks(h.adapters["jupiter"], h.adapters["binance_futures"])

	ctx := context.Background()
	firstSeen := time.Now().Add(-50 * time.Hour).Unix()
	require.NoError(t, h.kv.Set(ctx, store.KeySpreadFirstSeen(pair.PairID),
		strconv.FormatInt(firstSeen, 10), store.SpreadFirstSeenTTL))

	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))

	assert.Equal(t, 0, h.messenger.count())
	assert.Equal(t, 0, h.opener.count(), "convergence tracker untouched")

	// The failed signal is still stored for diagnostics.
	stored := h.signals.all()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Passed)
	assert.Contains(t, stored[0].FailureReasons(), safety.CheckSpreadAge)
}

func TestSpreadAgeClearsWhenSpreadCloses(t *testing.T) {
	h := newHarness(t, []domain.Venue{dexVenue("jupiter"), futuresVenue("binance_futures")}, config.LaggingConfig{})
	pair := putTicker(h.tickers, "BTC", "jupiter", "binance_futures")
	seedArbBooks(h.adapters["jupiter"], h.adapters["binance_futures"])

	ctx := context.Background()
	ageKey := store.KeySpreadFirstSeen(pair.PairID)

	// Open spread stamps first-seen on the monitor tick alone.
	require.NoError(t, h.pipe.MonitorTick(ctx))
	_, ok, err := h.kv.Get(ctx, ageKey)
	require.NoError(t, err)
	require.True(t, ok, "first-seen stamped while spread is open")

	// Spread collapses below the emit floor: both venues converge on the
	// same mid, so the pair no longer qualifies for analysis at all.
	h.adapters["binance_futures"].SetQuote("BTC", domain.Quote{Bid: dec("49995"), Ask: dec("50005")})
	require.NoError(t, h.pipe.MonitorTick(ctx))
	_, ok, err = h.kv.Get(ctx, ageKey)
	require.NoError(t, err)
	assert.False(t, ok, "first-seen cleared once the spread closes")

	// Reopening starts a fresh run; the signal passes the staleness check.
	h.adapters["binance_futures"].SetQuote("BTC", domain.Quote{Bid: dec("52500"), Ask: dec("52510")})
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))

	stored := h.signals.all()
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Passed)
	assert.NotContains(t, stored[0].FailureReasons(), safety.CheckSpreadAge)
}

func TestCooldownSuppressesSecondSignal(t *testing.T) {
	h := newHarness(t, []domain.Venue{dexVenue("jupiter"), futuresVenue("binance_futures")}, config.LaggingConfig{})
	putTicker(h.tickers, "BTC", "jupiter", "binance_futures")
	seedArbBooks(h.adapters["jupiter"], h.adapters["binance_futures"])

	ctx := context.Background()
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))
	require.Equal(t, 1, h.messenger.count())

	// Same dislocation 30 s later: cooldown still holds.
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))

	assert.Equal(t, 1, h.messenger.count())
	assert.Len(t, h.signals.all(), 1, "suppressed signal not persisted")
	assert.Equal(t, 0, h.pipe.dispatcher.PendingCount())
}

func TestLaggingVenueSignal(t *testing.T) {
	laggingCfg := config.LaggingConfig{
		Enabled:      true,
		MinCohort:    4,
		MinLagPct:    2.0,
		PersistTicks: 3,
		MinNetPct:    1.0,
	}
	metas := []domain.Venue{
		dexVenue("alpha"), dexVenue("beta"), dexVenue("gamma"), dexVenue("delta"),
		futuresVenue("omega"),
	}
	h := newHarness(t, metas, laggingCfg)

	// Cohort mids {60000, 60010, 60005, 60020, 63000}; median 60010; omega
	// deviates ~4.98% above and stays there.
	mids := map[domain.VenueID]string{
		"alpha": "60000", "beta": "60010", "gamma": "60005", "delta": "60020",
		"omega": "63000",
	}
	for id, mid := range mids {
		m := dec(mid)
		h.adapters[id].SetQuote("BTC", domain.Quote{Bid: m.Sub(dec("1")), Ask: m.Add(dec("1"))})
	}

	// Pairs give the detector its cohort; alpha/omega is the tradable one.
	pairs := []domain.ArbitragePair{
		domain.NewArbitragePair("BTC", "alpha", "omega"),
		domain.NewArbitragePair("BTC", "beta", "omega"),
		domain.NewArbitragePair("BTC", "gamma", "omega"),
		domain.NewArbitragePair("BTC", "delta", "omega"),
	}
	h.tickers.Put(domain.Ticker{
		Symbol:         "BTC",
		Venues:         domain.VenueSet{DEXSpot: []domain.VenueID{"alpha", "beta", "gamma", "delta"}, CEXFutures: []domain.VenueID{"omega"}},
		ArbitragePairs: pairs,
		IsValid:        true,
	})

	h.adapters["alpha"].SetBook("BTC", domain.OrderBook{
		Bids: []domain.BookLevel{{Price: dec("59999"), Size: dec("2")}},
		Asks: []domain.BookLevel{{Price: dec("60001"), Size: dec("2")}},
	})
	for _, id := range []domain.VenueID{"beta", "gamma", "delta"} {
		mid := dec(mids[id])
		h.adapters[id].SetBook("BTC", domain.OrderBook{
			Bids: []domain.BookLevel{{Price: mid.Sub(dec("1")), Size: dec("2")}},
			Asks: []domain.BookLevel{{Price: mid.Add(dec("1")), Size: dec("2")}},
		})
	}
	h.adapters["omega"].SetBook("BTC", domain.OrderBook{
		Bids: []domain.BookLevel{{Price: dec("62999"), Size: dec("2")}},
		Asks: []domain.BookLevel{{Price: dec("63001"), Size: dec("2")}},
	})

	ctx := context.Background()
	// Deviation must persist three ticks before a candidate is confirmed.
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))

	require.Equal(t, 1, h.messenger.count())
	stored := h.signals.all()
	require.NotEmpty(t, stored)
	sig := stored[0]

	assert.Equal(t, domain.SignalLagging, sig.SignalType)
	require.NotNil(t, sig.LaggingInfo)
	assert.Equal(t, domain.VenueID("omega"), sig.LaggingInfo.LaggingVenue)
	assert.Equal(t, 4, sig.LaggingInfo.OtherExchangesCount)
	dev, _ := sig.LaggingInfo.DeviationPct.Float64()
	assert.InDelta(t, 4.98, dev, 0.01)
}

func TestPartialVenueOutage(t *testing.T) {
	h := newHarness(t, []domain.Venue{futuresVenue("alpha"), futuresVenue("beta"), futuresVenue("gamma")}, config.LaggingConfig{})

	// 88 pairs on alpha/beta, 12 on alpha/gamma.
	var pairs []domain.ArbitragePair
	seed := func(sym string, a, b domain.VenueID) {
		pair := domain.NewArbitragePair(sym, a, b)
		pairs = append(pairs, pair)
		h.tickers.Put(domain.Ticker{
			Symbol:         sym,
			Venues:         domain.VenueSet{CEXFutures: []domain.VenueID{a, b}},
			ArbitragePairs: []domain.ArbitragePair{pair},
			IsValid:        true,
		})
		for _, id := range []domain.VenueID{a, b} {
			h.adapters[id].SetQuote(sym, domain.Quote{Bid: dec("99.9"), Ask: dec("100.1")})
		}
	}
	for i := 0; i < 88; i++ {
		seed(fmt.Sprintf("AAA%02d", i), "alpha", "beta")
	}
	for i := 0; i < 12; i++ {
		seed(fmt.Sprintf("GGG%02d", i), "alpha", "gamma")
	}
	require.Len(t, pairs, 100)

	// gamma times out for all three retry attempts this tick.
	h.adapters["gamma"].FailNext("tickers", venue.NewTransient("gamma", "tickers", errors.New("timeout")), 3)

	ctx := context.Background()
	require.NoError(t, h.pipe.MonitorTick(ctx), "tick survives the outage")

	h.pipe.mu.Lock()
	ranked := len(h.pipe.ranked)
	h.pipe.mu.Unlock()
	assert.Equal(t, 88, ranked, "gamma pairs skipped, not failed")

	// Next tick retries all 100.
	require.NoError(t, h.pipe.MonitorTick(ctx))
	h.pipe.mu.Lock()
	ranked = len(h.pipe.ranked)
	h.pipe.mu.Unlock()
	assert.Equal(t, 100, ranked)
}

func TestLoadSettingsRuntimeOverrides(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	require.NoError(t, kv.HashSet(ctx, store.KeySettings, "min_spread_pct", "2.5"))
	require.NoError(t, kv.HashSet(ctx, store.KeySettings, "alert_cooldown_seconds", "600"))

	file := config.DefaultSettingsFile()
	settings, err := loadSettings(ctx, &file, kv)
	require.NoError(t, err)

	assert.True(t, settings.MinSpreadPct.Equal(dec("2.5")), "runtime value wins over file")
	assert.Equal(t, 600, settings.AlertCooldownSeconds)
	assert.True(t, settings.MaxSpreadPct.Equal(dec("50")), "untouched keys keep file values")
}

func TestLoadSettingsRejectsBadRuntimeValue(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	require.NoError(t, kv.HashSet(ctx, store.KeySettings, "min_spread_pct", "wide"))

	file := config.DefaultSettingsFile()
	_, err := loadSettings(ctx, &file, kv)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNoShortableSideNeverEmits(t *testing.T) {
	h := newHarness(t, []domain.Venue{dexVenue("jupiter"), dexVenue("raydium")}, config.LaggingConfig{})
	pair := domain.NewArbitragePair("BTC", "jupiter", "raydium")
	h.tickers.Put(domain.Ticker{
		Symbol:         "BTC",
		Venues:         domain.VenueSet{DEXSpot: []domain.VenueID{"jupiter", "raydium"}},
		ArbitragePairs: []domain.ArbitragePair{pair},
		IsValid:        true,
	})
	seedArbBooks(h.adapters["jupiter"], h.adapters["raydium"])
	h.adapters["raydium"].SetQuote("BTC", domain.Quote{Bid: dec("52500"), Ask: dec("52510")})

	ctx := context.Background()
	require.NoError(t, h.pipe.MonitorTick(ctx))
	require.NoError(t, h.pipe.AnalysisTick(ctx))

	assert.Equal(t, 0, h.messenger.count())
	stored := h.signals.all()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Passed)
	assert.Contains(t, stored[0].FailureReasons(), safety.CheckDirectionValidity)
}
