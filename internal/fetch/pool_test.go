package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
	"github.com/sawpanic/crossarb/internal/venue/static"
)

func fastCfg() config.FetcherConfig {
	return config.FetcherConfig{
		MaxParallelVenues: 4,
		BookDepth:         10,
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Multiplier:     2.0,
		},
		Breaker: config.BreakerConfig{
			ConsecutiveFailures: 2,
			OpenTimeout:         time.Minute,
		},
	}
}

func quoteVenue(t *testing.T, reg *venue.Registry, id string, symbols ...string) *static.Adapter {
	t.Helper()
	a := static.New(domain.Venue{ID: domain.VenueID(id), Type: domain.VenueCEXSpot, Active: true})
	for _, sym := range symbols {
		a.SetQuote(sym, domain.Quote{
			Bid: decimal.NewFromInt(100),
			Ask: decimal.NewFromInt(101),
		})
	}
	require.NoError(t, reg.Register(a))
	return a
}

func pairsFor(symbols ...string) []domain.ArbitragePair {
	out := make([]domain.ArbitragePair, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, domain.NewArbitragePair(s, "venue_a", "venue_b"))
	}
	return out
}

func TestQuotesOneBatchPerVenue(t *testing.T) {
	reg := venue.NewRegistry()
	a := quoteVenue(t, reg, "venue_a", "BTC", "ETH")
	b := quoteVenue(t, reg, "venue_b", "BTC", "ETH")

	pool := NewPool(reg, fastCfg(), nil)
	snap, failures := pool.Quotes(context.Background(), pairsFor("BTC", "ETH"))

	assert.Empty(t, failures)
	assert.Equal(t, 4, snap.QuoteCount())
	assert.Equal(t, 1, a.Calls("tickers"), "all symbols for a venue go in one batch")
	assert.Equal(t, 1, b.Calls("tickers"))

	q, ok := snap.Quote("venue_a", "BTC")
	require.True(t, ok)
	assert.Equal(t, domain.VenueID("venue_a"), q.VenueID)
}

func TestQuotesPartialVenueFailure(t *testing.T) {
	reg := venue.NewRegistry()
	quoteVenue(t, reg, "venue_a", "BTC")
	b := quoteVenue(t, reg, "venue_b", "BTC")
	b.FailNext("tickers", venue.NewTransient("venue_b", "tickers", errors.New("502")), 3)

	pool := NewPool(reg, fastCfg(), nil)
	snap, failures := pool.Quotes(context.Background(), pairsFor("BTC"))

	require.Contains(t, failures, domain.VenueID("venue_b"))
	assert.Equal(t, 1, snap.QuoteCount(), "healthy venue still lands")
	assert.Equal(t, 3, b.Calls("tickers"), "transient failures retried to the attempt cap")

	// Next tick: the failure queue is drained, the venue recovers.
	snap, failures = pool.Quotes(context.Background(), pairsFor("BTC"))
	assert.Empty(t, failures)
	assert.Equal(t, 2, snap.QuoteCount())
}

func TestQuotesPermanentFailureNotRetried(t *testing.T) {
	reg := venue.NewRegistry()
	quoteVenue(t, reg, "venue_a", "BTC")
	b := quoteVenue(t, reg, "venue_b", "BTC")
	b.FailNext("tickers", venue.NewPermanent("venue_b", "tickers", errors.New("410 gone")), 1)

	pool := NewPool(reg, fastCfg(), nil)
	_, failures := pool.Quotes(context.Background(), pairsFor("BTC"))

	require.Contains(t, failures, domain.VenueID("venue_b"))
	assert.Equal(t, 1, b.Calls("tickers"))
}

func TestBreakerSkipsVenueAfterConsecutiveFailures(t *testing.T) {
	reg := venue.NewRegistry()
	quoteVenue(t, reg, "venue_a", "BTC")
	b := quoteVenue(t, reg, "venue_b", "BTC")
	b.FailNext("tickers", venue.NewTransient("venue_b", "tickers", errors.New("502")), 100)

	pool := NewPool(reg, fastCfg(), nil)

	// Two failed batches trip the breaker (3 retried calls each).
	pool.Quotes(context.Background(), pairsFor("BTC"))
	pool.Quotes(context.Background(), pairsFor("BTC"))
	require.Equal(t, 6, b.Calls("tickers"))
	require.True(t, pool.breakers.Open("venue_b"))

	// Third tick fails fast without touching the adapter.
	_, failures := pool.Quotes(context.Background(), pairsFor("BTC"))
	require.Contains(t, failures, domain.VenueID("venue_b"))
	assert.Equal(t, 6, b.Calls("tickers"))
}

func TestBooksSequentialWithinVenue(t *testing.T) {
	reg := venue.NewRegistry()
	a := quoteVenue(t, reg, "venue_a")
	for _, sym := range []string{"BTC", "ETH", "SOL"} {
		a.SetBook(sym, domain.OrderBook{
			Bids: []domain.BookLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
			Asks: []domain.BookLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
		})
	}

	pool := NewPool(reg, fastCfg(), nil)
	reqs := []BookRequest{
		{Venue: "venue_a", Symbol: "BTC"},
		{Venue: "venue_a", Symbol: "ETH"},
		{Venue: "venue_a", Symbol: "SOL"},
		{Venue: "venue_a", Symbol: "BTC"}, // duplicate collapses
	}
	snap, failures := pool.Books(context.Background(), reqs)

	assert.Empty(t, failures)
	assert.Equal(t, 3, snap.BookCount())
	assert.Equal(t, 3, a.Calls("orderbook"))

	book, ok := snap.Book("venue_a", "ETH")
	require.True(t, ok)
	assert.Equal(t, domain.VenueID("venue_a"), book.VenueID)
}

func TestBooksUnknownVenue(t *testing.T) {
	pool := NewPool(venue.NewRegistry(), fastCfg(), nil)
	snap, failures := pool.Books(context.Background(), []BookRequest{{Venue: "ghost", Symbol: "BTC"}})
	assert.Equal(t, 0, snap.BookCount())
	assert.Contains(t, failures, domain.VenueID("ghost"))
}

func TestCompletable(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot()
	fresh := domain.Quote{VenueID: "venue_a", Symbol: "BTC", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101), ReceivedAtMs: now.UnixMilli()}
	stale := domain.Quote{VenueID: "venue_b", Symbol: "BTC", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101), ReceivedAtMs: now.Add(-30 * time.Second).UnixMilli()}
	snap.putQuote(fresh)
	snap.putQuote(stale)

	ethA := fresh
	ethA.Symbol = "ETH"
	ethB := fresh
	ethB.Symbol = "ETH"
	ethB.VenueID = "venue_b"
	snap.putQuote(ethA)
	snap.putQuote(ethB)

	pairs := []domain.ArbitragePair{
		domain.NewArbitragePair("BTC", "venue_a", "venue_b"), // one side stale
		domain.NewArbitragePair("ETH", "venue_a", "venue_b"), // both fresh
		domain.NewArbitragePair("SOL", "venue_a", "venue_b"), // missing entirely
	}

	got := Completable(pairs, snap, 10*time.Second, now)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Symbol)
}

func TestLimiterBurstAndFallback(t *testing.T) {
	limits := map[domain.VenueID]config.RateLimitConfig{
		"venue_a": {RPS: 0.001, Burst: 1},
	}
	l := NewLimiter(limits, config.RateLimitConfig{RPS: 1000, Burst: 2})

	assert.True(t, l.Allow("venue_a"))
	assert.False(t, l.Allow("venue_a"), "burst of one is spent")

	// Unknown venue falls back to the default bucket.
	assert.True(t, l.Allow("venue_x"))
	assert.True(t, l.Allow("venue_x"))
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(map[domain.VenueID]config.RateLimitConfig{
		"venue_a": {RPS: 0.001, Burst: 1},
	}, config.RateLimitConfig{})

	require.NoError(t, l.Wait(context.Background(), "venue_a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "venue_a")
	assert.Error(t, err, "second token would take 1000s, ctx must cut it short")
}
