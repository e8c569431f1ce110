package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
	"github.com/sawpanic/crossarb/internal/venue/static"
)

func TestGeneratePairs(t *testing.T) {
	ticker := domain.Ticker{
		Symbol: "BTC",
		Venues: domain.VenueSet{
			CEXFutures: []domain.VenueID{"bybit_linear"},
			CEXSpot:    []domain.VenueID{"binance_spot", "kraken_spot"},
		},
	}
	shortable := func(id domain.VenueID) bool { return id == "bybit_linear" }

	pairs := GeneratePairs(ticker, shortable)
	require.Len(t, pairs, 2, "spot-spot pair has no shortable side and is discarded")

	ids := []string{pairs[0].PairID, pairs[1].PairID}
	assert.Equal(t, []string{"BTC|binance_spot|bybit_linear", "BTC|bybit_linear|kraken_spot"}, ids)
}

func TestGeneratePairsDeduplicatesVenues(t *testing.T) {
	ticker := domain.Ticker{
		Symbol: "ETH",
		Venues: domain.VenueSet{
			CEXFutures: []domain.VenueID{"bybit_linear", "bybit_linear"},
			CEXSpot:    []domain.VenueID{"binance_spot"},
		},
	}
	pairs := GeneratePairs(ticker, func(domain.VenueID) bool { return true })
	require.Len(t, pairs, 1)
	assert.Equal(t, "ETH|binance_spot|bybit_linear", pairs[0].PairID)
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := New()
	r.Put(domain.Ticker{Symbol: "btc", IsValid: true, ArbitragePairs: []domain.ArbitragePair{
		domain.NewArbitragePair("BTC", "a", "b"),
	}})
	r.Put(domain.Ticker{Symbol: "ETH", IsValid: false})

	got, ok := r.Get("BTC")
	require.True(t, ok, "symbols are normalized on Put and Get")
	assert.Equal(t, "BTC", got.Symbol)

	assert.Equal(t, []string{"BTC", "ETH"}, r.Symbols())
	assert.Equal(t, 2, r.Len())

	pairs := r.AllPairs()
	require.Len(t, pairs, 1, "invalid tickers contribute no pairs")
	assert.Equal(t, "BTC|a|b", pairs[0].PairID)

	r.Remove("btc")
	_, ok = r.Get("BTC")
	assert.False(t, ok)
}

func newStaticVenue(id string, vt domain.VenueType, symbols ...string) *static.Adapter {
	a := static.New(domain.Venue{ID: domain.VenueID(id), Type: vt, Active: true})
	for _, sym := range symbols {
		a.SetQuote(sym, domain.Quote{
			Bid: decimal.NewFromInt(100),
			Ask: decimal.NewFromInt(101),
		})
	}
	return a
}

func TestDiscoveryBuildsTickers(t *testing.T) {
	venues := venue.NewRegistry()
	require.NoError(t, venues.Register(newStaticVenue("binance_spot", domain.VenueCEXSpot, "BTC", "ETH", "SOL")))
	require.NoError(t, venues.Register(newStaticVenue("bybit_linear", domain.VenueCEXFutures, "BTC", "ETH")))

	reg := New()
	disc := NewDiscovery(venues, reg, config.SymbolsConfig{})

	valid, err := disc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, valid)

	btc, ok := reg.Get("BTC")
	require.True(t, ok)
	assert.True(t, btc.IsValid)
	require.Len(t, btc.ArbitragePairs, 1)
	assert.Equal(t, "BTC|binance_spot|bybit_linear", btc.ArbitragePairs[0].PairID)
	assert.True(t, btc.Shortable())

	sol, ok := reg.Get("SOL")
	require.True(t, ok)
	assert.False(t, sol.IsValid, "single-venue listing cannot form a pair")
	assert.NotEmpty(t, sol.ValidationErrors)
}

func TestDiscoveryNoShortableSide(t *testing.T) {
	venues := venue.NewRegistry()
	require.NoError(t, venues.Register(newStaticVenue("binance_spot", domain.VenueCEXSpot, "BTC")))
	require.NoError(t, venues.Register(newStaticVenue("kraken_spot", domain.VenueCEXSpot, "BTC")))

	reg := New()
	_, err := NewDiscovery(venues, reg, config.SymbolsConfig{}).Run(context.Background())
	require.NoError(t, err)

	btc, ok := reg.Get("BTC")
	require.True(t, ok)
	assert.False(t, btc.IsValid)
	assert.Contains(t, btc.ValidationErrors[0], "shortable")
	assert.Empty(t, reg.AllPairs())
}

func TestDiscoveryVenueListingFailureDegrades(t *testing.T) {
	failing := newStaticVenue("binance_spot", domain.VenueCEXSpot, "BTC")
	failing.FailNext("markets", errors.New("503"), 1)

	venues := venue.NewRegistry()
	require.NoError(t, venues.Register(failing))
	require.NoError(t, venues.Register(newStaticVenue("bybit_linear", domain.VenueCEXFutures, "BTC")))

	reg := New()
	valid, err := NewDiscovery(venues, reg, config.SymbolsConfig{}).Run(context.Background())
	require.NoError(t, err, "one venue down must not abort discovery")
	assert.Equal(t, 0, valid, "BTC is single-venue this round")

	btc, ok := reg.Get("BTC")
	require.True(t, ok)
	assert.False(t, btc.IsValid)
}

func TestDiscoveryAllListingsFail(t *testing.T) {
	a := newStaticVenue("binance_spot", domain.VenueCEXSpot, "BTC")
	a.FailNext("markets", errors.New("503"), 1)

	venues := venue.NewRegistry()
	require.NoError(t, venues.Register(a))

	_, err := NewDiscovery(venues, New(), config.SymbolsConfig{}).Run(context.Background())
	assert.Error(t, err)
}

func TestDiscoveryStaticUniverse(t *testing.T) {
	venues := venue.NewRegistry()
	require.NoError(t, venues.Register(newStaticVenue("binance_spot", domain.VenueCEXSpot, "BTC", "ETH")))
	require.NoError(t, venues.Register(newStaticVenue("bybit_linear", domain.VenueCEXFutures, "BTC", "ETH")))

	reg := New()
	cfg := config.SymbolsConfig{Static: []string{"btc"}}
	valid, err := NewDiscovery(venues, reg, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, valid)

	assert.Equal(t, []string{"BTC"}, reg.Symbols(), "universe restricted to the seed list")
}
