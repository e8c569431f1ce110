package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

func newTestClient(t *testing.T, category Category, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Category: category})
}

func TestLinearTickerCarriesMark(t *testing.T) {
	c := newTestClient(t, CategoryLinear, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
			{"symbol":"BTCUSDT","bid1Price":"52500.5","ask1Price":"52501.0","markPrice":"52500.7","turnover24h":"1000000"}
		]}}`))
	})

	q, err := c.Ticker(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "bybit_futures", string(q.VenueID))
	assert.Equal(t, "52500.5", q.Bid.String())
	assert.Equal(t, "52500.7", q.Mark.String())
	assert.Equal(t, "1000000", q.Volume24hUSD.String())
}

func TestVenueTypeFollowsCategory(t *testing.T) {
	spot := New(Config{Category: CategorySpot})
	linear := New(Config{Category: CategoryLinear})

	assert.Equal(t, domain.VenueCEXSpot, spot.Venue().Type)
	assert.False(t, spot.Venue().Shortable())
	assert.Equal(t, domain.VenueCEXFutures, linear.Venue().Type)
	assert.True(t, linear.Venue().Shortable())
}

func TestRetCodeMapsToErrorKind(t *testing.T) {
	retCode := "10006"
	c := newTestClient(t, CategorySpot, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":` + retCode + `,"retMsg":"rate limited","result":{}}`))
	})

	_, err := c.Ticker(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, venue.IsTransient(err), "retCode 10006 is Bybit's throttle")

	retCode = "10001"
	_, err = c.Ticker(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, venue.IsPermanent(err))
}

func TestOrderBookParsesCompactKeys(t *testing.T) {
	c := newTestClient(t, CategorySpot, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/orderbook", r.URL.Path)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{
			"s":"BTCUSDT",
			"b":[["50000","1"],["49990","2"]],
			"a":[["50010","1"],["50020","2"]],
			"ts":1700000000000
		}}`))
	})

	book, err := c.OrderBook(context.Background(), "BTC", 2)
	require.NoError(t, err)

	require.Len(t, book.Bids, 2)
	assert.Equal(t, "50000", book.Bids[0].Price.String())
	assert.Equal(t, "BTC", book.Symbol)
	require.NoError(t, book.Validate())
}

func TestFundingRateSpotRejected(t *testing.T) {
	spot := New(Config{Category: CategorySpot})

	_, err := spot.FundingRate(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, venue.IsPermanent(err))
}

func TestFundingRateLinear(t *testing.T) {
	c := newTestClient(t, CategoryLinear, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
			{"symbol":"BTCUSDT","bid1Price":"50000","ask1Price":"50001","fundingRate":"0.0001","nextFundingTime":"1700003600000"}
		]}}`))
	})

	f, err := c.FundingRate(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "BTC", f.Symbol)
	assert.Equal(t, "0.01", f.RatePct.String(), "rate is reported as a fraction, stored as percent")
	assert.Equal(t, int64(1700003600000), f.NextFundingMs)
}
