package venue

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/domain"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2.0}
}

func TestRetryTransientExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return NewTransient("binance_spot", "ticker", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "transient failures retry up to max attempts")
	assert.True(t, IsTransient(err))
}

func TestRetryPermanentFailsFast(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return NewPermanent("binance_spot", "ticker", errors.New("unknown symbol"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failures must not be retried")
	assert.True(t, IsPermanent(err))
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransient("bybit_spot", "orderbook", errors.New("502"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Minute}, func(ctx context.Context) error {
		return NewTransient("bybit_spot", "ticker", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusNotFound, KindPermanent},
		{http.StatusBadRequest, KindPermanent},
	}
	for _, tc := range cases {
		err := FromHTTPStatus("binance_spot", "depth", tc.status, "body")
		assert.Equal(t, tc.kind, err.Kind, "status %d", tc.status)
	}
}

func TestClassifyWrappedAndUnknownErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), NewIntegrity("v", "book", errors.New("crossed")))
	assert.Equal(t, KindIntegrity, Classify(wrapped))

	assert.Equal(t, KindTransient, Classify(errors.New("mystery")), "unknown errors default to transient")
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
}

type stubAdapter struct {
	venue domain.Venue
}

func (s stubAdapter) Venue() domain.Venue { return s.venue }
func (s stubAdapter) Markets(context.Context) ([]domain.Market, error) {
	return nil, nil
}
func (s stubAdapter) Ticker(context.Context, string) (domain.Quote, error) {
	return domain.Quote{}, nil
}
func (s stubAdapter) Tickers(context.Context, []string) (map[string]domain.Quote, error) {
	return nil, nil
}
func (s stubAdapter) OrderBook(context.Context, string, int) (domain.OrderBook, error) {
	return domain.OrderBook{}, nil
}

func TestRegistryRegisterAndCapabilities(t *testing.T) {
	reg := NewRegistry()

	spot := stubAdapter{venue: domain.Venue{ID: "binance_spot", Type: domain.VenueCEXSpot, Active: true}}
	futs := stubAdapter{venue: domain.Venue{ID: "bybit_futures", Type: domain.VenueCEXFutures, Active: true}}

	require.NoError(t, reg.Register(spot))
	require.NoError(t, reg.Register(futs))
	assert.Error(t, reg.Register(spot), "duplicate registration must fail")

	caps, ok := reg.Capabilities("bybit_futures")
	require.True(t, ok)
	assert.True(t, caps.Shortable)
	assert.True(t, caps.Quotes)
	assert.False(t, caps.Funding, "stub does not implement FundingProvider")

	caps, ok = reg.Capabilities("binance_spot")
	require.True(t, ok)
	assert.False(t, caps.Shortable)

	assert.Equal(t, []domain.VenueID{"binance_spot", "bybit_futures"}, reg.Active())
}
