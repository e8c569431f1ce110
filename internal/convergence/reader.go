package convergence

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/calc"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

// AdapterLegReader reads legs straight from the venue adapters. The
// convergence loop runs on a minutes cadence over a handful of open records,
// so it goes to the venues directly instead of through the fetch pool.
type AdapterLegReader struct {
	venues         *venue.Registry
	retry          venue.RetryPolicy
	bookDepth      int
	maxSlippagePct decimal.Decimal
}

// NewAdapterLegReader wires a reader against the adapter registry.
func NewAdapterLegReader(venues *venue.Registry, retry venue.RetryPolicy, bookDepth int, maxSlippagePct decimal.Decimal) *AdapterLegReader {
	if bookDepth <= 0 {
		bookDepth = 50
	}
	return &AdapterLegReader{
		venues:         venues,
		retry:          retry,
		bookDepth:      bookDepth,
		maxSlippagePct: maxSlippagePct,
	}
}

// ReadLeg fetches the current quote and the USD depth within the slippage
// bound on the given book side.
func (r *AdapterLegReader) ReadLeg(ctx context.Context, venueID domain.VenueID, symbol string, side domain.Side) (domain.Quote, decimal.Decimal, error) {
	adapter, ok := r.venues.Get(venueID)
	if !ok {
		return domain.Quote{}, decimal.Zero, fmt.Errorf("venue %s not registered", venueID)
	}

	var quote domain.Quote
	err := venue.Retry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		quote, err = adapter.Ticker(ctx, symbol)
		return err
	})
	if err != nil {
		return domain.Quote{}, decimal.Zero, err
	}

	var book domain.OrderBook
	err = venue.Retry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		book, err = adapter.OrderBook(ctx, symbol, r.bookDepth)
		return err
	})
	if err != nil {
		return domain.Quote{}, decimal.Zero, err
	}
	if err := book.Validate(); err != nil {
		return domain.Quote{}, decimal.Zero, venue.NewIntegrity(venueID, "orderbook", err)
	}

	depth := calc.DepthWithinSlippage(book, side, r.maxSlippagePct)
	return quote, depth.TotalUSD, nil
}
