// Package venue defines the adapter contract every exchange integration
// implements, the venue error taxonomy, and the shared retry policy.
// Adapters decode venue-native payloads into domain types at this boundary
// so the rest of the pipeline sees one shape.
package venue

import (
	"context"

	"github.com/sawpanic/crossarb/internal/domain"
)

// Adapter is the uniform facade over one venue's market-data API. All
// returned records carry decimal-typed prices and a Timing envelope.
// Implementations must be safe for concurrent use; the fetcher serializes
// calls per venue but health probes run concurrently.
type Adapter interface {
	// Venue returns the static metadata for this venue.
	Venue() domain.Venue

	// Markets lists instruments currently listed on the venue.
	Markets(ctx context.Context) ([]domain.Market, error)

	// Ticker returns the top-of-book quote for one base symbol.
	Ticker(ctx context.Context, symbol string) (domain.Quote, error)

	// Tickers returns quotes for the given base symbols; a nil slice means
	// all symbols the venue serves in one call. Missing symbols are absent
	// from the result, not errors.
	Tickers(ctx context.Context, symbols []string) (map[string]domain.Quote, error)

	// OrderBook returns up to depth levels per side for one base symbol.
	OrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error)
}

// FundingProvider is implemented by perpetual venues in addition to Adapter.
type FundingProvider interface {
	FundingRate(ctx context.Context, symbol string) (domain.FundingRate, error)
}
