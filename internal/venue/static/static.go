// Package static provides a fixture venue backed by in-memory quotes and
// order books. The simulator and package tests drive the pipeline with it:
// quotes, books, latencies, and scripted failures are all settable.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

// Adapter is an in-memory venue. Safe for concurrent use.
type Adapter struct {
	mu       sync.Mutex
	meta     domain.Venue
	quotes   map[string]domain.Quote
	books    map[string]domain.OrderBook
	funding  map[string]domain.FundingRate
	failures map[string][]error // op -> queued errors, consumed one per call
	latency  time.Duration
	calls    map[string]int
}

// New returns a fixture adapter for the given venue metadata.
func New(meta domain.Venue) *Adapter {
	return &Adapter{
		meta:     meta,
		quotes:   make(map[string]domain.Quote),
		books:    make(map[string]domain.OrderBook),
		funding:  make(map[string]domain.FundingRate),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetQuote installs the quote returned for a symbol. ReceivedAtMs and
// VenueID are filled in if unset.
func (a *Adapter) SetQuote(symbol string, q domain.Quote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q.VenueID == "" {
		q.VenueID = a.meta.ID
	}
	if q.Symbol == "" {
		q.Symbol = domain.NormalizeSymbol(symbol)
	}
	if q.ReceivedAtMs == 0 {
		q.ReceivedAtMs = time.Now().UnixMilli()
	}
	a.quotes[domain.NormalizeSymbol(symbol)] = q
}

// SetBook installs the order book returned for a symbol.
func (a *Adapter) SetBook(symbol string, book domain.OrderBook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if book.VenueID == "" {
		book.VenueID = a.meta.ID
	}
	if book.Symbol == "" {
		book.Symbol = domain.NormalizeSymbol(symbol)
	}
	a.books[domain.NormalizeSymbol(symbol)] = book
}

// SetFunding installs the funding rate returned for a symbol.
func (a *Adapter) SetFunding(symbol string, f domain.FundingRate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f.VenueID == "" {
		f.VenueID = a.meta.ID
	}
	a.funding[domain.NormalizeSymbol(symbol)] = f
}

// FailNext queues n copies of err for the named op ("ticker", "tickers",
// "orderbook", "markets", "funding"); each call consumes one.
func (a *Adapter) FailNext(op string, err error, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.failures[op] = append(a.failures[op], err)
	}
}

// SetLatency makes every call sleep d before responding.
func (a *Adapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// Calls returns how many times op was invoked.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *Adapter) begin(op string) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[op]++
	if queue := a.failures[op]; len(queue) > 0 {
		err := queue[0]
		a.failures[op] = queue[1:]
		return 0, err
	}
	return a.latency, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Venue implements venue.Adapter.
func (a *Adapter) Venue() domain.Venue { return a.meta }

// Markets lists one trading market per installed quote.
func (a *Adapter) Markets(ctx context.Context) ([]domain.Market, error) {
	lat, err := a.begin("markets")
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, lat); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Market, 0, len(a.quotes))
	for sym := range a.quotes {
		out = append(out, domain.Market{Symbol: sym, Base: sym, Quote: "USDT", Status: "trading"})
	}
	return out, nil
}

// Ticker returns the installed quote with latency applied.
func (a *Adapter) Ticker(ctx context.Context, symbol string) (domain.Quote, error) {
	lat, err := a.begin("ticker")
	if err != nil {
		return domain.Quote{}, err
	}
	if err := sleep(ctx, lat); err != nil {
		return domain.Quote{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.quotes[domain.NormalizeSymbol(symbol)]
	if !ok {
		return domain.Quote{}, venue.NewPermanent(a.meta.ID, "ticker", fmt.Errorf("symbol %s not listed", symbol))
	}
	return q, nil
}

// Tickers returns installed quotes for the requested symbols (all when nil).
func (a *Adapter) Tickers(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	lat, err := a.begin("tickers")
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, lat); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]domain.Quote)
	if symbols == nil {
		for sym, q := range a.quotes {
			out[sym] = q
		}
		return out, nil
	}
	for _, sym := range symbols {
		if q, ok := a.quotes[domain.NormalizeSymbol(sym)]; ok {
			out[domain.NormalizeSymbol(sym)] = q
		}
	}
	return out, nil
}

// OrderBook returns the installed book truncated to depth levels per side.
func (a *Adapter) OrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	lat, err := a.begin("orderbook")
	if err != nil {
		return domain.OrderBook{}, err
	}
	if err := sleep(ctx, lat); err != nil {
		return domain.OrderBook{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	book, ok := a.books[domain.NormalizeSymbol(symbol)]
	if !ok {
		return domain.OrderBook{}, venue.NewPermanent(a.meta.ID, "orderbook", fmt.Errorf("no book for %s", symbol))
	}
	if depth > 0 {
		if len(book.Bids) > depth {
			book.Bids = book.Bids[:depth]
		}
		if len(book.Asks) > depth {
			book.Asks = book.Asks[:depth]
		}
	}
	if book.Timing.ResponseAtMs == 0 {
		now := time.Now()
		book.Timing = domain.NewTiming(now.Add(-lat), now)
	}
	return book, nil
}

// FundingRate implements venue.FundingProvider when funding data is set.
func (a *Adapter) FundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	lat, err := a.begin("funding")
	if err != nil {
		return domain.FundingRate{}, err
	}
	if err := sleep(ctx, lat); err != nil {
		return domain.FundingRate{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.funding[domain.NormalizeSymbol(symbol)]
	if !ok {
		return domain.FundingRate{}, venue.NewPermanent(a.meta.ID, "funding", fmt.Errorf("no funding for %s", symbol))
	}
	return f, nil
}
