// Package fetch fans one tick's work out across venue adapters: one batch
// per venue, venues concurrent, requests within a venue sequential, all of
// it behind per-venue token buckets and circuit breakers. Partial failure is
// the norm; a venue that errors out contributes nothing this tick and the
// next tick retries it.
package fetch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

var errVenueUnknown = errors.New("venue not registered")

// BookRequest names one order book to fetch.
type BookRequest struct {
	Venue  domain.VenueID
	Symbol string
}

// Pool coordinates the per-tick fan-out.
type Pool struct {
	venues   *venue.Registry
	limiter  *Limiter
	breakers *Breakers
	retry    venue.RetryPolicy
	cfg      config.FetcherConfig
	sem      chan struct{}
}

// NewPool wires the fan-out against the adapter registry. limits carries the
// per-venue token bucket configs.
func NewPool(venues *venue.Registry, cfg config.FetcherConfig, limits map[domain.VenueID]config.RateLimitConfig) *Pool {
	if cfg.MaxParallelVenues <= 0 {
		cfg.MaxParallelVenues = 16
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 50
	}
	policy := venue.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		JitterFactor:   0.1,
	}
	if policy.MaxAttempts <= 0 {
		policy = venue.DefaultRetryPolicy()
	}
	return &Pool{
		venues:   venues,
		limiter:  NewLimiter(limits, config.RateLimitConfig{}),
		breakers: NewBreakers(cfg.Breaker),
		retry:    policy,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxParallelVenues),
	}
}

// Quotes fetches one quote batch per venue covering every symbol the given
// pairs need. The returned map carries the venues that failed this tick.
func (p *Pool) Quotes(ctx context.Context, pairs []domain.ArbitragePair) (*Snapshot, map[domain.VenueID]error) {
	bySymbols := make(map[domain.VenueID]map[string]bool)
	for _, pair := range pairs {
		for _, v := range []domain.VenueID{pair.VenueA, pair.VenueB} {
			if bySymbols[v] == nil {
				bySymbols[v] = make(map[string]bool)
			}
			bySymbols[v][pair.Symbol] = true
		}
	}

	snap := NewSnapshot()
	failures := newFailureMap()
	var wg sync.WaitGroup

	for venueID, symbolSet := range bySymbols {
		symbols := make([]string, 0, len(symbolSet))
		for s := range symbolSet {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)

		wg.Add(1)
		go func(venueID domain.VenueID, symbols []string) {
			defer wg.Done()
			p.sem <- struct{}{}
			defer func() { <-p.sem }()

			quotes, err := p.fetchQuoteBatch(ctx, venueID, symbols)
			if err != nil {
				failures.set(venueID, err)
				log.Warn().Err(err).Str("venue", string(venueID)).Msg("Quote batch failed, venue skipped this tick")
				return
			}
			for _, q := range quotes {
				snap.putQuote(q)
			}
		}(venueID, symbols)
	}
	wg.Wait()
	return snap, failures.m
}

func (p *Pool) fetchQuoteBatch(ctx context.Context, venueID domain.VenueID, symbols []string) (map[string]domain.Quote, error) {
	adapter, ok := p.venues.Get(venueID)
	if !ok {
		return nil, venue.NewPermanent(venueID, "tickers", errVenueUnknown)
	}

	res, err := p.breakers.Execute(venueID, func() (interface{}, error) {
		var quotes map[string]domain.Quote
		err := venue.Retry(ctx, p.retry, func(ctx context.Context) error {
			if err := p.limiter.Wait(ctx, venueID); err != nil {
				return err
			}
			var err error
			quotes, err = adapter.Tickers(ctx, symbols)
			return err
		})
		return quotes, err
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]domain.Quote), nil
}

// Books fetches the requested order books, grouped by venue: venues run
// concurrently, books within a venue sequentially.
func (p *Pool) Books(ctx context.Context, reqs []BookRequest) (*Snapshot, map[domain.VenueID]error) {
	byVenue := make(map[domain.VenueID][]string)
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		key := domain.SnapshotKey(r.Venue, r.Symbol)
		if seen[key] {
			continue
		}
		seen[key] = true
		byVenue[r.Venue] = append(byVenue[r.Venue], domain.NormalizeSymbol(r.Symbol))
	}

	snap := NewSnapshot()
	failures := newFailureMap()
	var wg sync.WaitGroup

	for venueID, symbols := range byVenue {
		sort.Strings(symbols)

		wg.Add(1)
		go func(venueID domain.VenueID, symbols []string) {
			defer wg.Done()
			p.sem <- struct{}{}
			defer func() { <-p.sem }()

			adapter, ok := p.venues.Get(venueID)
			if !ok {
				failures.set(venueID, venue.NewPermanent(venueID, "orderbook", errVenueUnknown))
				return
			}

			for _, symbol := range symbols {
				book, err := p.fetchBook(ctx, venueID, adapter, symbol)
				if err != nil {
					failures.set(venueID, err)
					log.Warn().Err(err).
						Str("venue", string(venueID)).
						Str("symbol", symbol).
						Msg("Order book fetch failed")
					continue
				}
				snap.putBook(book)
			}
		}(venueID, symbols)
	}
	wg.Wait()
	return snap, failures.m
}

func (p *Pool) fetchBook(ctx context.Context, venueID domain.VenueID, adapter venue.Adapter, symbol string) (domain.OrderBook, error) {
	res, err := p.breakers.Execute(venueID, func() (interface{}, error) {
		var book domain.OrderBook
		err := venue.Retry(ctx, p.retry, func(ctx context.Context) error {
			if err := p.limiter.Wait(ctx, venueID); err != nil {
				return err
			}
			var err error
			book, err = adapter.OrderBook(ctx, symbol, p.cfg.BookDepth)
			return err
		})
		return book, err
	})
	if err != nil {
		return domain.OrderBook{}, err
	}
	return res.(domain.OrderBook), nil
}

// failureMap is a mutex-guarded venue->error map filled from the fan-out
// goroutines. Only the last error per venue is kept.
type failureMap struct {
	mu sync.Mutex
	m  map[domain.VenueID]error
}

func newFailureMap() *failureMap {
	return &failureMap{m: make(map[domain.VenueID]error)}
}

func (f *failureMap) set(venue domain.VenueID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[venue] = err
}
