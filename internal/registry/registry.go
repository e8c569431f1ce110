// Package registry maintains the canonical ticker set and enumerates the
// arbitrage pairs the monitor loop works through. Tickers are rewritten
// atomically per symbol by the discovery job; everything else only reads.
package registry

import (
	"sort"
	"sync"

	"github.com/sawpanic/crossarb/internal/domain"
)

// Registry is the read-mostly ticker store.
type Registry struct {
	mu      sync.RWMutex
	tickers map[string]domain.Ticker
}

func New() *Registry {
	return &Registry{tickers: make(map[string]domain.Ticker)}
}

// Put replaces the ticker for its symbol in one step.
func (r *Registry) Put(t domain.Ticker) {
	sym := domain.NormalizeSymbol(t.Symbol)
	t.Symbol = sym
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickers[sym] = t
}

// Get returns the ticker for a symbol.
func (r *Registry) Get(symbol string) (domain.Ticker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickers[domain.NormalizeSymbol(symbol)]
	return t, ok
}

// Remove drops a symbol from the registry.
func (r *Registry) Remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tickers, domain.NormalizeSymbol(symbol))
}

// Symbols returns all known symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tickers))
	for s := range r.tickers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AllPairs returns every pair of every valid ticker, sorted by pair ID.
func (r *Registry) AllPairs() []domain.ArbitragePair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ArbitragePair
	for _, t := range r.tickers {
		if !t.IsValid {
			continue
		}
		out = append(out, t.ArbitragePairs...)
	}
	domain.SortPairs(out)
	return out
}

// Len returns the number of tickers, valid or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickers)
}

// GeneratePairs enumerates unordered venue pairs for a ticker, discarding
// pairs where neither side can host the short leg. Low/high sides are
// assigned per tick from observed prices, never here.
func GeneratePairs(t domain.Ticker, shortable func(domain.VenueID) bool) []domain.ArbitragePair {
	all := t.Venues.All()

	seen := make(map[domain.VenueID]bool, len(all))
	venues := all[:0]
	for _, v := range all {
		if !seen[v] {
			seen[v] = true
			venues = append(venues, v)
		}
	}

	var pairs []domain.ArbitragePair
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			if !shortable(venues[i]) && !shortable(venues[j]) {
				continue
			}
			pairs = append(pairs, domain.NewArbitragePair(t.Symbol, venues[i], venues[j]))
		}
	}
	domain.SortPairs(pairs)
	return pairs
}
