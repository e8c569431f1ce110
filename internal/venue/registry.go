package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sawpanic/crossarb/internal/domain"
)

// Registry holds the configured adapters keyed by venue ID and exposes each
// venue's capability bundle. Read-mostly: adapters register at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.VenueID]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.VenueID]Adapter)}
}

// Register adds an adapter. Registering the same venue ID twice is a
// configuration mistake and returns an error.
func (r *Registry) Register(a Adapter) error {
	id := a.Venue().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("venue %s already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for a venue ID.
func (r *Registry) Get(id domain.VenueID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Venue returns the static metadata for a registered venue.
func (r *Registry) Venue(id domain.VenueID) (domain.Venue, bool) {
	a, ok := r.Get(id)
	if !ok {
		return domain.Venue{}, false
	}
	return a.Venue(), true
}

// Capabilities returns the capability bundle for a venue: quotes and books
// from the Adapter contract, funding from FundingProvider, shortable from the
// venue type.
func (r *Registry) Capabilities(id domain.VenueID) (domain.Capability, bool) {
	a, ok := r.Get(id)
	if !ok {
		return domain.Capability{}, false
	}
	_, funding := a.(FundingProvider)
	return domain.Capability{
		Quotes:    true,
		OrderBook: true,
		Funding:   funding,
		Shortable: a.Venue().Shortable(),
	}, true
}

// Active returns the IDs of all registered active venues in sorted order.
func (r *Registry) Active() []domain.VenueID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.VenueID, 0, len(r.adapters))
	for id, a := range r.adapters {
		if a.Venue().Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
