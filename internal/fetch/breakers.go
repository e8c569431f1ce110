package fetch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

// Breakers keeps one circuit breaker per venue. A venue whose breaker is
// open is skipped for the tick instead of hammered.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[domain.VenueID]*gobreaker.CircuitBreaker
	cfg      config.BreakerConfig
}

func NewBreakers(cfg config.BreakerConfig) *Breakers {
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breakers{
		breakers: make(map[domain.VenueID]*gobreaker.CircuitBreaker),
		cfg:      cfg,
	}
}

func (b *Breakers) get(venue domain.VenueID) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, exists := b.breakers[venue]
	b.mu.RUnlock()
	if exists {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, exists := b.breakers[venue]; exists {
		return cb
	}

	threshold := uint32(b.cfg.ConsecutiveFailures)
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(venue),
		Timeout: b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Venue circuit breaker state change")
		},
	})
	b.breakers[venue] = cb
	return cb
}

// Execute runs fn under the venue's breaker.
func (b *Breakers) Execute(venue domain.VenueID, fn func() (interface{}, error)) (interface{}, error) {
	return b.get(venue).Execute(fn)
}

// Open reports whether the venue's breaker currently rejects requests.
func (b *Breakers) Open(venue domain.VenueID) bool {
	return b.get(venue).State() == gobreaker.StateOpen
}
