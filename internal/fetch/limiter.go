package fetch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

// Limiter provides per-venue rate limiting using token buckets. Buckets are
// created lazily so venues added at runtime are covered by the fallback.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[domain.VenueID]*rate.Limiter
	configs  map[domain.VenueID]config.RateLimitConfig
	fallback config.RateLimitConfig
}

// NewLimiter builds buckets from per-venue configs; venues without one get
// the fallback bucket.
func NewLimiter(configs map[domain.VenueID]config.RateLimitConfig, fallback config.RateLimitConfig) *Limiter {
	if fallback.RPS <= 0 {
		fallback.RPS = 5
	}
	if fallback.Burst <= 0 {
		fallback.Burst = 10
	}
	if configs == nil {
		configs = make(map[domain.VenueID]config.RateLimitConfig)
	}
	return &Limiter{
		limiters: make(map[domain.VenueID]*rate.Limiter),
		configs:  configs,
		fallback: fallback,
	}
}

func (l *Limiter) get(venue domain.VenueID) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[venue]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, exists := l.limiters[venue]; exists {
		return limiter
	}

	cfg, ok := l.configs[venue]
	if !ok || cfg.RPS <= 0 {
		cfg = l.fallback
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	l.limiters[venue] = limiter
	return limiter
}

// Wait blocks until a request for the venue is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, venue domain.VenueID) error {
	return l.get(venue).Wait(ctx)
}

// Allow reports whether a request for the venue may proceed right now.
func (l *Limiter) Allow(venue domain.VenueID) bool {
	return l.get(venue).Allow()
}

// SetRPS retunes one venue's bucket at runtime.
func (l *Limiter) SetRPS(venue domain.VenueID, rps float64) {
	l.get(venue).SetLimit(rate.Limit(rps))
}
