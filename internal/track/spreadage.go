// Package track maintains the rolling state the validator reasons about:
// how long a spread has been open, how current depth compares to its recent
// history, and whether two legs' timings are coherent. All cross-tick state
// lives in the shared store.
package track

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/store"
)

// SpreadAge tracks, per pair, when the current above-threshold spread run
// started. A spread that stays open for many hours is usually a frozen venue
// or delisted token, not an opportunity.
type SpreadAge struct {
	kv  store.Store
	now func() time.Time
}

// NewSpreadAge returns a tracker over the shared store.
func NewSpreadAge(kv store.Store) *SpreadAge {
	return &SpreadAge{kv: kv, now: time.Now}
}

// SetClock replaces the time source for tests.
func (t *SpreadAge) SetClock(now func() time.Time) { t.now = now }

// Observe records the current spread state for a pair. The first observation
// at or above threshold stamps first-seen; later above-threshold
// observations keep the original stamp; dropping below threshold clears it.
func (t *SpreadAge) Observe(ctx context.Context, pairID string, spreadPct, threshold decimal.Decimal) error {
	key := store.KeySpreadFirstSeen(pairID)
	if spreadPct.Abs().GreaterThanOrEqual(threshold) {
		epoch := strconv.FormatInt(t.now().Unix(), 10)
		_, err := t.kv.SetNX(ctx, key, epoch, store.SpreadFirstSeenTTL)
		return err
	}
	return t.kv.Delete(ctx, key)
}

// AgeHours reports how long the pair's spread has been continuously open.
// Zero when it is not currently above threshold.
func (t *SpreadAge) AgeHours(ctx context.Context, pairID string) (float64, error) {
	val, ok, err := t.kv.Get(ctx, store.KeySpreadFirstSeen(pairID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Unreadable stamp: clear it rather than rejecting signals forever.
		_ = t.kv.Delete(ctx, store.KeySpreadFirstSeen(pairID))
		return 0, nil
	}
	age := t.now().Sub(time.Unix(epoch, 0))
	if age < 0 {
		return 0, nil
	}
	return age.Hours(), nil
}
