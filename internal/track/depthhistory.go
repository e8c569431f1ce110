package track

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/store"
)

// DepthHistory keeps a bounded ring of USD depth samples per
// (pair, venue, side) in the shared store and grades current depth against
// the ring's mean.
type DepthHistory struct {
	kv             store.Store
	capacity       int64
	ttl            time.Duration
	sampleInterval time.Duration

	mu       sync.Mutex
	lastPush map[string]time.Time
	now      func() time.Time
}

// DepthHistoryConfig sizes the ring. Defaults: 480 samples, 3 minute
// cadence, 24 h TTL.
type DepthHistoryConfig struct {
	Capacity       int
	SampleInterval time.Duration
	TTL            time.Duration
}

// NewDepthHistory returns a collector over the shared store.
func NewDepthHistory(kv store.Store, cfg DepthHistoryConfig) *DepthHistory {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 480
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 3 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = store.DepthHistoryTTL
	}
	return &DepthHistory{
		kv:             kv,
		capacity:       int64(cfg.Capacity),
		ttl:            cfg.TTL,
		sampleInterval: cfg.SampleInterval,
		lastPush:       make(map[string]time.Time),
		now:            time.Now,
	}
}

// SetClock replaces the time source for tests.
func (d *DepthHistory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// shouldSample rate-limits pushes per key to the configured cadence so a
// faster analysis loop cannot flood the ring.
func (d *DepthHistory) shouldSample(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.lastPush[key]; ok && now.Sub(last) < d.sampleInterval {
		return false
	}
	d.lastPush[key] = now
	return true
}

// Record appends a depth sample for one pair leg side. Pushes inside the
// sample interval are dropped.
func (d *DepthHistory) Record(ctx context.Context, pairID string, venueID domain.VenueID, side domain.Side, depthUSD decimal.Decimal) error {
	key := store.KeyDepthHistory(pairID, string(venueID), string(side))
	if !d.shouldSample(key) {
		return nil
	}
	return d.kv.PushCapped(ctx, key, depthUSD.String(), d.capacity, d.ttl)
}

// DepthStats summarizes one ring. Monetary aggregates stay decimal; stddev
// is a diagnostic only.
type DepthStats struct {
	Count  int
	Mean   decimal.Decimal
	Min    decimal.Decimal
	Max    decimal.Decimal
	Median decimal.Decimal
	P10    decimal.Decimal
	P90    decimal.Decimal
	StdDev float64
}

// Stats reads and summarizes the ring for one pair leg side.
func (d *DepthHistory) Stats(ctx context.Context, pairID string, venueID domain.VenueID, side domain.Side) (DepthStats, error) {
	key := store.KeyDepthHistory(pairID, string(venueID), string(side))
	raw, err := d.kv.ListRange(ctx, key, 0, d.capacity-1)
	if err != nil {
		return DepthStats{}, err
	}

	samples := make([]decimal.Decimal, 0, len(raw))
	for _, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		samples = append(samples, v)
	}
	if len(samples) == 0 {
		return DepthStats{}, nil
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].LessThan(samples[j]) })

	sum := decimal.Zero
	for _, v := range samples {
		sum = sum.Add(v)
	}
	n := len(samples)
	mean := sum.Div(decimal.NewFromInt(int64(n)))

	meanF, _ := mean.Float64()
	variance := 0.0
	for _, v := range samples {
		f, _ := v.Float64()
		variance += (f - meanF) * (f - meanF)
	}
	variance /= float64(n)

	return DepthStats{
		Count:  n,
		Mean:   mean,
		Min:    samples[0],
		Max:    samples[n-1],
		Median: percentile(samples, 50),
		P10:    percentile(samples, 10),
		P90:    percentile(samples, 90),
		StdDev: math.Sqrt(variance),
	}, nil
}

// percentile uses the nearest-rank method on an ascending-sorted slice.
func percentile(sorted []decimal.Decimal, p int) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Zero
	}
	rank := int(math.Ceil(float64(p)/100.0*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Grade compares current depth to the ring mean: below dangerRatio of the
// mean is danger, below warnRatio is warning, otherwise ok. Too little
// history grades ok; the validator handles the min-samples rule itself.
func (s DepthStats) Grade(current decimal.Decimal, dangerRatio, warnRatio decimal.Decimal, minSamples int) domain.DepthStatus {
	if s.Count < minSamples || !s.Mean.IsPositive() {
		return domain.DepthOK
	}
	ratio := current.Div(s.Mean)
	if ratio.LessThan(dangerRatio) {
		return domain.DepthDanger
	}
	if ratio.LessThan(warnRatio) {
		return domain.DepthWarning
	}
	return domain.DepthOK
}
