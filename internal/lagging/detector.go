// Package lagging flags venues whose mid-price has drifted away from the
// cohort consensus for several consecutive ticks. A frozen or slow venue
// shows up here before its quotes go stale enough to fail freshness checks.
package lagging

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Candidate is one venue whose deviation has persisted long enough to act on.
type Candidate struct {
	Symbol         string
	Venue          domain.VenueID
	VenuePrice     decimal.Decimal
	MedianPrice    decimal.Decimal
	DeviationPct   decimal.Decimal
	BelowMedian    bool
	TicksPersisted int
	CohortSize     int
}

// Info converts the candidate into the signal attachment.
func (c Candidate) Info() domain.LaggingInfo {
	return domain.LaggingInfo{
		LaggingVenue:        c.Venue,
		MedianPrice:         c.MedianPrice,
		VenuePrice:          c.VenuePrice,
		DeviationPct:        c.DeviationPct,
		OtherExchangesCount: c.CohortSize - 1,
		TicksPersisted:      c.TicksPersisted,
	}
}

// Detector tracks per-venue deviation streaks across ticks. Safe for
// concurrent use.
type Detector struct {
	cfg config.LaggingConfig

	mu      sync.Mutex
	streaks map[string]int // symbol|venue -> consecutive deviated ticks
}

func NewDetector(cfg config.LaggingConfig) *Detector {
	return &Detector{cfg: cfg, streaks: make(map[string]int)}
}

func streakKey(symbol string, venue domain.VenueID) string {
	return symbol + "|" + string(venue)
}

// Observe ingests one tick of mid-prices for a symbol and returns the venues
// whose deviation from the cohort median has held for the configured number
// of consecutive ticks. A tick with too small a cohort clears all streaks
// for the symbol: persistence must be continuous.
func (d *Detector) Observe(symbol string, mids map[domain.VenueID]decimal.Decimal) []Candidate {
	if !d.cfg.Enabled {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(mids) < d.cfg.MinCohort {
		d.clearSymbolLocked(symbol)
		return nil
	}

	median := medianOf(mids)
	if !median.IsPositive() {
		d.clearSymbolLocked(symbol)
		return nil
	}

	minLag := decimal.NewFromFloat(d.cfg.MinLagPct)

	// Deterministic venue order so repeated ticks emit candidates stably.
	venues := make([]domain.VenueID, 0, len(mids))
	for v := range mids {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	var out []Candidate
	for _, venue := range venues {
		price := mids[venue]
		key := streakKey(symbol, venue)

		dev := price.Sub(median).Div(median).Mul(hundred)
		below := dev.IsNegative()
		if below {
			dev = dev.Neg()
		}

		if dev.LessThan(minLag) {
			delete(d.streaks, key)
			continue
		}

		d.streaks[key]++
		if d.streaks[key] < d.cfg.PersistTicks {
			continue
		}
		out = append(out, Candidate{
			Symbol:         symbol,
			Venue:          venue,
			VenuePrice:     price,
			MedianPrice:    median,
			DeviationPct:   dev,
			BelowMedian:    below,
			TicksPersisted: d.streaks[key],
			CohortSize:     len(mids),
		})
	}
	return out
}

func (d *Detector) clearSymbolLocked(symbol string) {
	prefix := symbol + "|"
	for k := range d.streaks {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(d.streaks, k)
		}
	}
}

// medianOf returns the median mid: middle value for odd cohorts, mean of the
// two middles for even ones.
func medianOf(mids map[domain.VenueID]decimal.Decimal) decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(mids))
	for _, p := range mids {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	n := len(prices)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 1 {
		return prices[n/2]
	}
	return prices[n/2-1].Add(prices[n/2]).Div(decimal.NewFromInt(2))
}
