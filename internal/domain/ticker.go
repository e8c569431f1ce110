package domain

import (
	"fmt"
	"sort"
	"time"
)

// VenueSet groups a ticker's venues by market structure, mirroring the
// discovery output.
type VenueSet struct {
	CEXFutures []VenueID `json:"cex_futures"`
	CEXSpot    []VenueID `json:"cex_spot"`
	DEXSpot    []VenueID `json:"dex_spot"`
	PerpDEX    []VenueID `json:"perp_dex"`
}

// All returns every venue in the set, futures first.
func (s VenueSet) All() []VenueID {
	out := make([]VenueID, 0, len(s.CEXFutures)+len(s.CEXSpot)+len(s.DEXSpot)+len(s.PerpDEX))
	out = append(out, s.CEXFutures...)
	out = append(out, s.CEXSpot...)
	out = append(out, s.DEXSpot...)
	out = append(out, s.PerpDEX...)
	return out
}

// Ticker is the canonical record for one base symbol: where it trades, its
// contract addresses per chain, and the enumerated arbitrage pairs. Tickers
// are created and rewritten only by the discovery job.
type Ticker struct {
	Symbol           string            `json:"symbol"`
	Contracts        map[string]string `json:"contracts,omitempty"` // chain -> address
	Venues           VenueSet          `json:"venues"`
	ArbitragePairs   []ArbitragePair   `json:"arbitrage_pairs"`
	IsValid          bool              `json:"is_valid"`
	ValidationErrors []string          `json:"validation_errors,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Shortable reports whether the ticker can be shorted anywhere: at least one
// active cex_futures or perp_dex venue.
func (t Ticker) Shortable() bool {
	return len(t.Venues.CEXFutures) > 0 || len(t.Venues.PerpDEX) > 0
}

// ArbitragePair is an unordered pairing of two venues trading the same base
// symbol. VenueA < VenueB lexicographically, which keeps PairID stable across
// ticks; the low/high sides are assigned per tick from observed prices.
type ArbitragePair struct {
	PairID string  `json:"pair_id"`
	Symbol string  `json:"symbol"`
	VenueA VenueID `json:"venue_a"`
	VenueB VenueID `json:"venue_b"`
}

// NewArbitragePair builds a pair with canonical venue ordering and a stable
// PairID of the form "SYMBOL|venue_a|venue_b".
func NewArbitragePair(symbol string, a, b VenueID) ArbitragePair {
	if b < a {
		a, b = b, a
	}
	sym := NormalizeSymbol(symbol)
	return ArbitragePair{
		PairID: fmt.Sprintf("%s|%s|%s", sym, a, b),
		Symbol: sym,
		VenueA: a,
		VenueB: b,
	}
}

// Venues returns both venue IDs in canonical order.
func (p ArbitragePair) Venues() (VenueID, VenueID) { return p.VenueA, p.VenueB }

// SortPairs orders pairs by PairID for deterministic enumeration output.
func SortPairs(pairs []ArbitragePair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].PairID < pairs[j].PairID })
}
