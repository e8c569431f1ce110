package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// VenueID identifies a single tradeable venue, e.g. "binance_spot" or
// "bybit_futures". IDs are lowercase and stable across restarts.
type VenueID string

func (v VenueID) String() string { return string(v) }

// VenueType classifies a venue by market structure.
type VenueType string

const (
	VenueCEXSpot    VenueType = "cex_spot"
	VenueCEXFutures VenueType = "cex_futures"
	VenueDEXSpot    VenueType = "dex_spot"
	VenuePerpDEX    VenueType = "perp_dex"
)

// Shortable reports whether positions on this venue type can be opened short.
// Only derivatives venues qualify.
func (t VenueType) Shortable() bool {
	return t == VenueCEXFutures || t == VenuePerpDEX
}

// ParseVenueType maps a config string to a VenueType.
func ParseVenueType(s string) (VenueType, error) {
	t := VenueType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case VenueCEXSpot, VenueCEXFutures, VenueDEXSpot, VenuePerpDEX:
		return t, nil
	}
	return "", fmt.Errorf("unknown venue type %q", s)
}

// Capability flags what an adapter can serve for a venue.
type Capability struct {
	Quotes    bool `json:"quotes"`
	OrderBook bool `json:"orderbook"`
	Funding   bool `json:"funding"`
	Shortable bool `json:"shortable"`
}

// Venue holds static venue metadata used by the pipeline: type (drives
// strategy classification and shortability), taker fee for net-spread math,
// and URL templates for signal links.
type Venue struct {
	ID           VenueID         `json:"id"`
	DisplayName  string          `json:"display_name"`
	Type         VenueType       `json:"type"`
	TakerFeePct  decimal.Decimal `json:"taker_fee_pct"`
	Active       bool            `json:"active"`
	TradeURL     string          `json:"trade_url,omitempty"` // %s = base symbol
	Capabilities Capability      `json:"capabilities"`
}

// Shortable reports whether this venue supports opening shorts.
func (v Venue) Shortable() bool {
	return v.Capabilities.Shortable || v.Type.Shortable()
}

// Side is an order book side.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// NormalizeSymbol returns the canonical uppercase base symbol used as a map
// and cache key component.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SnapshotKey is the map key for per-tick quote and book snapshots:
// "venue_id:BASE".
func SnapshotKey(venue VenueID, symbol string) string {
	return string(venue) + ":" + NormalizeSymbol(symbol)
}
