package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

// Discovery rebuilds the ticker registry from venue listings. It is the only
// writer: each refreshed symbol is swapped in atomically via Registry.Put.
type Discovery struct {
	venues *venue.Registry
	reg    *Registry
	cfg    config.SymbolsConfig
}

func NewDiscovery(venues *venue.Registry, reg *Registry, cfg config.SymbolsConfig) *Discovery {
	return &Discovery{venues: venues, reg: reg, cfg: cfg}
}

// Run refreshes the registry once and returns the number of valid tickers.
// Venue listing failures degrade the result instead of aborting it: a venue
// that cannot be listed simply contributes no markets this round.
func (d *Discovery) Run(ctx context.Context) (int, error) {
	listings := make(map[string]*domain.VenueSet) // base symbol -> venues

	venueIDs := d.venues.Active()
	if len(venueIDs) == 0 {
		return 0, fmt.Errorf("discovery: no active venues registered")
	}

	var listed int
	for _, id := range venueIDs {
		adapter, ok := d.venues.Get(id)
		if !ok {
			continue
		}
		markets, err := adapter.Markets(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("Discovery: venue listing failed, skipping")
			continue
		}
		listed++
		meta := adapter.Venue()
		for _, m := range markets {
			if m.Status != "" && m.Status != "trading" {
				continue
			}
			base := domain.NormalizeSymbol(m.Base)
			if base == "" {
				continue
			}
			set, ok := listings[base]
			if !ok {
				set = &domain.VenueSet{}
				listings[base] = set
			}
			appendVenue(set, meta.Type, id)
		}
	}
	if listed == 0 {
		return 0, fmt.Errorf("discovery: all %d venue listings failed", len(venueIDs))
	}

	symbols := d.universe(listings)

	shortable := func(id domain.VenueID) bool {
		v, ok := d.venues.Venue(id)
		return ok && v.Shortable()
	}

	valid := 0
	now := time.Now().UTC()
	for _, sym := range symbols {
		set := listings[sym]
		ticker := domain.Ticker{Symbol: sym, UpdatedAt: now}
		if set != nil {
			ticker.Venues = *set
		}

		var errs []string
		if len(ticker.Venues.All()) < 2 {
			errs = append(errs, "listed on fewer than two venues")
		}
		ticker.ArbitragePairs = GeneratePairs(ticker, shortable)
		if len(errs) == 0 && len(ticker.ArbitragePairs) == 0 {
			errs = append(errs, "no pair with a shortable side")
		}

		ticker.ValidationErrors = errs
		ticker.IsValid = len(errs) == 0
		if ticker.IsValid {
			valid++
		}
		d.reg.Put(ticker)
	}

	log.Info().
		Int("symbols", len(symbols)).
		Int("valid", valid).
		Int("venues_listed", listed).
		Msg("Discovery refreshed ticker registry")
	return valid, nil
}

// universe selects which symbols this deployment tracks: the static seed
// list when one is configured, otherwise everything discovered, capped.
func (d *Discovery) universe(listings map[string]*domain.VenueSet) []string {
	if len(d.cfg.Static) > 0 {
		out := make([]string, 0, len(d.cfg.Static))
		seen := make(map[string]bool, len(d.cfg.Static))
		for _, s := range d.cfg.Static {
			sym := domain.NormalizeSymbol(s)
			if sym != "" && !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
		sort.Strings(out)
		return out
	}

	out := make([]string, 0, len(listings))
	for sym := range listings {
		out = append(out, sym)
	}
	sort.Strings(out)
	if d.cfg.MaxSymbols > 0 && len(out) > d.cfg.MaxSymbols {
		out = out[:d.cfg.MaxSymbols]
	}
	return out
}

func appendVenue(set *domain.VenueSet, t domain.VenueType, id domain.VenueID) {
	switch t {
	case domain.VenueCEXFutures:
		set.CEXFutures = append(set.CEXFutures, id)
	case domain.VenueCEXSpot:
		set.CEXSpot = append(set.CEXSpot, id)
	case domain.VenueDEXSpot:
		set.DEXSpot = append(set.DEXSpot, id)
	case domain.VenuePerpDEX:
		set.PerpDEX = append(set.PerpDEX, id)
	}
}
