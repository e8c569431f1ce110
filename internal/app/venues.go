package app

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
	"github.com/sawpanic/crossarb/internal/venue/binance"
	"github.com/sawpanic/crossarb/internal/venue/bybit"
	"github.com/sawpanic/crossarb/internal/venue/static"
)

// buildVenues constructs one adapter per configured venue and registers it.
// The returned limits map feeds the fetch pool's per-venue token buckets.
func buildVenues(cfgs []config.VenueConfig, fetcher config.FetcherConfig) (*venue.Registry, map[domain.VenueID]config.RateLimitConfig, error) {
	reg := venue.NewRegistry()
	limits := make(map[domain.VenueID]config.RateLimitConfig, len(cfgs))

	for _, vc := range cfgs {
		id := domain.VenueID(vc.ID)
		fee := decimal.NewFromFloat(vc.TakerFeePct)

		var adapter venue.Adapter
		switch vc.Kind {
		case "binance_spot":
			adapter = binance.New(binance.Config{
				VenueID:     id,
				BaseURL:     vc.BaseURL,
				QuoteAsset:  vc.QuoteAsset,
				TakerFeePct: fee,
				Timeout:     fetcher.HTTPTimeout,
			})
		case "bybit_spot":
			adapter = bybit.New(bybit.Config{
				VenueID:     id,
				BaseURL:     vc.BaseURL,
				Category:    bybit.CategorySpot,
				QuoteAsset:  vc.QuoteAsset,
				TakerFeePct: fee,
				Timeout:     fetcher.HTTPTimeout,
			})
		case "bybit_linear":
			adapter = bybit.New(bybit.Config{
				VenueID:     id,
				BaseURL:     vc.BaseURL,
				Category:    bybit.CategoryLinear,
				QuoteAsset:  vc.QuoteAsset,
				TakerFeePct: fee,
				Timeout:     fetcher.HTTPTimeout,
			})
		case "static":
			vt := domain.VenueCEXSpot
			if vc.Type != "" {
				parsed, err := domain.ParseVenueType(vc.Type)
				if err != nil {
					return nil, nil, fmt.Errorf("venue %s: %w", vc.ID, err)
				}
				vt = parsed
			}
			adapter = static.New(domain.Venue{
				ID:          id,
				DisplayName: vc.ID,
				Type:        vt,
				TakerFeePct: fee,
				Active:      true,
				Capabilities: domain.Capability{
					Quotes:    true,
					OrderBook: true,
					Shortable: vt.Shortable(),
				},
			})
		default:
			return nil, nil, fmt.Errorf("venue %s: unknown kind %q", vc.ID, vc.Kind)
		}

		if err := reg.Register(adapter); err != nil {
			return nil, nil, fmt.Errorf("venue %s: %w", vc.ID, err)
		}
		limits[id] = vc.RateLimit
	}
	return reg, limits, nil
}
