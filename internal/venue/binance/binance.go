// Package binance implements the venue adapter for Binance spot markets
// using the exchange-native REST API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

const defaultBaseURL = "https://api.binance.com"

// Config tunes the adapter. Zero values fall back to production defaults.
type Config struct {
	VenueID     domain.VenueID
	BaseURL     string
	QuoteAsset  string // instrument suffix, default USDT
	TakerFeePct decimal.Decimal
	Timeout     time.Duration
}

// Client fetches quotes and L2 books from Binance spot.
type Client struct {
	meta       domain.Venue
	baseURL    string
	quoteAsset string
	httpClient *http.Client
}

// New returns a Binance spot adapter.
func New(cfg Config) *Client {
	if cfg.VenueID == "" {
		cfg.VenueID = "binance_spot"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TakerFeePct.IsZero() {
		cfg.TakerFeePct = decimal.NewFromFloat(0.1)
	}
	return &Client{
		meta: domain.Venue{
			ID:          cfg.VenueID,
			DisplayName: "Binance",
			Type:        domain.VenueCEXSpot,
			TakerFeePct: cfg.TakerFeePct,
			Active:      true,
			TradeURL:    "https://www.binance.com/en/trade/%s_" + cfg.QuoteAsset,
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		quoteAsset: cfg.QuoteAsset,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Venue implements venue.Adapter.
func (c *Client) Venue() domain.Venue { return c.meta }

func (c *Client) instrument(symbol string) string {
	return domain.NormalizeSymbol(symbol) + c.quoteAsset
}

func (c *Client) base(instrument string) string {
	return strings.TrimSuffix(instrument, c.quoteAsset)
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) (domain.Timing, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	requestAt := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Timing{}, venue.NewPermanent(c.meta.ID, op, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Timing{}, venue.NewTransient(c.meta.ID, op, err)
	}
	defer resp.Body.Close()

	responseAt := time.Now()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Timing{}, venue.FromHTTPStatus(c.meta.ID, op, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Timing{}, venue.NewIntegrity(c.meta.ID, op, fmt.Errorf("decode response: %w", err))
	}
	return domain.NewTiming(requestAt, responseAt), nil
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

func (c *Client) quoteFromBookTicker(bt bookTicker, timing domain.Timing) (domain.Quote, error) {
	bid, err := decimal.NewFromString(bt.BidPrice)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("invalid bid price %q: %w", bt.BidPrice, err)
	}
	ask, err := decimal.NewFromString(bt.AskPrice)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("invalid ask price %q: %w", bt.AskPrice, err)
	}
	return domain.Quote{
		VenueID:      c.meta.ID,
		Symbol:       c.base(bt.Symbol),
		Bid:          bid,
		Ask:          ask,
		ReceivedAtMs: timing.ResponseAtMs,
		LatencyMs:    timing.LatencyMs,
	}, nil
}

// Ticker returns the top-of-book quote for one base symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.Quote, error) {
	q := url.Values{"symbol": {c.instrument(symbol)}}
	var bt bookTicker
	timing, err := c.get(ctx, "ticker", "/api/v3/ticker/bookTicker", q, &bt)
	if err != nil {
		return domain.Quote{}, err
	}
	quote, err := c.quoteFromBookTicker(bt, timing)
	if err != nil {
		return domain.Quote{}, venue.NewIntegrity(c.meta.ID, "ticker", err)
	}
	return quote, nil
}

// Tickers returns quotes for the given base symbols in one venue call; nil
// requests the full book-ticker table.
func (c *Client) Tickers(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	var bts []bookTicker
	timing, err := c.get(ctx, "tickers", "/api/v3/ticker/bookTicker", nil, &bts)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[c.instrument(s)] = true
	}

	out := make(map[string]domain.Quote)
	for _, bt := range bts {
		if symbols != nil && !want[bt.Symbol] {
			continue
		}
		if !strings.HasSuffix(bt.Symbol, c.quoteAsset) {
			continue
		}
		quote, err := c.quoteFromBookTicker(bt, timing)
		if err != nil {
			// One malformed row must not poison the batch.
			continue
		}
		out[quote.Symbol] = quote
	}
	return out, nil
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func parseLevels(raw [][]string) ([]domain.BookLevel, error) {
	levels := make([]domain.BookLevel, 0, len(raw))
	for i, lv := range raw {
		if len(lv) < 2 {
			return nil, fmt.Errorf("level %d truncated", i)
		}
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price %q: %w", i, lv[0], err)
		}
		size, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size %q: %w", i, lv[1], err)
		}
		levels = append(levels, domain.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

// OrderBook returns up to depth levels per side.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if depth <= 0 || depth > 1000 {
		depth = 100
	}
	q := url.Values{
		"symbol": {c.instrument(symbol)},
		"limit":  {fmt.Sprintf("%d", depth)},
	}
	var dr depthResponse
	timing, err := c.get(ctx, "orderbook", "/api/v3/depth", q, &dr)
	if err != nil {
		return domain.OrderBook{}, err
	}

	bids, err := parseLevels(dr.Bids)
	if err != nil {
		return domain.OrderBook{}, venue.NewIntegrity(c.meta.ID, "orderbook", fmt.Errorf("bids: %w", err))
	}
	asks, err := parseLevels(dr.Asks)
	if err != nil {
		return domain.OrderBook{}, venue.NewIntegrity(c.meta.ID, "orderbook", fmt.Errorf("asks: %w", err))
	}

	book := domain.OrderBook{
		VenueID: c.meta.ID,
		Symbol:  domain.NormalizeSymbol(symbol),
		Bids:    bids,
		Asks:    asks,
		Timing:  timing,
	}
	if err := book.Validate(); err != nil {
		return domain.OrderBook{}, venue.NewIntegrity(c.meta.ID, "orderbook", err)
	}
	return book, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Status     string `json:"status"`
	} `json:"symbols"`
}

// Markets lists instruments quoted in the configured quote asset.
func (c *Client) Markets(ctx context.Context) ([]domain.Market, error) {
	var info exchangeInfo
	if _, err := c.get(ctx, "markets", "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]domain.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != c.quoteAsset {
			continue
		}
		status := "halted"
		if s.Status == "TRADING" {
			status = "trading"
		}
		out = append(out, domain.Market{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Status: status,
		})
	}
	return out, nil
}
