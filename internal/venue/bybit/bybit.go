// Package bybit implements the venue adapter for Bybit spot and linear
// perpetual markets via the v5 REST API. One client serves either category;
// linear clients additionally provide funding rates.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/venue"
)

const defaultBaseURL = "https://api.bybit.com"

// Category selects the Bybit product line.
type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear"
)

// Config tunes the adapter. Zero values fall back to production defaults.
type Config struct {
	VenueID     domain.VenueID
	BaseURL     string
	Category    Category
	QuoteAsset  string
	TakerFeePct decimal.Decimal
	Timeout     time.Duration
}

// Client fetches quotes, books, and (for linear) funding from Bybit.
type Client struct {
	meta       domain.Venue
	baseURL    string
	category   Category
	quoteAsset string
	httpClient *http.Client
}

// New returns a Bybit adapter for the configured category.
func New(cfg Config) *Client {
	if cfg.Category == "" {
		cfg.Category = CategorySpot
	}
	if cfg.VenueID == "" {
		if cfg.Category == CategoryLinear {
			cfg.VenueID = "bybit_futures"
		} else {
			cfg.VenueID = "bybit_spot"
		}
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
	vtype := domain.VenueCEXSpot
	tradePath := "https://www.bybit.com/en/trade/spot/%s/" + cfg.QuoteAsset
	if cfg.Category == CategoryLinear {
		vtype = domain.VenueCEXFutures
		tradePath = "https://www.bybit.com/trade/usdt/%s" + cfg.QuoteAsset
	}
	if cfg.TakerFeePct.IsZero() {
		cfg.TakerFeePct = decimal.NewFromFloat(0.1)
		if cfg.Category == CategoryLinear {
			cfg.TakerFeePct = decimal.NewFromFloat(0.055)
		}
	}
	return &Client{
		meta: domain.Venue{
			ID:          cfg.VenueID,
			DisplayName: "Bybit",
			Type:        vtype,
			TakerFeePct: cfg.TakerFeePct,
			Active:      true,
			TradeURL:    tradePath,
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		category:   cfg.Category,
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

// envelope is the uniform Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) (domain.Timing, error) {
	u := c.baseURL + path + "?" + query.Encode()
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

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return domain.Timing{}, venue.NewIntegrity(c.meta.ID, op, fmt.Errorf("decode envelope: %w", err))
	}
	// retCode 10006 is Bybit's rate-limit rejection.
	if env.RetCode != 0 {
		err := fmt.Errorf("bybit retCode %d: %s", env.RetCode, env.RetMsg)
		if env.RetCode == 10006 {
			return domain.Timing{}, venue.NewTransient(c.meta.ID, op, err)
		}
		return domain.Timing{}, venue.NewPermanent(c.meta.ID, op, err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return domain.Timing{}, venue.NewIntegrity(c.meta.ID, op, fmt.Errorf("decode result: %w", err))
	}
	return domain.NewTiming(requestAt, responseAt), nil
}

type tickerRow struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	MarkPrice       string `json:"markPrice"`
	Turnover24h     string `json:"turnover24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type tickersResult struct {
	Category string      `json:"category"`
	List     []tickerRow `json:"list"`
}

func optDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Client) quoteFromRow(row tickerRow, timing domain.Timing) (domain.Quote, error) {
	bid, err := decimal.NewFromString(row.Bid1Price)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("invalid bid %q: %w", row.Bid1Price, err)
	}
	ask, err := decimal.NewFromString(row.Ask1Price)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("invalid ask %q: %w", row.Ask1Price, err)
	}
	return domain.Quote{
		VenueID:      c.meta.ID,
		Symbol:       c.base(row.Symbol),
		Bid:          bid,
		Ask:          ask,
		Mark:         optDecimal(row.MarkPrice),
		Volume24hUSD: optDecimal(row.Turnover24h),
		ReceivedAtMs: timing.ResponseAtMs,
		LatencyMs:    timing.LatencyMs,
	}, nil
}

// Ticker returns the top-of-book quote for one base symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.Quote, error) {
	q := url.Values{
		"category": {string(c.category)},
		"symbol":   {c.instrument(symbol)},
	}
	var res tickersResult
	timing, err := c.get(ctx, "ticker", "/v5/market/tickers", q, &res)
	if err != nil {
		return domain.Quote{}, err
	}
	if len(res.List) == 0 {
		return domain.Quote{}, venue.NewPermanent(c.meta.ID, "ticker", fmt.Errorf("symbol %s not listed", symbol))
	}
	quote, err := c.quoteFromRow(res.List[0], timing)
	if err != nil {
		return domain.Quote{}, venue.NewIntegrity(c.meta.ID, "ticker", err)
	}
	return quote, nil
}

// Tickers returns quotes for the given base symbols from the full category
// table; nil returns every instrument in the configured quote asset.
func (c *Client) Tickers(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	q := url.Values{"category": {string(c.category)}}
	var res tickersResult
	timing, err := c.get(ctx, "tickers", "/v5/market/tickers", q, &res)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[c.instrument(s)] = true
	}

	out := make(map[string]domain.Quote)
	for _, row := range res.List {
		if symbols != nil && !want[row.Symbol] {
			continue
		}
		if !strings.HasSuffix(row.Symbol, c.quoteAsset) {
			continue
		}
		quote, err := c.quoteFromRow(row, timing)
		if err != nil {
			continue
		}
		out[quote.Symbol] = quote
	}
	return out, nil
}

type bookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
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

// OrderBook returns up to depth levels per side. Bybit caps spot books at
// 200 levels and linear at 500.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	limit := 200
	if c.category == CategoryLinear {
		limit = 500
	}
	if depth > 0 && depth < limit {
		limit = depth
	}
	q := url.Values{
		"category": {string(c.category)},
		"symbol":   {c.instrument(symbol)},
		"limit":    {strconv.Itoa(limit)},
	}
	var res bookResult
	timing, err := c.get(ctx, "orderbook", "/v5/market/orderbook", q, &res)
	if err != nil {
		return domain.OrderBook{}, err
	}

	bids, err := parseLevels(res.Bids)
	if err != nil {
		return domain.OrderBook{}, venue.NewIntegrity(c.meta.ID, "orderbook", fmt.Errorf("bids: %w", err))
	}
	asks, err := parseLevels(res.Asks)
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

type instrumentsResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		BaseCoin  string `json:"baseCoin"`
		QuoteCoin string `json:"quoteCoin"`
		Status    string `json:"status"`
	} `json:"list"`
}

// Markets lists instruments quoted in the configured quote asset.
func (c *Client) Markets(ctx context.Context) ([]domain.Market, error) {
	q := url.Values{"category": {string(c.category)}}
	var res instrumentsResult
	if _, err := c.get(ctx, "markets", "/v5/market/instruments-info", q, &res); err != nil {
		return nil, err
	}
	out := make([]domain.Market, 0, len(res.List))
	for _, row := range res.List {
		if row.QuoteCoin != c.quoteAsset {
			continue
		}
		status := "halted"
		if row.Status == "Trading" {
			status = "trading"
		}
		out = append(out, domain.Market{
			Symbol: row.Symbol,
			Base:   row.BaseCoin,
			Quote:  row.QuoteCoin,
			Status: status,
		})
	}
	return out, nil
}

// FundingRate implements venue.FundingProvider for linear clients.
func (c *Client) FundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	if c.category != CategoryLinear {
		return domain.FundingRate{}, venue.NewPermanent(c.meta.ID, "funding", fmt.Errorf("category %s has no funding", c.category))
	}
	q := url.Values{
		"category": {string(c.category)},
		"symbol":   {c.instrument(symbol)},
	}
	var res tickersResult
	timing, err := c.get(ctx, "funding", "/v5/market/tickers", q, &res)
	if err != nil {
		return domain.FundingRate{}, err
	}
	if len(res.List) == 0 {
		return domain.FundingRate{}, venue.NewPermanent(c.meta.ID, "funding", fmt.Errorf("symbol %s not listed", symbol))
	}
	row := res.List[0]
	next := int64(0)
	if row.NextFundingTime != "" {
		if v, err := strconv.ParseInt(row.NextFundingTime, 10, 64); err == nil {
			next = v
		}
	}
	return domain.FundingRate{
		VenueID:       c.meta.ID,
		Symbol:        c.base(row.Symbol),
		RatePct:       optDecimal(row.FundingRate).Mul(decimal.NewFromInt(100)),
		NextFundingMs: next,
		ReceivedAtMs:  timing.ResponseAtMs,
	}, nil
}
