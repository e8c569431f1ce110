// Package alert is the last stop before a signal reaches a human: the
// cooldown and blacklist gate, the dispatcher that persists and sends, and
// the health watchdog that notices a silent pipeline.
package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/store"
)

// Gate suppresses duplicate and user-blocked signals. All state lives in the
// shared store so every process instance sees the same cooldowns and lists.
type Gate struct {
	kv       store.Store
	cooldown time.Duration
}

// NewGate wires the gate. cooldown is the per-symbol alert TTL.
func NewGate(kv store.Store, cooldown time.Duration) *Gate {
	return &Gate{kv: kv, cooldown: cooldown}
}

// CanAlert reports whether the symbol is outside its cooldown window.
func (g *Gate) CanAlert(ctx context.Context, symbol string) (bool, error) {
	held, err := g.kv.Exists(ctx, store.KeyCooldown(domain.NormalizeSymbol(symbol)))
	if err != nil {
		return false, err
	}
	return !held, nil
}

// ProcessAlert atomically claims the symbol's cooldown slot. Exactly one
// caller wins per window; the rest see false and suppress.
func (g *Gate) ProcessAlert(ctx context.Context, symbol string) (bool, error) {
	return g.kv.SetNX(ctx, store.KeyCooldown(domain.NormalizeSymbol(symbol)), "1", g.cooldown)
}

// ClearCooldown lifts the window early, e.g. from an operator command.
func (g *Gate) ClearCooldown(ctx context.Context, symbol string) error {
	return g.kv.Delete(ctx, store.KeyCooldown(domain.NormalizeSymbol(symbol)))
}

// Blacklist dimension keys. Members are stored lowercase; every lookup
// lowercases its argument, which makes the comparison case-insensitive.
var blacklistKeys = map[string]string{
	"symbol":   store.BlacklistSymbols,
	"exchange": store.BlacklistExchanges,
	"address":  store.BlacklistAddresses,
}

// BlacklistAdd adds members to one dimension ("symbol", "exchange",
// "address").
func (g *Gate) BlacklistAdd(ctx context.Context, dimension string, members ...string) error {
	key, ok := blacklistKeys[dimension]
	if !ok {
		return &store.Error{Op: "blacklist", Key: dimension, Err: errUnknownDimension}
	}
	lowered := make([]string, len(members))
	for i, m := range members {
		lowered[i] = strings.ToLower(strings.TrimSpace(m))
	}
	return g.kv.SetAdd(ctx, key, lowered...)
}

// BlacklistRemove removes members from one dimension.
func (g *Gate) BlacklistRemove(ctx context.Context, dimension string, members ...string) error {
	key, ok := blacklistKeys[dimension]
	if !ok {
		return &store.Error{Op: "blacklist", Key: dimension, Err: errUnknownDimension}
	}
	lowered := make([]string, len(members))
	for i, m := range members {
		lowered[i] = strings.ToLower(strings.TrimSpace(m))
	}
	return g.kv.SetRemove(ctx, key, lowered...)
}

var errUnknownDimension = errors.New("unknown blacklist dimension")

func (g *Gate) blacklisted(ctx context.Context, key, member string) (bool, error) {
	return g.kv.SetContains(ctx, key, strings.ToLower(strings.TrimSpace(member)))
}

// SymbolBlacklisted reports whether the symbol is blocked.
func (g *Gate) SymbolBlacklisted(ctx context.Context, symbol string) (bool, error) {
	return g.blacklisted(ctx, store.BlacklistSymbols, symbol)
}

// ExchangeBlacklisted reports whether the venue is blocked.
func (g *Gate) ExchangeBlacklisted(ctx context.Context, venueID domain.VenueID) (bool, error) {
	return g.blacklisted(ctx, store.BlacklistExchanges, string(venueID))
}

// AddressBlacklisted reports whether the contract address is blocked.
func (g *Gate) AddressBlacklisted(ctx context.Context, address string) (bool, error) {
	return g.blacklisted(ctx, store.BlacklistAddresses, address)
}

// Blocked checks every dimension a signal touches: its symbol, both venues,
// and any contract addresses the ticker references. The first match wins and
// names what blocked it.
func (g *Gate) Blocked(ctx context.Context, sig domain.ValidatedSignal, addresses []string) (bool, string, error) {
	if hit, err := g.SymbolBlacklisted(ctx, sig.Symbol); err != nil {
		return false, "", err
	} else if hit {
		return true, "symbol " + sig.Symbol, nil
	}
	for _, v := range []domain.VenueID{sig.LowVenue, sig.HighVenue} {
		if hit, err := g.ExchangeBlacklisted(ctx, v); err != nil {
			return false, "", err
		} else if hit {
			return true, "exchange " + string(v), nil
		}
	}
	for _, addr := range addresses {
		if hit, err := g.AddressBlacklisted(ctx, addr); err != nil {
			return false, "", err
		} else if hit {
			return true, "address " + addr, nil
		}
	}
	return false, "", nil
}
