// Package store provides the shared key-value state layer. Everything that
// crosses job boundaries — latest quotes, tracker state, cooldowns,
// blacklists, runtime settings — flows through a Store; no in-memory state
// is shared between jobs. The production implementation is Redis; an
// in-memory twin backs tests and the simulator.
package store

import (
	"context"
	"fmt"
	"time"
)

// Key layout. TTLs in seconds follow the external contract.
const (
	KeyPricesLatest  = "prices:latest"
	KeySpreadsLatest = "spreads:latest"
	KeySettings      = "settings:config"

	BlacklistSymbols   = "blacklist:symbols"
	BlacklistExchanges = "blacklist:exchanges"
	BlacklistAddresses = "blacklist:addresses"

	SpreadFirstSeenTTL = 172800 * time.Second
	DepthHistoryTTL    = 86400 * time.Second
)

// KeySpreadFirstSeen is the first-seen timestamp for one pair's spread.
func KeySpreadFirstSeen(pairID string) string {
	return "spread:first_seen:" + pairID
}

// KeyDepthHistory is the bounded depth sample list for one pair leg side.
func KeyDepthHistory(pairID, venueID, side string) string {
	return fmt.Sprintf("depth_history:%s:%s:%s", pairID, venueID, side)
}

// KeyCooldown is the per-symbol alert cooldown flag.
func KeyCooldown(symbol string) string {
	return "cooldown:" + symbol
}

// Error wraps a key-value store failure. A tick that hits one is aborted and
// the owning loop backs off.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// Store is the key-value contract the pipeline depends on. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the string value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only when the key is absent and reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes a key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// PushCapped prepends to a list, trims it to capacity, refreshes ttl.
	PushCapped(ctx context.Context, key, value string, capacity int64, ttl time.Duration) error
	// ListRange returns list elements [start, stop], redis semantics.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// SetAdd adds members to a set.
	SetAdd(ctx context.Context, key string, members ...string) error
	// SetRemove removes members from a set.
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetContains reports set membership.
	SetContains(ctx context.Context, key, member string) (bool, error)
	// SetMembers returns all members of a set.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// HashSet writes one hash field.
	HashSet(ctx context.Context, key, field, value string) error
	// HashGetAll returns the whole hash, empty map when absent.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close() error
}
