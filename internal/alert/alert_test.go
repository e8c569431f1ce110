package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/store"
)

func passingSignal(id string) domain.ValidatedSignal {
	return domain.ValidatedSignal{
		ID:           id,
		PairID:       "BTC|binance_futures|jupiter",
		Symbol:       "BTC",
		SignalType:   domain.SignalAuto,
		StrategyType: "DF",
		LowVenue:     "jupiter",
		HighVenue:    "binance_futures",
		Spread: domain.SpreadBreakdown{
			NetPct:  decimal.NewFromFloat(4.64),
			RealPct: decimal.NewFromFloat(5.0),
		},
		SuggestedPositionUSD: decimal.NewFromInt(25000),
		Passed:               true,
		CreatedAt:            time.Now(),
		Status:               domain.StatusNew,
	}
}

// fakeMessenger scripts Send outcomes.
type fakeMessenger struct {
	mu     sync.Mutex
	sent   []Message
	fails  int
	nextID int64
}

func (m *fakeMessenger) Send(_ context.Context, msg Message) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return nil, errors.New("telegram 502")
	}
	m.sent = append(m.sent, msg)
	m.nextID++
	return &SendResult{MessageID: m.nextID}, nil
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// fakeSignalStore records inserts and sent marks; insertFails scripts
// transient persistence failures.
type fakeSignalStore struct {
	inserted    []domain.ValidatedSignal
	sent        map[string]int64
	insertFails int
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{sent: make(map[string]int64)}
}

func (s *fakeSignalStore) Insert(_ context.Context, sig domain.ValidatedSignal) error {
	if s.insertFails > 0 {
		s.insertFails--
		return errors.New("pq: connection reset")
	}
	s.inserted = append(s.inserted, sig)
	return nil
}

func (s *fakeSignalStore) MarkSent(_ context.Context, id string, msgID int64, _ time.Time) error {
	s.sent[id] = msgID
	return nil
}

func TestCooldownExclusivity(t *testing.T) {
	kv := store.NewMemoryStore()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	now := base
	kv.SetClock(func() time.Time { return now })
	gate := NewGate(kv, 300*time.Second)
	ctx := context.Background()

	ok, err := gate.CanAlert(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, ok)

	won, err := gate.ProcessAlert(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, won)

	ok, err = gate.CanAlert(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unrelated symbols are unaffected.
	ok, err = gate.CanAlert(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim inside the window loses.
	won, err = gate.ProcessAlert(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, won)

	// The window lapses after the TTL.
	now = base.Add(301 * time.Second)
	ok, err = gate.CanAlert(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBlacklistCaseInsensitive(t *testing.T) {
	kv := store.NewMemoryStore()
	gate := NewGate(kv, time.Minute)
	ctx := context.Background()

	require.NoError(t, gate.BlacklistAdd(ctx, "symbol", "BTC"))
	require.NoError(t, gate.BlacklistAdd(ctx, "exchange", "Binance_Futures"))
	require.NoError(t, gate.BlacklistAdd(ctx, "address", "0xAbCd00"))

	for _, sym := range []string{"btc", "BTC", "Btc"} {
		hit, err := gate.SymbolBlacklisted(ctx, sym)
		require.NoError(t, err)
		assert.True(t, hit, sym)
	}
	hit, err := gate.ExchangeBlacklisted(ctx, "BINANCE_FUTURES")
	require.NoError(t, err)
	assert.True(t, hit)
	hit, err = gate.AddressBlacklisted(ctx, "0xabcd00")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = gate.SymbolBlacklisted(ctx, "ETH")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, gate.BlacklistRemove(ctx, "symbol", "btc"))
	hit, err = gate.SymbolBlacklisted(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestDispatchEmitsThenSuppressesDuplicate(t *testing.T) {
	kv := store.NewMemoryStore()
	gate := NewGate(kv, 300*time.Second)
	messenger := &fakeMessenger{}
	signals := newFakeSignalStore()
	d := NewDispatcher(gate, messenger, signals, nil, nil, true)
	ctx := context.Background()

	emitted, err := d.Dispatch(ctx, passingSignal("sig-1"), nil)
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.Equal(t, 1, messenger.count())
	assert.Equal(t, int64(1), signals.sent["sig-1"])

	// 30 s later the identical candidate is inside the cooldown window.
	emitted, err = d.Dispatch(ctx, passingSignal("sig-2"), nil)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Equal(t, 1, messenger.count())
	assert.Len(t, signals.inserted, 1, "suppressed signal is not persisted")
}

func TestDispatchStoresFailedValidationWithoutSending(t *testing.T) {
	kv := store.NewMemoryStore()
	gate := NewGate(kv, time.Minute)
	messenger := &fakeMessenger{}
	signals := newFakeSignalStore()
	d := NewDispatcher(gate, messenger, signals, nil, nil, true)

	sig := passingSignal("sig-1")
	sig.Passed = false
	emitted, err := d.Dispatch(context.Background(), sig, nil)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Zero(t, messenger.count())
	assert.Len(t, signals.inserted, 1, "failed signals are stored for diagnostics")

	// The symbol's cooldown was never claimed.
	ok, err := gate.CanAlert(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatchBlacklistBlocks(t *testing.T) {
	kv := store.NewMemoryStore()
	gate := NewGate(kv, time.Minute)
	require.NoError(t, gate.BlacklistAdd(context.Background(), "exchange", "jupiter"))
	messenger := &fakeMessenger{}
	signals := newFakeSignalStore()
	d := NewDispatcher(gate, messenger, signals, nil, nil, true)

	emitted, err := d.Dispatch(context.Background(), passingSignal("sig-1"), nil)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Zero(t, messenger.count())
}

func TestTransientSendFailureRetriedNextTick(t *testing.T) {
	kv := store.NewMemoryStore()
	gate := NewGate(kv, 300*time.Second)
	messenger := &fakeMessenger{fails: 1}
	signals := newFakeSignalStore()
	d := NewDispatcher(gate, messenger, signals, nil, nil, true)
	ctx := context.Background()

	emitted, err := d.Dispatch(ctx, passingSignal("sig-1"), nil)
	require.NoError(t, err)
	assert.True(t, emitted, "signal was accepted even though delivery failed")
	assert.Zero(t, messenger.count())
	assert.Equal(t, 1, d.PendingCount())
	assert.Len(t, signals.inserted, 1)

	// Next tick retries inside the same cooldown window.
	d.RetryPending(ctx)
	assert.Equal(t, 1, messenger.count())
	assert.Zero(t, d.PendingCount())
	assert.Equal(t, int64(1), signals.sent["sig-1"])
}

func TestInsertFailureReleasesCooldown(t *testing.T) {
	kv := store.NewMemoryStore()
	gate := NewGate(kv, 300*time.Second)
	messenger := &fakeMessenger{}
	signals := newFakeSignalStore()
	signals.insertFails = 1
	d := NewDispatcher(gate, messenger, signals, nil, nil, true)
	ctx := context.Background()

	emitted, err := d.Dispatch(ctx, passingSignal("sig-1"), nil)
	require.Error(t, err)
	assert.False(t, emitted)
	assert.Zero(t, messenger.count())

	// The claim was handed back, so the window is open again.
	ok, err := gate.CanAlert(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, ok, "cooldown released after failed persist")

	// The next tick's candidate goes through normally.
	emitted, err = d.Dispatch(ctx, passingSignal("sig-2"), nil)
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.Equal(t, 1, messenger.count())
	assert.Len(t, signals.inserted, 1)
}

func TestWatchdogWarnsOnceThenThrottles(t *testing.T) {
	messenger := &fakeMessenger{}
	w := NewWatchdog(messenger, time.Hour)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	now := base
	w.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, w.Check(ctx, true))
	assert.Zero(t, messenger.count())

	now = base.Add(61 * time.Minute)
	require.NoError(t, w.Check(ctx, true))
	assert.Equal(t, 1, messenger.count())

	// Repeated checks inside the window stay quiet.
	now = base.Add(90 * time.Minute)
	require.NoError(t, w.Check(ctx, true))
	assert.Equal(t, 1, messenger.count())

	// An unhealthy pipeline never warns through this channel.
	now = base.Add(5 * time.Hour)
	require.NoError(t, w.Check(ctx, false))
	assert.Equal(t, 1, messenger.count())

	// A fresh signal resets the silence.
	w.NoteSignal()
	now = now.Add(30 * time.Minute)
	require.NoError(t, w.Check(ctx, true))
	assert.Equal(t, 1, messenger.count())
}
