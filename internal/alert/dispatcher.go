package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/metrics"
)

// Suppression reason labels, also used as metric label values.
const (
	SuppressFailedValidation = "failed_validation"
	SuppressCooldown         = "cooldown"
	SuppressBlacklist        = "blacklist"
	SuppressDisabled         = "disabled"
)

// Messenger is the outbound channel contract: a successful send returns the
// channel message ID; a transient failure returns an error and the
// dispatcher retries on the next tick inside the same cooldown window.
type Messenger interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}

// SignalStore persists emitted signals.
type SignalStore interface {
	Insert(ctx context.Context, sig domain.ValidatedSignal) error
	MarkSent(ctx context.Context, signalID string, messageID int64, sentAt time.Time) error
}

// Opener starts convergence tracking for a delivered signal.
type Opener interface {
	Open(ctx context.Context, sig domain.ValidatedSignal) error
}

// Dispatcher owns the emit path: gate, persist, send, open tracking. One
// instance per process; Dispatch is called from the analysis loop.
type Dispatcher struct {
	gate      *Gate
	messenger Messenger
	signals   SignalStore
	opener    Opener
	metrics   *metrics.Metrics
	enabled   bool

	mu      sync.Mutex
	pending []domain.ValidatedSignal // persisted but not yet delivered
	now     func() time.Time
}

// NewDispatcher wires the emit path. opener and metrics may be nil.
func NewDispatcher(gate *Gate, messenger Messenger, signals SignalStore, opener Opener, m *metrics.Metrics, enabled bool) *Dispatcher {
	return &Dispatcher{
		gate:      gate,
		messenger: messenger,
		signals:   signals,
		opener:    opener,
		metrics:   m,
		enabled:   enabled,
		now:       time.Now,
	}
}

// SetClock replaces the time source for tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch runs one signal through the gate and, if it survives, persists
// and sends it. addresses are the ticker's contract addresses for the
// blacklist check. Returns whether the signal was emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, sig domain.ValidatedSignal, addresses []string) (bool, error) {
	if !sig.Passed {
		d.suppress(SuppressFailedValidation)
		// Failed signals are still stored: the diagnostics queries read
		// their check lists.
		if err := d.signals.Insert(ctx, sig); err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("Failed-validation signal not stored")
		}
		return false, nil
	}

	if !d.enabled {
		d.suppress(SuppressDisabled)
		return false, nil
	}

	blocked, what, err := d.gate.Blocked(ctx, sig, addresses)
	if err != nil {
		return false, err
	}
	if blocked {
		d.suppress(SuppressBlacklist)
		log.Info().
			Str("signal_id", sig.ID).
			Str("blocked_by", what).
			Msg("Signal suppressed by blacklist")
		return false, nil
	}

	won, err := d.gate.ProcessAlert(ctx, sig.Symbol)
	if err != nil {
		return false, err
	}
	if !won {
		d.suppress(SuppressCooldown)
		log.Debug().
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Msg("Signal suppressed by cooldown")
		return false, nil
	}

	if err := d.signals.Insert(ctx, sig); err != nil {
		// The claim was ours; release it so the next tick can re-emit
		// instead of burning the whole window on an unpersisted signal.
		if clearErr := d.gate.ClearCooldown(ctx, sig.Symbol); clearErr != nil {
			log.Warn().Err(clearErr).
				Str("symbol", sig.Symbol).
				Msg("Cooldown not released after failed insert")
		}
		return false, err
	}
	d.deliver(ctx, sig)
	return true, nil
}

// deliver sends one persisted signal. A send failure queues the signal for
// RetryPending; the cooldown already claimed keeps duplicates out while the
// retry window lasts.
func (d *Dispatcher) deliver(ctx context.Context, sig domain.ValidatedSignal) {
	res, err := d.messenger.Send(ctx, Format(sig))
	if err != nil || res == nil {
		log.Warn().Err(err).
			Str("signal_id", sig.ID).
			Msg("Signal delivery failed, retrying next tick")
		d.mu.Lock()
		d.pending = append(d.pending, sig)
		d.mu.Unlock()
		return
	}

	if err := d.signals.MarkSent(ctx, sig.ID, res.MessageID, d.now().UTC()); err != nil {
		log.Warn().Err(err).Str("signal_id", sig.ID).Msg("Signal sent but not marked")
	}
	if d.metrics != nil {
		d.metrics.RecordSignal(string(sig.StrategyType), string(sig.SignalType))
	}
	if d.opener != nil {
		if err := d.opener.Open(ctx, sig); err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("Convergence tracking not opened")
		}
	}
	log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("strategy", string(sig.StrategyType)).
		Str("net_pct", sig.Spread.NetPct.StringFixed(2)).
		Int64("message_id", res.MessageID).
		Msg("Signal emitted")
}

// RetryPending re-attempts deliveries that failed transiently. Called at the
// top of each analysis tick.
func (d *Dispatcher) RetryPending(ctx context.Context) {
	d.mu.Lock()
	queue := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, sig := range queue {
		d.deliver(ctx, sig)
	}
}

// PendingCount reports queued undelivered signals.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) suppress(reason string) {
	if d.metrics != nil {
		d.metrics.RecordSuppressed(reason)
	}
}
