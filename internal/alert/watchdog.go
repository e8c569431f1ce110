package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Watchdog emits one throttled system-health warning when the pipeline has
// produced no signal for longer than the configured silence while its
// workers are otherwise healthy. A quiet market and a wedged pipeline look
// identical from the outside; the operator gets to decide which it is.
type Watchdog struct {
	messenger Messenger
	after     time.Duration

	mu         sync.Mutex
	lastSignal time.Time
	lastWarned time.Time
	now        func() time.Time
}

// NewWatchdog wires the watchdog. after is the silence that triggers the
// warning; the warning itself repeats at most once per silence window.
func NewWatchdog(messenger Messenger, after time.Duration) *Watchdog {
	if after <= 0 {
		after = time.Hour
	}
	return &Watchdog{
		messenger:  messenger,
		after:      after,
		lastSignal: time.Now(),
		now:        time.Now,
	}
}

// SetClock replaces the time source for tests and resets the baseline.
func (w *Watchdog) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	w.lastSignal = now()
}

// NoteSignal records that a signal was just emitted.
func (w *Watchdog) NoteSignal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSignal = w.now()
}

// Check sends the warning if the silence has lasted long enough. healthy is
// the caller's view of the other workers; an unhealthy pipeline is already
// being logged loudly and does not need this extra message.
func (w *Watchdog) Check(ctx context.Context, healthy bool) error {
	w.mu.Lock()
	now := w.now()
	silence := now.Sub(w.lastSignal)
	due := healthy && silence >= w.after && now.Sub(w.lastWarned) >= w.after
	if due {
		w.lastWarned = now
	}
	w.mu.Unlock()

	if !due {
		return nil
	}

	msg := Message{Text: fmt.Sprintf(
		"⚠️ No signal produced for %s. Workers report healthy; this may be a quiet market or a stuck data source.",
		silence.Round(time.Minute))}
	if _, err := w.messenger.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("Health warning not delivered")
		return err
	}
	log.Info().Dur("silence", silence).Msg("Health warning sent")
	return nil
}
