package venue

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy controls the shared exponential backoff used for transient
// venue failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	JitterFactor   float64 // 0..1 fraction of the delay added as random jitter
}

// DefaultRetryPolicy retries transient failures up to 3 attempts with
// 500 ms / 1 s / 2 s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2.0,
		JitterFactor:   0.1,
	}
}

// Retry runs op up to policy.MaxAttempts times, sleeping between attempts.
// Only transient errors are retried; permanent and integrity failures return
// immediately. The last error is returned when attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	delay := policy.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= policy.MaxAttempts {
			return err
		}

		sleep := delay
		if policy.JitterFactor > 0 {
			sleep += time.Duration(rand.Float64() * policy.JitterFactor * float64(delay))
		}
		log.Debug().
			Int("attempt", attempt).
			Dur("backoff", sleep).
			Err(err).
			Msg("Retrying transient venue failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
	}
}
