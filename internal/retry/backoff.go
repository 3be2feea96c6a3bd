// Package retry provides the backoff and circuit-breaker policies used
// by gwbridge's edge goroutines: serial open, telemetry publishing and
// the reverse tunnel.
//
// The control loop itself never sleeps in here; it only asks a Backoff
// for the next delay when it needs to schedule a reconnect.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error that retrying cannot fix, such as a
// missing serial device node or rejected tunnel credentials.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements exponential backoff with optional jitter.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default 500ms).
	InitialDelay time.Duration
	// MaxDelay caps a single wait (default 30s).
	MaxDelay time.Duration
	// Multiplier grows the delay each attempt (default 2.0).
	Multiplier float64
	// MaxAttempts is the total number of tries including the first.
	// Zero retries until the context is cancelled.
	MaxAttempts int
	// Jitter adds ±25% randomisation so several gateways rebooting
	// together do not hammer the same broker in lockstep.
	Jitter bool
	// OnRetry, if set, runs before each wait with the failed attempt
	// number and its error.
	OnRetry func(attempt int, err error)
}

// DefaultBackoff returns the policy used for serial and broker
// reconnects.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       true,
	}
}

// Delay returns the un-jittered wait after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	initial, mult, maxDelay := b.params()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxDelay) || math.IsInf(d, 1) {
		return maxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a permanent error, or the
// attempt budget or ctx runs out.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = addJitter(wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func (b *Backoff) params() (time.Duration, float64, time.Duration) {
	initial := b.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return initial, mult, maxDelay
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
