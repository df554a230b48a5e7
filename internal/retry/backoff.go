// Package retry provides exponential backoff for dialing relay hops
// and a breaker that stops redialing a hop that keeps failing.
//
// Neither is applied implicitly: the relay never repeats a request on
// its own.  Callers opt in where a repeated connect is safe.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  Do returns the inner error
// at once.
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

// Backoff repeats an operation with exponentially growing pauses.
// Zero fields take the defaults noted on each.
type Backoff struct {
	// InitialDelay is the pause after the first failure (default 1s).
	InitialDelay time.Duration
	// MaxDelay caps the pause (default 60s).
	MaxDelay time.Duration
	// Multiplier grows the pause after each failure (default 2).
	Multiplier float64
	// MaxAttempts counts every try including the first; 0 means until
	// the context ends.
	MaxAttempts int
	// Jitter spreads each pause by ±25%.
	Jitter bool
	// Retryable, when set, decides whether a failure is worth another
	// attempt.  Errors it rejects end the loop like [Permanent] ones.
	Retryable func(error) bool
	// OnRetry sees each failed attempt and the pause that follows.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ConnectBackoff is the backoff used to bring up a hop: short pauses,
// since a hop that is still starting up answers within seconds.
func ConnectBackoff(attempts int) *Backoff {
	return &Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxAttempts:  attempts,
		Jitter:       true,
	}
}

// Do calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx ends.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	next := b.schedule()
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return errors.Unwrap(err)
		case b.Retryable != nil && !b.Retryable(err):
			return err
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		wait := next()
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// schedule returns a generator of successive pauses.
func (b *Backoff) schedule() func() time.Duration {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	ceiling := b.MaxDelay
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	return func() time.Duration {
		wait := delay
		if b.Jitter {
			wait = addJitter(wait)
		}
		delay = min(time.Duration(float64(delay)*mult), ceiling)
		return wait
	}
}

// addJitter spreads d by ±25%, never below a millisecond.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) / 4
	jittered := time.Duration(float64(d) + (rand.Float64()*2-1)*quarter)
	return max(jittered, time.Millisecond)
}
