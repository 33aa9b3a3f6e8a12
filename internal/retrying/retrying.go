// Package retrying provides the bounded exponential-backoff policy used
// when re-queueing failed task executions.
package retrying

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// DefaultPolicy matches the processor defaults: three attempts with a
// doubling delay starting at one second.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    5 * time.Minute,
	Multiplier:  2,
	Jitter:      false,
}

// Permanent wraps an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// MarkPermanent flags err as non-retryable for Do.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Policy captures a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter applies a ±20% spread to each delay.
	Jitter bool
}

// Delay returns the wait before the given retry. attempt is 1-based:
// Delay(1) is the wait after the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		j := time.Duration(float64(d) * 0.2)
		d = d - j + time.Duration(rand.Int63n(int64(2*j)+1))
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping Delay(n) between
// attempts. It stops early on success, a Permanent error, or context
// cancellation, returning the last error seen.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
