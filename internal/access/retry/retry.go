// Package retry re-runs failed upstream calls with a backoff schedule chosen
// from the failure's classification.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/l0p7/contentgate/internal/clock"
	"github.com/l0p7/contentgate/internal/faults"
)

const (
	// DefaultMaxAttempts is the number of retries after the first call.
	DefaultMaxAttempts = 3
	// DefaultRateLimitDelay is the fixed wait after a rate-limit failure.
	DefaultRateLimitDelay = 5 * time.Second
	// DefaultBaseDelay seeds the exponential schedule for other transient errors.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential schedule.
	DefaultMaxDelay = 30 * time.Second
)

// Policy controls how many retries happen and how long to wait between them.
type Policy struct {
	// MaxAttempts counts retries, so the operation runs at most MaxAttempts+1 times.
	MaxAttempts     int
	RateLimitDelay  time.Duration
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
	// Retryable overrides the default classification-based decision.
	Retryable func(error) bool
	// OnRetry runs before each retry. It observes and cannot alter control flow.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Wait blocks between attempts; nil sleeps on Clock.
	Wait  func(ctx context.Context, d time.Duration) error
	Clock clock.Clock
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		RateLimitDelay:  DefaultRateLimitDelay,
		BaseDelay:       DefaultBaseDelay,
		MaxDelay:        DefaultMaxDelay,
		BackoffMultiple: 2,
	}
}

// Delay returns the wait before retry number attempt (1-based) after err.
func (p Policy) Delay(attempt int, err error) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	var rl *faults.RateLimitError
	if errors.As(err, &rl) {
		// A longer Retry-After is honoured up to MaxDelay.
		fixed := p.rateLimitDelay()
		if rl.RetryAfter > fixed {
			return min(rl.RetryAfter, max(maxDelay, fixed))
		}
		return fixed
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	multiple := p.BackoffMultiple
	if multiple < 1 {
		multiple = 2
	}
	delay := time.Duration(float64(base) * math.Pow(multiple, float64(attempt-1)))
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

func (p Policy) rateLimitDelay() time.Duration {
	if p.RateLimitDelay <= 0 {
		return DefaultRateLimitDelay
	}
	return p.RateLimitDelay
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return faults.IsRetryable(err)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.Wait != nil {
		return p.Wait(ctx, d)
	}
	return clock.Sleep(ctx, p.Clock, d)
}

// Do runs fn, retrying retryable failures until the policy is exhausted. The
// last error is returned unchanged. A cancelled context during a wait returns
// the context error.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= maxAttempts || !p.retryable(err) {
			return result, err
		}
		delay := p.Delay(attempt+1, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if waitErr := p.wait(ctx, delay); waitErr != nil {
			var zero T
			return zero, waitErr
		}
	}
}
