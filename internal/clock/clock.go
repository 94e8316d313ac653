// Package clock abstracts wall time and timer scheduling so breakers, caches,
// and polling subscriptions can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Timer is a scheduled callback that can be cancelled before it fires.
type Timer interface {
	// Stop cancels the timer. It reports false when the callback already ran or
	// the timer was stopped earlier.
	Stop() bool
}

// Clock exposes the current time and one-shot callback scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is the Clock backed by the runtime timers.
type Real struct{}

// Now returns the current wall time.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc schedules fn on its own goroutine after d elapses.
func (Real) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Sleep blocks for d on the supplied clock or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	fired := make(chan struct{})
	timer := Or(c).AfterFunc(d, func() { close(fired) })
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-fired:
		return nil
	}
}
