// Package breaker guards upstream calls with a CLOSED / OPEN / HALF_OPEN state
// machine so a consistently failing dependency is not hammered during its
// cool-down window.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/contentgate/internal/clock"
	"github.com/l0p7/contentgate/internal/faults"
)

// State enumerates the breaker positions.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a single trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Observer receives state transitions after they have been applied, outside the
// breaker lock.
type Observer interface {
	BreakerTransition(name string, from, to State)
}

// Config tunes the thresholds.
type Config struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// IsFailure decides whether an error counts against the breaker. Nil counts
	// every error.
	IsFailure func(error) bool
	// IsAnswer decides whether a non-nil error still proves the dependency is
	// healthy, e.g. a not-found response. Nil treats only nil errors as success.
	IsAnswer func(error) bool
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

// Snapshot is the observable breaker state.
type Snapshot struct {
	State        State      `json:"state"`
	FailureCount int        `json:"failureCount"`
	LastFailure  *time.Time `json:"lastFailureTime,omitempty"`
	NextAttempt  *time.Time `json:"nextAttempt"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	reset     time.Duration
	isFailure func(error) bool
	isAnswer  func(error) bool
	clock     clock.Clock
	logger    *slog.Logger
	observer  Observer

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool
}

// New constructs a closed breaker. Zero thresholds fall back to five failures
// and a sixty second reset window.
func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 60 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "upstream"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		reset:     reset,
		isFailure: cfg.IsFailure,
		isAnswer:  cfg.IsAnswer,
		clock:     clock.Or(cfg.Clock),
		logger:    logger.With(slog.String("agent", "breaker"), slog.String("breaker", name)),
		observer:  cfg.Observer,
		state:     StateClosed,
	}
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open, then records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(callErr, trial)
	return callErr
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var from State
	transitioned := false
	switch b.state {
	case StateOpen:
		if b.clock.Now().Before(b.nextAttempt) {
			next := b.nextAttempt
			b.mu.Unlock()
			return false, &faults.CircuitOpenError{NextAttempt: next}
		}
		from, transitioned = b.state, true
		b.state = StateHalfOpen
		b.trialInFlight = true
		trial = true
	case StateHalfOpen:
		if b.trialInFlight {
			next := b.nextAttempt
			b.mu.Unlock()
			return false, &faults.CircuitOpenError{NextAttempt: next}
		}
		b.trialInFlight = true
		trial = true
	}
	b.mu.Unlock()
	if transitioned {
		b.notify(from, StateHalfOpen)
	}
	return trial, nil
}

func (b *Breaker) record(err error, trial bool) {
	succeeded := err == nil || (b.isAnswer != nil && b.isAnswer(err))
	counts := !succeeded && (b.isFailure == nil || b.isFailure(err))

	b.mu.Lock()
	from := b.state
	if trial {
		b.trialInFlight = false
	}
	switch {
	case succeeded:
		b.failures = 0
		b.state = StateClosed
		b.nextAttempt = time.Time{}
	case counts:
		now := b.clock.Now()
		b.failures++
		b.lastFailure = now
		if trial || b.failures >= b.threshold {
			b.state = StateOpen
			b.nextAttempt = now.Add(b.reset)
		}
	}
	// Any other outcome, such as a cancelled trial, leaves the state alone; a
	// half-open breaker admits the next caller as a fresh trial.
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit breaker transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("failure_count", failures))
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.observer != nil {
		b.observer.BreakerTransition(b.name, from, to)
	}
}

// State returns the current position without side effects. An open breaker
// whose reset timeout has elapsed still reports OPEN until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{State: b.state, FailureCount: b.failures}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		snap.LastFailure = &last
	}
	if !b.nextAttempt.IsZero() {
		next := b.nextAttempt
		snap.NextAttempt = &next
	}
	return snap
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.nextAttempt = time.Time{}
	b.trialInFlight = false
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
