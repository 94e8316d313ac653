// Package invoke dispatches a single logical resource.action call to the
// upstream API behind the circuit breaker and retry policy, translating every
// failure into the fault taxonomy.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/l0p7/contentgate/internal/access/breaker"
	"github.com/l0p7/contentgate/internal/access/retry"
	"github.com/l0p7/contentgate/internal/faults"
	"github.com/l0p7/contentgate/internal/metrics"
)

// API is the remote collaborator. Call receives positional arguments shaped by
// the action's verb class.
type API interface {
	Capabilities() map[string][]string
	Call(ctx context.Context, resource, action string, args ...any) (any, error)
}

type verbClass int

const (
	verbUnknown verbClass = iota
	verbRead
	verbWrite
	verbDelete
)

var verbs = map[string]verbClass{
	"browse":  verbRead,
	"read":    verbRead,
	"get":     verbRead,
	"list":    verbRead,
	"add":     verbWrite,
	"create":  verbWrite,
	"edit":    verbWrite,
	"update":  verbWrite,
	"delete":  verbDelete,
	"destroy": verbDelete,
	"remove":  verbDelete,
}

// Mutates reports whether action changes upstream state.
func Mutates(action string) bool {
	class := verbs[action]
	return class == verbWrite || class == verbDelete
}

// Deletes reports whether action removes a resource.
func Deletes(action string) bool { return verbs[action] == verbDelete }

// Options wires an Invoker.
type Options struct {
	API API
	// Breaker guards every call that does not opt out. Nil builds a default
	// breaker that only counts upstream faults.
	Breaker *breaker.Breaker
	// Retry is the base policy; nil uses retry.DefaultPolicy. WithMaxRetries
	// overrides its attempt budget.
	Retry   *retry.Policy
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Invoker is safe for concurrent use.
type Invoker struct {
	api          API
	capabilities map[string]map[string]struct{}
	breaker      *breaker.Breaker
	policy       retry.Policy
	metrics      *metrics.Recorder
	logger       *slog.Logger
}

type callConfig struct {
	maxRetries int
	useBreaker bool
}

// CallOption adjusts a single Invoke.
type CallOption func(*callConfig)

// WithMaxRetries sets the retry budget. Zero disables retries.
func WithMaxRetries(n int) CallOption {
	return func(c *callConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithCircuitBreaker toggles the breaker for this call.
func WithCircuitBreaker(enabled bool) CallOption {
	return func(c *callConfig) { c.useBreaker = enabled }
}

// New snapshots the API's capabilities.
func New(opts Options) (*Invoker, error) {
	if opts.API == nil {
		return nil, errors.New("invoke: api required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := opts.Breaker
	if b == nil {
		b = breaker.New(breaker.Config{
			IsFailure: faults.IsUpstreamFault,
			IsAnswer:  faults.IsUpstreamAnswer,
			Logger:    logger,
			Observer:  BreakerObserver(opts.Metrics),
		})
	}
	policy := retry.DefaultPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	caps := make(map[string]map[string]struct{})
	for resource, actions := range opts.API.Capabilities() {
		set := make(map[string]struct{}, len(actions))
		for _, action := range actions {
			set[action] = struct{}{}
		}
		caps[resource] = set
	}
	return &Invoker{
		api:          opts.API,
		capabilities: caps,
		breaker:      b,
		policy:       policy,
		metrics:      opts.Metrics,
		logger:       logger.With(slog.String("agent", "invoker")),
	}, nil
}

// Breaker exposes the shared breaker for health reporting.
func (i *Invoker) Breaker() *breaker.Breaker { return i.breaker }

// Resources lists the supported resources in sorted order.
func (i *Invoker) Resources() []string {
	out := make([]string, 0, len(i.capabilities))
	for resource := range i.capabilities {
		out = append(out, resource)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether resource.action is a known capability.
func (i *Invoker) Supports(resource, action string) bool {
	actions, ok := i.capabilities[resource]
	if !ok {
		return false
	}
	_, ok = actions[action]
	return ok
}

// Invoke validates resource.action, shapes the arguments, and runs the call
// under breaker(retry(call)). Read verbs pass (options, data), write verbs
// (data, options), delete verbs (identifier, options). For delete, data may be
// the identifier itself or a map holding "id".
func (i *Invoker) Invoke(ctx context.Context, resource, action string, data any, options map[string]any, opts ...CallOption) (any, error) {
	cfg := callConfig{maxRetries: i.policy.MaxAttempts, useBreaker: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	args, err := i.shape(resource, action, data, options)
	if err != nil {
		return nil, err
	}

	policy := i.policy
	policy.MaxAttempts = cfg.maxRetries
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		i.metrics.ObserveRetry(resource, action, string(faults.KindOf(err)))
		i.logger.LogAttrs(ctx, slog.LevelWarn, "retrying upstream call",
			slog.String("resource", resource),
			slog.String("action", action),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	attemptCall := func(ctx context.Context) (any, error) {
		result, err := i.api.Call(ctx, resource, action, args...)
		if err != nil {
			return nil, faults.Classify(err)
		}
		return result, nil
	}
	withRetry := func(ctx context.Context) (any, error) {
		return retry.Do(ctx, policy, attemptCall)
	}

	start := time.Now()
	var result any
	if cfg.useBreaker {
		result, err = breaker.Do(ctx, i.breaker, withRetry)
	} else {
		result, err = withRetry(ctx)
	}
	err = faults.Classify(err)
	i.observe(ctx, resource, action, err, time.Since(start))
	return result, err
}

func (i *Invoker) shape(resource, action string, data any, options map[string]any) ([]any, error) {
	actions, ok := i.capabilities[resource]
	if !ok {
		return nil, faults.Validation(fmt.Sprintf("Unsupported resource %q", resource))
	}
	if _, ok := actions[action]; !ok {
		return nil, faults.Validation(fmt.Sprintf("Unsupported action %q for resource %q", action, resource))
	}
	switch verbs[action] {
	case verbRead:
		return []any{options, data}, nil
	case verbWrite:
		return []any{data, options}, nil
	case verbDelete:
		id := data
		if m, ok := data.(map[string]any); ok {
			id = m["id"]
		}
		if id == nil || id == "" {
			return nil, faults.Validation(fmt.Sprintf("%s.%s requires an identifier", resource, action))
		}
		return []any{id, options}, nil
	default:
		return nil, faults.Validation(fmt.Sprintf("Unknown action verb %q", action))
	}
}

func (i *Invoker) observe(ctx context.Context, resource, action string, err error, elapsed time.Duration) {
	outcome := metrics.UpstreamOutcomeSuccess
	level := slog.LevelDebug
	switch {
	case err == nil:
	case faults.KindOf(err) == faults.KindCircuitOpen:
		outcome = metrics.UpstreamOutcomeRejected
		level = slog.LevelWarn
	default:
		outcome = metrics.UpstreamOutcomeFailure
		if faults.IsUpstreamFault(err) {
			level = slog.LevelWarn
		}
	}
	i.metrics.ObserveUpstreamCall(resource, action, outcome, elapsed)

	attrs := []slog.Attr{
		slog.String("resource", resource),
		slog.String("action", action),
		slog.String("outcome", outcome),
		slog.Float64("latency_ms", float64(elapsed.Microseconds())/1000),
	}
	if err != nil {
		attrs = append(attrs, slog.String("kind", string(faults.KindOf(err))), slog.String("error", err.Error()))
	}
	i.logger.LogAttrs(ctx, level, "upstream call complete", attrs...)
}

type breakerMetrics struct {
	rec *metrics.Recorder
}

// BreakerObserver publishes breaker transitions to rec. A nil recorder yields
// a no-op observer.
func BreakerObserver(rec *metrics.Recorder) breaker.Observer {
	return breakerMetrics{rec: rec}
}

func (o breakerMetrics) BreakerTransition(name string, from, to breaker.State) {
	o.rec.ObserveBreakerTransition(name, from.String(), to.String())
	o.rec.SetBreakerState(name, int(to))
}
