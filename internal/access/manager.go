// Package access is the facade callers use to read, watch, and write content
// resources. It composes the fetcher, the subscription manager, and the
// invoker that both sit on, and owns nothing global: every dependency arrives
// through Options.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/contentgate/internal/access/breaker"
	"github.com/l0p7/contentgate/internal/access/cache"
	"github.com/l0p7/contentgate/internal/access/fetch"
	"github.com/l0p7/contentgate/internal/access/invoke"
	"github.com/l0p7/contentgate/internal/access/subscribe"
	"github.com/l0p7/contentgate/internal/access/uri"
	"github.com/l0p7/contentgate/internal/clock"
	"github.com/l0p7/contentgate/internal/faults"
	"github.com/l0p7/contentgate/internal/metrics"
)

// DefaultBatchConcurrency bounds BatchFetch and Prefetch fan-out.
const DefaultBatchConcurrency = 8

// Options is the dependency set for a Manager. It is built once at startup.
type Options struct {
	Invoker *invoke.Invoker
	Fetcher *fetch.Fetcher
	Clock   clock.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// Catalog seeds the resource catalog.
	Catalog []Descriptor
	// BatchConcurrency caps concurrent fetches per batch; <= 0 uses the
	// default.
	BatchConcurrency int
	// PollInterval is the default for polling subscriptions.
	PollInterval time.Duration
}

// Manager is safe for concurrent use.
type Manager struct {
	invoker       *invoke.Invoker
	fetcher       *fetch.Fetcher
	subscriptions *subscribe.Manager
	clock         clock.Clock
	logger        *slog.Logger
	concurrency   int

	catalogMu sync.RWMutex
	// catalog holds configured descriptors; registered holds those added at
	// runtime, which survive catalog reloads and win on conflict.
	catalog    map[string]Descriptor
	registered map[string]Descriptor
}

// New validates opts and assembles a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Invoker == nil {
		return nil, errors.New("access: invoker required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("access: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		invoker:     opts.Invoker,
		fetcher:     opts.Fetcher,
		clock:       clock.Or(opts.Clock),
		logger:      logger.With(slog.String("agent", "access")),
		concurrency: opts.BatchConcurrency,
		catalog:     make(map[string]Descriptor),
		registered:  make(map[string]Descriptor),
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultBatchConcurrency
	}
	if err := m.ReplaceCatalog(opts.Catalog); err != nil {
		return nil, err
	}
	subs, err := subscribe.New(subscribe.Config{
		Source:          source{m},
		DefaultInterval: opts.PollInterval,
		Clock:           m.clock,
		Metrics:         opts.Metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("access: %w", err)
	}
	m.subscriptions = subs
	return m, nil
}

// FetchResource parses raw and returns the addressed item or page, served from
// cache when possible.
func (m *Manager) FetchResource(ctx context.Context, raw string) (fetch.Result, error) {
	parsed, err := uri.Parse(raw)
	if err != nil {
		return fetch.Result{}, err
	}
	return m.fetcher.Fetch(ctx, parsed)
}

// BatchError is the failure recorded for one URI of a batch.
type BatchError struct {
	Message string      `json:"message"`
	Kind    faults.Kind `json:"kind,omitempty"`
}

// BatchResult splits a batch into successes and failures, keyed by the URI as
// given.
type BatchResult struct {
	Results map[string]fetch.Result `json:"results"`
	Errors  map[string]BatchError   `json:"errors"`
}

// BatchFetch fetches every URI concurrently. A failing URI is recorded in
// Errors and never stops the others.
func (m *Manager) BatchFetch(ctx context.Context, uris []string) BatchResult {
	out := BatchResult{
		Results: make(map[string]fetch.Result, len(uris)),
		Errors:  make(map[string]BatchError),
	}
	var mu sync.Mutex
	m.settle(ctx, uris, func(raw string, result fetch.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			out.Errors[raw] = BatchError{Message: err.Error(), Kind: faults.KindOf(err)}
			return
		}
		out.Results[raw] = result
	})
	return out
}

// PrefetchStatus reports the outcome of warming one pattern.
type PrefetchStatus struct {
	Pattern string `json:"pattern"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

const (
	PrefetchSuccess = "success"
	PrefetchError   = "error"
)

// Prefetch warms the cache for uris and reports a status per pattern, in input
// order.
func (m *Manager) Prefetch(ctx context.Context, uris []string) []PrefetchStatus {
	statuses := make([]PrefetchStatus, len(uris))
	index := make(map[string][]int, len(uris))
	for i, raw := range uris {
		index[raw] = append(index[raw], i)
		statuses[i] = PrefetchStatus{Pattern: raw}
	}
	var mu sync.Mutex
	m.settle(ctx, uris, func(raw string, _ fetch.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		for _, i := range index[raw] {
			if err != nil {
				statuses[i].Status = PrefetchError
				statuses[i].Error = err.Error()
				continue
			}
			statuses[i].Status = PrefetchSuccess
		}
	})
	return statuses
}

// settle fetches each distinct URI once and reports every outcome. Workers
// never return an error, so the group always waits for all of them.
func (m *Manager) settle(ctx context.Context, uris []string, report func(raw string, result fetch.Result, err error)) {
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	seen := make(map[string]struct{}, len(uris))
	for _, raw := range uris {
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		g.Go(func() error {
			result, err := m.FetchResource(ctx, raw)
			report(raw, result, err)
			return nil
		})
	}
	_ = g.Wait()
}

// InvalidateCache drops cached entries whose key contains pattern, or all
// entries when pattern is empty.
func (m *Manager) InvalidateCache(ctx context.Context, pattern string) int {
	removed := m.fetcher.Cache().Invalidate(ctx, pattern)
	m.logger.LogAttrs(ctx, slog.LevelInfo, "cache invalidated",
		slog.String("pattern", pattern),
		slog.Int("removed", removed),
	)
	return removed
}

// CacheStats reports local cache occupancy.
func (m *Manager) CacheStats() cache.Stats { return m.fetcher.Cache().Stats() }

// Subscribe registers callback for pattern. See subscribe.Manager.Subscribe.
func (m *Manager) Subscribe(ctx context.Context, pattern string, callback subscribe.Callback, opts subscribe.Options) (string, error) {
	return m.subscriptions.Subscribe(ctx, pattern, callback, opts)
}

// Unsubscribe removes a subscription by id.
func (m *Manager) Unsubscribe(id string) error { return m.subscriptions.Unsubscribe(id) }

// Subscriptions lists registered subscriptions.
func (m *Manager) Subscriptions() []subscribe.Info { return m.subscriptions.List() }

// NotifyChange invalidates cache entries related to changed and delivers the
// event to matching subscribers before returning.
func (m *Manager) NotifyChange(ctx context.Context, changed string, data any, typ subscribe.EventType) int {
	return m.subscriptions.NotifyChange(ctx, changed, data, typ)
}

// Mutate performs a write through the invoker and, once it succeeds, notifies
// the affected item and collection URIs. Notification completes before Mutate
// returns.
func (m *Manager) Mutate(ctx context.Context, typ, action string, data any, options map[string]any) (any, error) {
	if !uri.KnownType(typ) {
		return nil, faults.Validation(fmt.Sprintf("Unknown resource type %q", typ))
	}
	if !invoke.Mutates(action) {
		return nil, faults.Validation(fmt.Sprintf("Action %q does not modify resources", action))
	}
	target := uri.URI{Namespace: m.fetcher.Namespace(), Type: typ}
	start := m.clock.Now()
	result, err := m.invoker.Invoke(ctx, target.Resource(), action, data, options)
	if err != nil {
		return nil, err
	}

	event := subscribe.EventUpdate
	payload := result
	if invoke.Deletes(action) {
		event = subscribe.EventDelete
		payload = data
	}
	collection := uri.URI{Namespace: target.Namespace, Type: target.Resource()}
	notified := []string{uri.Build(collection)}
	if id := identifierOf(result, data); id != "" {
		item := uri.URI{Namespace: target.Namespace, Type: target.Singular(), Identifier: id, IdentifierType: uri.IdentifierID}
		notified = append(notified, uri.Build(item))
	}
	for _, changed := range notified {
		m.NotifyChange(ctx, changed, payload, event)
	}
	m.logger.LogAttrs(ctx, slog.LevelInfo, "resource mutated",
		slog.String("resource", target.Resource()),
		slog.String("action", action),
		slog.Any("notified", notified),
		slog.Int64("latency_ms", m.clock.Now().Sub(start).Milliseconds()),
	)
	return result, nil
}

// identifierOf finds the id of a written resource in the upstream result or,
// for deletes, in what the caller passed.
func identifierOf(result, data any) string {
	for _, v := range []any{result, data} {
		switch typed := v.(type) {
		case string:
			if typed != "" {
				return typed
			}
		case map[string]any:
			if id, ok := typed["id"]; ok && id != nil {
				if s := fmt.Sprint(id); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// ResolveTags looks up each tag by name. Names that cannot be resolved are
// logged and skipped; the rest are returned in input order.
func (m *Manager) ResolveTags(ctx context.Context, names []string) []any {
	tags := make([]any, 0, len(names))
	for _, name := range names {
		target := uri.URI{
			Namespace:      m.fetcher.Namespace(),
			Type:           "tag",
			Identifier:     name,
			IdentifierType: uri.IdentifierName,
		}
		result, err := m.fetcher.Fetch(ctx, target)
		if err != nil {
			m.logger.LogAttrs(ctx, slog.LevelWarn, "skipping unresolved tag",
				slog.String("tag", name),
				slog.String("uri", uri.Build(target)),
				slog.String("error", err.Error()),
			)
			continue
		}
		tags = append(tags, result.Value())
	}
	return tags
}

// Health is the probe result.
type Health struct {
	Status         string           `json:"status"`
	Site           any              `json:"site,omitempty"`
	Error          string           `json:"error,omitempty"`
	CircuitBreaker breaker.Snapshot `json:"circuitBreaker"`
	Timestamp      time.Time        `json:"timestamp"`
}

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Healthy reports whether the probe succeeded.
func (h Health) Healthy() bool { return h.Status == HealthHealthy }

// CheckHealth reads site metadata through the invoker. It never returns an
// error; failures are folded into an unhealthy result.
func (m *Manager) CheckHealth(ctx context.Context) Health {
	site, err := m.invoker.Invoke(ctx, "site", "read", nil, nil)
	health := Health{
		Status:         HealthHealthy,
		Site:           site,
		CircuitBreaker: m.invoker.Breaker().Snapshot(),
		Timestamp:      m.clock.Now(),
	}
	if err != nil {
		health.Status = HealthUnhealthy
		health.Site = nil
		health.Error = err.Error()
		m.logger.LogAttrs(ctx, slog.LevelWarn, "health check failed", slog.String("error", err.Error()))
	}
	return health
}

// Close stops subscriptions and releases the cache.
func (m *Manager) Close(ctx context.Context) error {
	m.subscriptions.Close()
	return m.fetcher.Cache().Close(ctx)
}

// source adapts the Manager for the subscription manager, which deals in raw
// URIs and plain values.
type source struct{ m *Manager }

func (s source) Fetch(ctx context.Context, raw string) (any, error) {
	result, err := s.m.FetchResource(ctx, raw)
	if err != nil {
		return nil, err
	}
	return result.Value(), nil
}

func (s source) Invalidate(ctx context.Context, raw string) {
	key, err := uri.Canonical(raw)
	if err != nil {
		key = raw
	}
	s.m.fetcher.Cache().Delete(ctx, key)
}

func (s source) InvalidateRelated(ctx context.Context, raw string) int {
	return s.m.fetcher.Cache().InvalidateRelated(ctx, raw)
}
