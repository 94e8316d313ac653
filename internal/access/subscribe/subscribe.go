// Package subscribe registers observers against resource URI patterns,
// optionally polls them for changes, and fans out change notifications.
package subscribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/contentgate/internal/access/cache"
	"github.com/l0p7/contentgate/internal/access/uri"
	"github.com/l0p7/contentgate/internal/clock"
	"github.com/l0p7/contentgate/internal/expr"
	"github.com/l0p7/contentgate/internal/faults"
	"github.com/l0p7/contentgate/internal/metrics"
)

// DefaultPollInterval applies when polling is enabled without an interval and
// the Manager has no configured default.
const DefaultPollInterval = 30 * time.Second

// EventType labels a notification.
type EventType string

const (
	EventUpdate EventType = "update"
	EventError  EventType = "error"
	EventDelete EventType = "delete"
)

// Event is delivered to callbacks.
type Event struct {
	Type  EventType `json:"type"`
	URI   string    `json:"uri"`
	Data  any       `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Callback observes events. It runs on the goroutine that produced the event:
// the NotifyChange caller, Subscribe for the initial poll, or a timer.
type Callback func(Event)

// Source reads and invalidates resources by URI.
type Source interface {
	Fetch(ctx context.Context, uri string) (any, error)
	Invalidate(ctx context.Context, uri string)
	InvalidateRelated(ctx context.Context, uri string) int
}

// Options configures one subscription.
type Options struct {
	Polling  bool
	Interval time.Duration
	// Where is a CEL predicate over data, uri, event, resource, and now.
	// Update events are only delivered when it holds; errors always are.
	Where string
}

// Info describes a registered subscription.
type Info struct {
	ID       string        `json:"id"`
	Pattern  string        `json:"uriPattern"`
	Polling  bool          `json:"pollingEnabled"`
	Interval time.Duration `json:"pollingInterval,omitempty"`
	Where    string        `json:"where,omitempty"`
}

type subscription struct {
	id       string
	pattern  string
	parsed   uri.URI
	callback Callback
	polling  bool
	interval time.Duration
	where    *expr.Program

	// guarded by Manager.mu
	signature string
	timer     clock.Timer
}

// Config wires a Manager.
type Config struct {
	Source Source
	// DefaultInterval replaces DefaultPollInterval for subscriptions that
	// enable polling without an interval.
	DefaultInterval time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	source   Source
	interval time.Duration
	clock    clock.Clock
	metrics  *metrics.Recorder
	logger   *slog.Logger
	env      *expr.Environment

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New builds a Manager. Source is required.
func New(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, errors.New("subscribe: source required")
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.DefaultInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:   cfg.Source,
		interval: interval,
		clock:    clock.Or(cfg.Clock),
		metrics:  cfg.Metrics,
		logger:   logger.With(slog.String("agent", "subscriptions")),
		env:      env,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
	}, nil
}

// Subscribe registers callback for pattern and returns the subscription id.
// With polling enabled it fetches immediately, emits the first update (or an
// error event) before returning, and re-checks every interval. A failing first
// fetch keeps the subscription alive.
func (m *Manager) Subscribe(ctx context.Context, pattern string, callback Callback, opts Options) (string, error) {
	if callback == nil {
		return "", faults.Validation("Subscription callback required")
	}
	parsed, err := uri.Parse(pattern)
	if err != nil {
		return "", err
	}
	sub := &subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		parsed:   parsed,
		callback: callback,
		polling:  opts.Polling,
	}
	if sub.polling {
		sub.interval = opts.Interval
		if sub.interval <= 0 {
			sub.interval = m.interval
		}
	}
	if opts.Where != "" {
		program, err := m.env.Compile(opts.Where)
		if err != nil {
			return "", faults.Validation("Invalid subscription filter", err.Error())
		}
		sub.where = &program
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("subscribe: manager closed")
	}
	m.subs[sub.id] = sub
	count := len(m.subs)
	m.mu.Unlock()
	m.metrics.SetActiveSubscriptions(count)

	m.logger.LogAttrs(ctx, slog.LevelInfo, "subscription registered",
		slog.String("subscription", sub.id),
		slog.String("uri", pattern),
		slog.Bool("polling", sub.polling),
	)

	if sub.polling {
		value, err := m.source.Fetch(ctx, sub.pattern)
		m.observe(ctx, sub, value, err)
		m.schedule(sub)
	}
	return sub.id, nil
}

// Unsubscribe cancels any pending poll and removes the subscription. A poll
// already running completes, but its result is discarded.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return faults.NotFound("subscription", id)
	}
	delete(m.subs, id)
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	count := len(m.subs)
	m.mu.Unlock()
	m.metrics.SetActiveSubscriptions(count)
	m.logger.Info("subscription removed", slog.String("subscription", id))
	return nil
}

// NotifyChange invalidates cache entries related to changed and synchronously
// delivers an event to every subscription whose pattern is related to it. The
// number of callbacks invoked is returned.
func (m *Manager) NotifyChange(ctx context.Context, changed string, data any, typ EventType) int {
	if typ == "" {
		typ = EventUpdate
	}
	removed := m.source.InvalidateRelated(ctx, changed)

	m.mu.Lock()
	matched := make([]*subscription, 0)
	for _, sub := range m.subs {
		if cache.Related(sub.pattern, changed) {
			matched = append(matched, sub)
		}
	}
	m.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	delivered := 0
	for _, sub := range matched {
		if m.deliver(ctx, sub, Event{Type: typ, URI: changed, Data: data}) {
			delivered++
		}
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "change notified",
		slog.String("uri", changed),
		slog.String("type", string(typ)),
		slog.Int("invalidated", removed),
		slog.Int("delivered", delivered),
	)
	return delivered
}

// List returns registered subscriptions ordered by pattern then id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.subs))
	for _, sub := range m.subs {
		info := Info{ID: sub.id, Pattern: sub.pattern, Polling: sub.polling, Interval: sub.interval}
		if sub.where != nil {
			info.Where = sub.where.Source()
		}
		out = append(out, info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops every poll and drops all subscriptions. Later Subscribe calls
// fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, sub := range m.subs {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		delete(m.subs, id)
	}
	m.mu.Unlock()
	m.cancel()
	m.metrics.SetActiveSubscriptions(0)
}

func (m *Manager) schedule(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sub.id] != sub {
		return
	}
	sub.timer = m.clock.AfterFunc(sub.interval, func() { m.tick(sub) })
}

// tick re-fetches past the cache and reports a change. The next tick is only
// scheduled once this one finishes, so polls never overlap.
func (m *Manager) tick(sub *subscription) {
	if !m.active(sub) {
		return
	}
	ctx := m.ctx
	m.source.Invalidate(ctx, sub.pattern)
	value, err := m.source.Fetch(ctx, sub.pattern)
	if !m.active(sub) {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "discarding poll for removed subscription",
			slog.String("subscription", sub.id))
		return
	}
	m.observe(ctx, sub, value, err)
	m.schedule(sub)
}

func (m *Manager) active(sub *subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.subs[sub.id] == sub
}

// observe compares a polled value with the last one seen and emits an update
// when it changed.
func (m *Manager) observe(ctx context.Context, sub *subscription, value any, err error) {
	if err != nil {
		m.deliver(ctx, sub, Event{Type: EventError, URI: sub.pattern, Error: err.Error()})
		return
	}
	sig, sigErr := signature(value)
	if sigErr != nil {
		m.deliver(ctx, sub, Event{Type: EventError, URI: sub.pattern, Error: sigErr.Error()})
		return
	}
	m.mu.Lock()
	changed := sig != sub.signature
	sub.signature = sig
	m.mu.Unlock()
	if changed {
		m.deliver(ctx, sub, Event{Type: EventUpdate, URI: sub.pattern, Data: value})
	}
}

// deliver applies the subscription filter and invokes the callback, isolating
// the caller from callback panics.
func (m *Manager) deliver(ctx context.Context, sub *subscription, ev Event) (delivered bool) {
	if ev.Type != EventError && sub.where != nil {
		ok, err := sub.where.EvalBool(m.activation(ev))
		if err != nil {
			m.logger.LogAttrs(ctx, slog.LevelWarn, "subscription filter failed",
				slog.String("subscription", sub.id),
				slog.String("uri", ev.URI),
				slog.String("error", err.Error()),
			)
			return false
		}
		if !ok {
			return false
		}
	}
	defer func() {
		if r := recover(); r != nil {
			delivered = false
			m.logger.LogAttrs(ctx, slog.LevelError, "subscription callback panicked",
				slog.String("subscription", sub.id),
				slog.Any("panic", r),
			)
		}
	}()
	sub.callback(ev)
	m.metrics.ObserveSubscriptionEvent(string(ev.Type))
	return true
}

func (m *Manager) activation(ev Event) map[string]any {
	resource := map[string]any{}
	if parsed, err := uri.Parse(ev.URI); err == nil {
		query := make(map[string]any, len(parsed.Query))
		for k, v := range parsed.Query {
			query[k] = v
		}
		resource = map[string]any{
			"namespace":      parsed.Namespace,
			"type":           parsed.Type,
			"identifier":     parsed.Identifier,
			"identifierType": string(parsed.IdentifierType),
			"query":          query,
		}
	}
	data := ev.Data
	if data != nil {
		data = plain(data)
	}
	return map[string]any{
		"data":     data,
		"uri":      ev.URI,
		"event":    string(ev.Type),
		"resource": resource,
		"now":      m.clock.Now(),
	}
}

// plain round-trips typed values through JSON so CEL sees maps and lists.
func plain(v any) any {
	switch v.(type) {
	case map[string]any, []any, string, bool, int64, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// signature is a structural hash of a value. encoding/json sorts map keys, so
// equal values hash equally.
func signature(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("subscribe: signature: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
