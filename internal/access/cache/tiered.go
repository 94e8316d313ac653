package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/contentgate/internal/clock"
	"github.com/l0p7/contentgate/internal/metrics"
)

const (
	tierLocal  = "local"
	tierShared = "shared"
)

// Codec converts values for the shared tier.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// sharedEnvelope carries the absolute expiry so a value promoted from the
// shared tier keeps its remaining lifetime locally.
type sharedEnvelope struct {
	ExpiresAt time.Time       `json:"expiresAt"`
	Value     json.RawMessage `json:"value"`
}

// TieredOptions wires a Tiered cache.
type TieredOptions[V any] struct {
	Local   *LRU[V]
	Shared  Shared
	Codec   Codec[V]
	Clock   clock.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Tiered consults the local LRU first, then the optional shared tier. Shared
// tier failures are logged and treated as misses so a flaky cache never fails
// a fetch.
type Tiered[V any] struct {
	local   *LRU[V]
	shared  Shared
	codec   Codec[V]
	clock   clock.Clock
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewTiered builds the cache front. A nil Local gets a default LRU.
func NewTiered[V any](opts TieredOptions[V]) *Tiered[V] {
	c := clock.Or(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	local := opts.Local
	if local == nil {
		local = NewLRU[V](0, 0, WithClock[V](c))
	}
	var codec Codec[V] = JSONCodec[V]{}
	if opts.Codec != nil {
		codec = opts.Codec
	}
	return &Tiered[V]{
		local:   local,
		shared:  opts.Shared,
		codec:   codec,
		clock:   c,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("agent", "cache")),
	}
}

// HasShared reports whether a shared tier is configured.
func (t *Tiered[V]) HasShared() bool { return t.shared != nil }

// Get returns a live value from the first tier holding one.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	start := time.Now()
	if v, ok := t.local.Get(key); ok {
		t.metrics.ObserveCacheLookup(tierLocal, metrics.CacheLookupHit, time.Since(start))
		return v, true
	}
	t.metrics.ObserveCacheLookup(tierLocal, metrics.CacheLookupMiss, time.Since(start))

	var zero V
	if t.shared == nil {
		return zero, false
	}
	start = time.Now()
	payload, ok, err := t.shared.Lookup(ctx, key)
	if err != nil {
		t.metrics.ObserveCacheLookup(tierShared, metrics.CacheLookupError, time.Since(start))
		t.logger.Warn("shared cache lookup failed", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	if !ok {
		t.metrics.ObserveCacheLookup(tierShared, metrics.CacheLookupMiss, time.Since(start))
		return zero, false
	}
	var env sharedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.metrics.ObserveCacheLookup(tierShared, metrics.CacheLookupError, time.Since(start))
		t.logger.Warn("shared cache entry undecodable", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	remaining := env.ExpiresAt.Sub(t.clock.Now())
	if remaining <= 0 {
		t.metrics.ObserveCacheLookup(tierShared, metrics.CacheLookupMiss, time.Since(start))
		return zero, false
	}
	v, err := t.codec.Decode(env.Value)
	if err != nil {
		t.metrics.ObserveCacheLookup(tierShared, metrics.CacheLookupError, time.Since(start))
		t.logger.Warn("shared cache value undecodable", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	t.metrics.ObserveCacheLookup(tierShared, metrics.CacheLookupHit, time.Since(start))
	t.local.Set(key, v, remaining)
	return v, true
}

// Set writes through both tiers.
func (t *Tiered[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	start := time.Now()
	t.local.Set(key, value, ttl)
	t.metrics.ObserveCacheStore(tierLocal, metrics.CacheStoreStored, time.Since(start))
	if t.shared == nil || ttl <= 0 {
		return
	}
	start = time.Now()
	if err := t.storeShared(ctx, key, value, ttl); err != nil {
		t.metrics.ObserveCacheStore(tierShared, metrics.CacheStoreError, time.Since(start))
		t.logger.Warn("shared cache store failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	t.metrics.ObserveCacheStore(tierShared, metrics.CacheStoreStored, time.Since(start))
}

func (t *Tiered[V]) storeShared(ctx context.Context, key string, value V, ttl time.Duration) error {
	encoded, err := t.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	payload, err := json.Marshal(sharedEnvelope{ExpiresAt: t.clock.Now().Add(ttl), Value: encoded})
	if err != nil {
		return fmt.Errorf("cache: envelope: %w", err)
	}
	return t.shared.Store(ctx, key, payload, ttl)
}

// Delete removes key from both tiers.
func (t *Tiered[V]) Delete(ctx context.Context, key string) {
	t.local.Delete(key)
	if t.shared == nil {
		return
	}
	if err := t.shared.Delete(ctx, key); err != nil {
		t.logger.Warn("shared cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Invalidate removes keys containing pattern from both tiers, or everything
// when pattern is empty. It returns the number of local entries removed.
func (t *Tiered[V]) Invalidate(ctx context.Context, pattern string) int {
	removed := t.local.Invalidate(pattern)
	t.metrics.ObserveCacheInvalidation(tierLocal, removed)
	t.invalidateShared(ctx, pattern)
	return removed
}

// InvalidateRelated removes keys that are a prefix of uri or have uri as a
// prefix. The shared tier cannot scan by that relation, so it drops every key
// containing uri's path part plus each strict prefix of that path.
func (t *Tiered[V]) InvalidateRelated(ctx context.Context, uri string) int {
	if uri == "" {
		return 0
	}
	removed := t.local.RemoveFunc(func(key string) bool { return Related(key, uri) })
	t.metrics.ObserveCacheInvalidation(tierLocal, removed)
	path, _, _ := strings.Cut(uri, "?")
	if t.shared != nil && len(path) > 1 {
		prefixes := make([]string, 0, len(path)-1)
		for i := 1; i < len(path); i++ {
			prefixes = append(prefixes, path[:i])
		}
		if err := t.shared.Delete(ctx, prefixes...); err != nil {
			t.logger.Warn("shared cache delete failed", slog.String("uri", uri), slog.Any("error", err))
		}
	}
	t.invalidateShared(ctx, path)
	return removed
}

func (t *Tiered[V]) invalidateShared(ctx context.Context, pattern string) {
	if t.shared == nil {
		return
	}
	n, err := t.shared.DeleteMatching(ctx, pattern)
	if err != nil {
		t.logger.Warn("shared cache invalidation failed", slog.String("pattern", pattern), slog.Any("error", err))
		return
	}
	t.metrics.ObserveCacheInvalidation(tierShared, n)
}

// Stats describes the local tier.
func (t *Tiered[V]) Stats() Stats { return t.local.Stats() }

// Close releases the shared tier.
func (t *Tiered[V]) Close(ctx context.Context) error {
	if t.shared == nil {
		return nil
	}
	return t.shared.Close(ctx)
}
