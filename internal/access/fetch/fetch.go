// Package fetch turns a parsed resource URI into upstream calls, shapes the
// response, and keeps it in the resource cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/contentgate/internal/access/cache"
	"github.com/l0p7/contentgate/internal/access/invoke"
	"github.com/l0p7/contentgate/internal/access/uri"
	"github.com/l0p7/contentgate/internal/clock"
	"github.com/l0p7/contentgate/internal/faults"
	"github.com/l0p7/contentgate/internal/metrics"
	"github.com/l0p7/contentgate/internal/upstream"
)

const (
	// DefaultLimit applies to collections without an explicit limit.
	DefaultLimit = 15
	// DefaultItemTTL caches single items.
	DefaultItemTTL = 5 * time.Minute
	// DefaultCollectionTTL caches collections, which change more often.
	DefaultCollectionTTL = time.Minute
)

// passthrough query parameters forwarded to the upstream as-is.
var passthrough = []string{"include", "order", "fields", "formats", "filter"}

// resourceAliases maps URI resource names onto upstream resources that serve them.
var resourceAliases = map[string]string{
	"authors": "users",
}

// Invoker performs guarded upstream calls.
type Invoker interface {
	Invoke(ctx context.Context, resource, action string, data any, options map[string]any, opts ...invoke.CallOption) (any, error)
}

// Cache is the resource cache: a local LRU with an optional shared tier.
type Cache = cache.Tiered[entry]

// CacheOptions sizes the resource cache.
type CacheOptions struct {
	MaxSize int
	TTL     time.Duration
	Shared  cache.Shared
	Clock   clock.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// NewCache builds the resource cache used by a Fetcher, with the codec the
// shared tier needs to round-trip results.
func NewCache(opts CacheOptions) *Cache {
	local := cache.NewLRU[entry](opts.MaxSize, opts.TTL,
		cache.WithClock[entry](opts.Clock),
		cache.WithEvictionHook[entry](func(string) { opts.Metrics.ObserveCacheEviction("local") }),
	)
	return cache.NewTiered(cache.TieredOptions[entry]{
		Local:   local,
		Shared:  opts.Shared,
		Codec:   entryCodec{},
		Clock:   opts.Clock,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})
}

// Options wires a Fetcher.
type Options struct {
	Invoker       Invoker
	Cache         *Cache
	Namespace     string
	DefaultLimit  int
	ItemTTL       time.Duration
	CollectionTTL time.Duration
	// Coalesce shares one upstream call between concurrent misses on a key.
	Coalesce bool
	Logger   *slog.Logger
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	invoker       Invoker
	cache         *Cache
	namespace     string
	defaultLimit  int
	itemTTL       time.Duration
	collectionTTL time.Duration
	coalesce      bool
	group         singleflight.Group
	logger        *slog.Logger
}

// New applies defaults. Invoker is required; a nil Cache gets a local-only one.
func New(opts Options) (*Fetcher, error) {
	if opts.Invoker == nil {
		return nil, errors.New("fetch: invoker required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Cache
	if c == nil {
		c = NewCache(CacheOptions{Logger: logger})
	}
	f := &Fetcher{
		invoker:       opts.Invoker,
		cache:         c,
		namespace:     opts.Namespace,
		defaultLimit:  opts.DefaultLimit,
		itemTTL:       opts.ItemTTL,
		collectionTTL: opts.CollectionTTL,
		coalesce:      opts.Coalesce,
		logger:        logger.With(slog.String("agent", "fetcher")),
	}
	if f.namespace == "" {
		f.namespace = "ghost"
	}
	if f.defaultLimit <= 0 {
		f.defaultLimit = DefaultLimit
	}
	if f.itemTTL <= 0 {
		f.itemTTL = DefaultItemTTL
	}
	if f.collectionTTL <= 0 {
		f.collectionTTL = DefaultCollectionTTL
	}
	return f, nil
}

// Namespace is the only URI namespace this fetcher serves.
func (f *Fetcher) Namespace() string { return f.namespace }

// Cache exposes the resource cache for invalidation and stats.
func (f *Fetcher) Cache() *Cache { return f.cache }

// Fetch returns the resource addressed by u, consulting the cache first and
// populating it on a miss. The canonical URI is the cache key.
func (f *Fetcher) Fetch(ctx context.Context, u uri.URI) (Result, error) {
	if u.Namespace != f.namespace {
		return Result{}, faults.Validation(fmt.Sprintf("Unknown namespace %q", u.Namespace))
	}
	key := uri.Build(u)
	if cached, ok := f.cache.Get(ctx, key); ok {
		f.logger.LogAttrs(ctx, slog.LevelDebug, "cache hit", slog.String("uri", key))
		return cached.result(), nil
	}

	if !f.coalesce {
		return f.load(ctx, u, key)
	}
	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.load(ctx, u, key)
	})
	if shared {
		f.logger.LogAttrs(ctx, slog.LevelDebug, "coalesced fetch", slog.String("uri", key))
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Invalidate drops the exact cache entry for u.
func (f *Fetcher) Invalidate(ctx context.Context, u uri.URI) {
	f.cache.Delete(ctx, uri.Build(u))
}

func (f *Fetcher) load(ctx context.Context, u uri.URI, key string) (Result, error) {
	start := time.Now()
	var (
		result Result
		err    error
		ttl    time.Duration
	)
	switch {
	case u.IsCollection():
		result, err = f.collection(ctx, u)
		ttl = f.collectionTTL
	case u.IdentifierType == uri.IdentifierID:
		result, err = f.byID(ctx, u)
		ttl = f.itemTTL
	default:
		result, err = f.byField(ctx, u)
		ttl = f.itemTTL
	}
	if err != nil {
		f.logger.LogAttrs(ctx, slog.LevelDebug, "fetch failed",
			slog.String("uri", key),
			slog.String("kind", string(faults.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}
	f.cache.Set(ctx, key, entry(result), ttl)
	f.logger.LogAttrs(ctx, slog.LevelDebug, "fetched resource",
		slog.String("uri", key),
		slog.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000),
	)
	return result, nil
}

func (f *Fetcher) resource(u uri.URI) string {
	r := u.Resource()
	if alias, ok := resourceAliases[r]; ok {
		return alias
	}
	return r
}

func (f *Fetcher) byID(ctx context.Context, u uri.URI) (Result, error) {
	options := make(map[string]any)
	for _, key := range []string{"include", "fields", "formats"} {
		if v := u.Param(key); v != "" {
			options[key] = v
		}
	}
	value, err := f.invoker.Invoke(ctx, f.resource(u), "read", map[string]any{"id": u.Identifier}, options)
	if err != nil {
		return Result{}, f.notFound(u, err)
	}
	if isEmpty(value) {
		return Result{}, faults.NotFound(u.Singular(), u.Identifier)
	}
	return Result{Item: value}, nil
}

func (f *Fetcher) byField(ctx context.Context, u uri.URI) (Result, error) {
	clause := string(u.IdentifierType) + ":" + quoteFilterValue(u.Identifier)
	options := map[string]any{"limit": 1}
	for _, key := range []string{"include", "fields", "formats"} {
		if v := u.Param(key); v != "" {
			options[key] = v
		}
	}
	if extra := u.Param("filter"); extra != "" {
		clause = extra + "+" + clause
	}
	options["filter"] = clause

	value, err := f.invoker.Invoke(ctx, f.resource(u), "browse", nil, options)
	if err != nil {
		return Result{}, f.notFound(u, err)
	}
	items, _ := listItems(value)
	if len(items) == 0 {
		return Result{}, faults.NotFound(u.Singular(), u.Identifier)
	}
	return Result{Item: items[0]}, nil
}

func (f *Fetcher) collection(ctx context.Context, u uri.URI) (Result, error) {
	options := make(map[string]any)
	for _, key := range passthrough {
		if v := u.Param(key); v != "" {
			options[key] = v
		}
	}
	if status := u.Param("status"); status != "" {
		clause := "status:" + status
		if explicit, ok := options["filter"].(string); ok && explicit != "" {
			clause = explicit + "+" + clause
		}
		options["filter"] = clause
	}

	limit, all, err := parseLimit(u.Param("limit"), f.defaultLimit)
	if err != nil {
		return Result{}, err
	}
	page, err := parsePage(u.Param("page"))
	if err != nil {
		return Result{}, err
	}
	if all {
		options["limit"] = "all"
	} else {
		options["limit"] = limit
	}
	options["page"] = page

	value, err := f.invoker.Invoke(ctx, f.resource(u), "browse", nil, options)
	if err != nil {
		return Result{}, err
	}
	items, pagination := listItems(value)
	if pagination != nil {
		return Result{Page: &Page{Data: items, Meta: Meta{Pagination: *pagination}}}, nil
	}
	shaped := paginate(items, page, limit, all)
	return Result{Page: &shaped}, nil
}

// notFound fills in the resource and identifier on an upstream 404.
func (f *Fetcher) notFound(u uri.URI, err error) error {
	var nf *faults.NotFoundError
	if errors.As(err, &nf) && nf.Resource == "" {
		return faults.NotFound(u.Singular(), u.Identifier)
	}
	return err
}

// paginate treats items as the complete collection and cuts out the requested
// page. It is used when the upstream reports no pagination.
func paginate(items []any, page, limit int, all bool) Page {
	total := len(items)
	if all || limit <= 0 {
		limit = max(total, 1)
	}
	pages := (total + limit - 1) / limit
	if pages == 0 {
		pages = 1
	}
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	data := make([]any, end-start)
	copy(data, items[start:end])

	p := upstream.Pagination{Page: page, Limit: limit, Pages: pages, Total: total}
	if page < pages {
		next := page + 1
		p.Next = &next
	}
	if page > 1 {
		prev := page - 1
		p.Prev = &prev
	}
	return Page{Data: data, Meta: Meta{Pagination: p}}
}

func listItems(value any) ([]any, *upstream.Pagination) {
	switch v := value.(type) {
	case upstream.Listing:
		return v.Items, v.Pagination
	case *upstream.Listing:
		if v == nil {
			return nil, nil
		}
		return v.Items, v.Pagination
	case []any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return []any{v}, nil
	}
}

func parseLimit(raw string, fallback int) (limit int, all bool, err error) {
	if raw == "" {
		return fallback, false, nil
	}
	if raw == "all" {
		return 0, true, nil
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil || n <= 0 {
		return 0, false, faults.Validation("Invalid limit", fmt.Sprintf("limit must be a positive integer or \"all\", got %q", raw))
	}
	return n, false, nil
}

func parsePage(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, faults.Validation("Invalid page", fmt.Sprintf("page must be a positive integer, got %q", raw))
	}
	return n, nil
}

// quoteFilterValue quotes values the filter grammar would otherwise split.
func quoteFilterValue(v string) string {
	plain := true
	for _, r := range v {
		if !(r == '-' || r == '_' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			plain = false
			break
		}
	}
	if plain && v != "" {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case map[string]any:
		return val == nil
	default:
		return false
	}
}
