// Package cache holds fetched resources: a bounded in-process LRU with lazy
// TTL expiry, an optional shared valkey tier, and a tiered front combining the
// two.
package cache

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/contentgate/internal/clock"
)

// Stats describes cache occupancy for observability.
type Stats struct {
	Size    int      `json:"size"`
	MaxSize int      `json:"maxSize"`
	TTL     int64    `json:"ttl"`
	Keys    []string `json:"keys"`
}

type lruEntry[V any] struct {
	key        string
	value      V
	expiresAt  time.Time
	lastAccess time.Time
}

// LRU is a size-bounded, TTL-bounded map. Expired entries are removed when read,
// never by a background sweep. The list is ordered by last access, most recent
// at the front.
type LRU[V any] struct {
	maxSize    int
	defaultTTL time.Duration
	clock      clock.Clock
	onEvict    func(key string)

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// LRUOption customises an LRU.
type LRUOption[V any] func(*LRU[V])

// WithClock substitutes the time source.
func WithClock[V any](c clock.Clock) LRUOption[V] {
	return func(l *LRU[V]) { l.clock = clock.Or(c) }
}

// WithEvictionHook is called with the key of every capacity eviction.
func WithEvictionHook[V any](fn func(key string)) LRUOption[V] {
	return func(l *LRU[V]) { l.onEvict = fn }
}

// NewLRU builds an LRU holding at most maxSize entries. defaultTTL applies when
// Set is called with a non-positive ttl.
func NewLRU[V any](maxSize int, defaultTTL time.Duration, opts ...LRUOption[V]) *LRU[V] {
	if maxSize <= 0 {
		maxSize = 100
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	l := &LRU[V]{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		clock:      clock.Real{},
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the live value for key. A present entry has its recency
// refreshed; an expired one is deleted and reported as a miss.
func (l *LRU[V]) Get(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero V
	el, ok := l.entries[key]
	if !ok {
		return zero, false
	}
	entry := el.Value.(*lruEntry[V])
	now := l.clock.Now()
	if now.After(entry.expiresAt) {
		l.order.Remove(el)
		delete(l.entries, key)
		return zero, false
	}
	entry.lastAccess = now
	l.order.MoveToFront(el)
	return entry.value, true
}

// Set inserts or overwrites key. Inserting a new key into a full cache first
// evicts the least recently accessed entry.
func (l *LRU[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	l.mu.Lock()
	now := l.clock.Now()
	if el, ok := l.entries[key]; ok {
		entry := el.Value.(*lruEntry[V])
		entry.value = value
		entry.expiresAt = now.Add(ttl)
		entry.lastAccess = now
		l.order.MoveToFront(el)
		l.mu.Unlock()
		return
	}
	var evicted string
	if l.order.Len() >= l.maxSize {
		if oldest := l.order.Back(); oldest != nil {
			evicted = oldest.Value.(*lruEntry[V]).key
			l.order.Remove(oldest)
			delete(l.entries, evicted)
		}
	}
	l.entries[key] = l.order.PushFront(&lruEntry[V]{key: key, value: value, expiresAt: now.Add(ttl), lastAccess: now})
	l.mu.Unlock()
	if evicted != "" && l.onEvict != nil {
		l.onEvict(evicted)
	}
}

// Delete removes key and reports whether it was present.
func (l *LRU[V]) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.entries[key]
	if !ok {
		return false
	}
	l.order.Remove(el)
	delete(l.entries, key)
	return true
}

// Invalidate removes every key containing pattern. An empty pattern clears the
// cache. It returns the number of removed entries.
func (l *LRU[V]) Invalidate(pattern string) int {
	if pattern == "" {
		l.mu.Lock()
		defer l.mu.Unlock()
		n := l.order.Len()
		l.order.Init()
		l.entries = make(map[string]*list.Element)
		return n
	}
	return l.RemoveFunc(func(key string) bool { return strings.Contains(key, pattern) })
}

// RemoveFunc removes every key for which match returns true.
func (l *LRU[V]) RemoveFunc(match func(key string) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, el := range l.entries {
		if match(key) {
			l.order.Remove(el)
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet read.
func (l *LRU[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Stats reports occupancy. Keys are sorted.
func (l *LRU[V]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.entries))
	for key := range l.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return Stats{
		Size:    len(keys),
		MaxSize: l.maxSize,
		TTL:     l.defaultTTL.Milliseconds(),
		Keys:    keys,
	}
}

// Related reports whether a and b are related by prefix in either direction.
func Related(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
