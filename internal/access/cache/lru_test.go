package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/l0p7/contentgate/internal/clock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLRUGetSet(t *testing.T) {
	fake := clock.NewFake(epoch)
	c := NewLRU[string](10, time.Minute, WithClock[string](fake))

	_, ok := c.Get("ghost/post/1")
	require.False(t, ok)

	c.Set("ghost/post/1", "hello", 0)
	got, ok := c.Get("ghost/post/1")
	require.True(t, ok)
	require.Equal(t, "hello", got)

	c.Set("ghost/post/1", "updated", 0)
	got, _ = c.Get("ghost/post/1")
	require.Equal(t, "updated", got)
	require.Equal(t, 1, c.Len())
}

func TestLRUExpiresLazily(t *testing.T) {
	fake := clock.NewFake(epoch)
	c := NewLRU[int](10, time.Minute, WithClock[int](fake))

	c.Set("short", 1, 10*time.Second)
	c.Set("long", 2, 0)

	fake.Advance(10 * time.Second)
	_, ok := c.Get("short")
	require.True(t, ok, "entry is live at exactly its ttl")

	fake.Advance(time.Millisecond)
	require.Equal(t, 2, c.Len(), "expired entries stay until read")
	_, ok = c.Get("short")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())

	v, ok := c.Get("long")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	fake := clock.NewFake(epoch)
	var evicted []string
	c := NewLRU[int](3, time.Hour, WithClock[int](fake), WithEvictionHook[int](func(key string) {
		evicted = append(evicted, key)
	}))

	for i := range 3 {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
		fake.Advance(time.Second)
	}
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Set("k3", 3, 0)
	require.Equal(t, 3, c.Len())
	require.Equal(t, []string{"k1"}, evicted)

	_, ok = c.Get("k0")
	require.True(t, ok, "recently read entry survives eviction")
	_, ok = c.Get("k1")
	require.False(t, ok)
}

func TestLRUOverwriteDoesNotEvict(t *testing.T) {
	c := NewLRU[int](2, time.Hour)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("a", 10, 0)
	require.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	require.True(t, ok)
}

func TestLRUNeverExceedsMaxSize(t *testing.T) {
	c := NewLRU[int](5, time.Hour)
	for i := range 50 {
		c.Set(fmt.Sprintf("key-%d", i), i, 0)
		require.LessOrEqual(t, c.Len(), 5)
	}
}

func TestLRUInvalidate(t *testing.T) {
	c := NewLRU[int](10, time.Hour)
	c.Set("ghost/post/1", 1, 0)
	c.Set("ghost/post/2", 2, 0)
	c.Set("ghost/posts?limit=10", 3, 0)
	c.Set("ghost/tag/news", 4, 0)

	require.Equal(t, 2, c.Invalidate("ghost/post/"))
	require.Equal(t, []string{"ghost/posts?limit=10", "ghost/tag/news"}, c.Stats().Keys)

	require.Equal(t, 0, c.Invalidate("nothing"))
	require.Equal(t, 2, c.Invalidate(""))
	require.Zero(t, c.Len())
}

func TestLRUStats(t *testing.T) {
	c := NewLRU[int](0, 0)
	c.Set("b", 1, 0)
	c.Set("a", 2, 0)

	stats := c.Stats()
	require.Equal(t, Stats{Size: 2, MaxSize: 100, TTL: 300000, Keys: []string{"a", "b"}}, stats)
}

func TestRelated(t *testing.T) {
	require.True(t, Related("ghost/posts", "ghost/posts?limit=5"))
	require.True(t, Related("ghost/posts?limit=5", "ghost/posts"))
	require.True(t, Related("ghost/post/1", "ghost/post/1"))
	require.False(t, Related("ghost/post/1", "ghost/post/2"))
	require.False(t, Related("ghost/tags", "ghost/posts"))
}
