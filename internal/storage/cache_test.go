package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache[int](2, time.Minute)

	cache.Set("a", 1)
	cache.Set("b", 2)
	_, _ = cache.Get("a")
	cache.Set("c", 3)

	_, found := cache.Get("b")
	assert.False(t, found, "b was least recently used")

	v, found := cache.Get("a")
	assert.True(t, found)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, cache.Len())
}

func TestLRUCache_Expiry(t *testing.T) {
	cache := NewLRUCache[string](10, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set("k", "v")
	cache.Set("other", "v")

	now = now.Add(2 * time.Minute)
	_, found := cache.Get("k")
	assert.False(t, found)

	assert.Equal(t, 1, cache.CleanupExpired())
	assert.Equal(t, 0, cache.Len())
}

func TestLRUCache_ZeroCapacityDisablesCaching(t *testing.T) {
	cache := NewLRUCache[int](0, time.Minute)
	cache.Set("a", 1)

	_, found := cache.Get("a")
	assert.False(t, found)
	assert.Equal(t, CacheStats{Capacity: 0, Size: 0, TTL: time.Minute}, cache.GetStats())
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	cache := NewLRUCache[int](5, time.Minute)
	cache.Set("a", 1)
	cache.Set("b", 2)

	cache.Delete("a")
	_, found := cache.Get("a")
	assert.False(t, found)

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
