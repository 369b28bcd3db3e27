package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsOldestOverCapacity(t *testing.T) {
	c := New[string, int](2, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a", the least recently used

	_, ok := c.Get("a")
	assert.False(t, ok)

	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = c.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestLRUGetPromotesToMostRecentlyUsed(t *testing.T) {
	c := New[string, int](2, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch "a", so "b" becomes the least recently used
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestLRUExpiresEntriesByTTL(t *testing.T) {
	c := New[string, int](10, time.Minute)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Set("a", 1)

	clock = clock.Add(2 * time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRUClearRemovesEverything(t *testing.T) {
	c := New[string, int](10, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCachesZeroAndTouchBackend(t *testing.T) {
	caches := NewCaches(Tuning{Size: 10}, Tuning{Size: 10}, Tuning{Size: 10})

	_, ok := caches.BackendFreshSince("acme")
	assert.False(t, ok)

	caches.TouchBackend("acme")
	_, ok = caches.BackendFreshSince("acme")
	assert.True(t, ok)

	caches.ZeroBackend("acme")
	_, ok = caches.BackendFreshSince("acme")
	assert.False(t, ok)
}

func TestMarkBackendDirtyZeroesClockAndClearsView(t *testing.T) {
	caches := NewCaches(Tuning{Size: 10}, Tuning{Size: 10}, Tuning{Size: 10})

	caches.TouchBackend("acme")
	caches.View.Set(ViewKey{Address: "a@acme.com"}, nil)
	require.Equal(t, 1, caches.View.Len())

	caches.MarkBackendDirty("acme")

	_, ok := caches.BackendFreshSince("acme")
	assert.False(t, ok, "freshness clock must be zeroed")
	assert.Equal(t, 0, caches.View.Len(), "view cache must be cleared so the next fetch misses it")
}
