package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock pins the package clock for deterministic expiry tests
type fakeClock struct {
	current time.Time
}

func (fc *fakeClock) install() func() {
	now = func() time.Time { return fc.current }
	return func() { now = time.Now }
}

func (fc *fakeClock) advance(d time.Duration) {
	fc.current = fc.current.Add(d)
}

func newTestCache(t *testing.T, config Config, durable BlobStore) *MultiTierCache {
	t.Helper()
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	c := New(config, durable)
	t.Cleanup(c.Stop)
	return c
}

func TestGetSetRoundTrip(t *testing.T) {
	c := newTestCache(t, Config{}, nil)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k1", "v1", "pricing", 0))

	v, ok := c.Get(ctx, "k1", "pricing")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	_, ok = c.Get(ctx, "missing", "pricing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestExpiryBoundary(t *testing.T) {
	fc := &fakeClock{current: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	defer fc.install()()

	c := newTestCache(t, Config{}, nil)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k1", "v1", "", 100*time.Millisecond))

	// One tick before expiry the entry is served
	fc.advance(99 * time.Millisecond)
	_, ok := c.Get(ctx, "k1", "")
	assert.True(t, ok)

	// At exactly the expiry instant the entry is gone
	fc.advance(time.Millisecond)
	_, ok = c.Get(ctx, "k1", "")
	assert.False(t, ok)

	// Lazy expiry removed it from the accounting too
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestCategoryTTLAndOverride(t *testing.T) {
	fc := &fakeClock{current: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	defer fc.install()()

	c := newTestCache(t, Config{
		DefaultTTL:   time.Minute,
		CategoryTTLs: map[string]time.Duration{"short": time.Second},
	}, nil)
	ctx := context.Background()

	c.Set(ctx, "a", 1, "short", 0)
	c.Set(ctx, "b", 2, "other", 0)
	c.Set(ctx, "c", 3, "short", time.Hour) // Override wins over category

	fc.advance(2 * time.Second)
	_, ok := c.Get(ctx, "a", "short")
	assert.False(t, ok, "category ttl should have expired the entry")
	_, ok = c.Get(ctx, "b", "other")
	assert.True(t, ok, "default ttl still in effect")
	_, ok = c.Get(ctx, "c", "short")
	assert.True(t, ok, "explicit override still in effect")
}

func TestLRUEvictionPrefersColdEntries(t *testing.T) {
	fc := &fakeClock{current: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	defer fc.install()()

	c := newTestCache(t, Config{MaxEntries: 2}, nil)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "a", "va", "", 0))
	fc.advance(time.Millisecond)
	require.True(t, c.Set(ctx, "b", "vb", "", 0))
	fc.advance(time.Millisecond)

	// Touch A so B becomes the coldest entry
	_, ok := c.Get(ctx, "a", "")
	require.True(t, ok)
	fc.advance(time.Millisecond)

	require.True(t, c.Set(ctx, "c", "vc", "", 0))

	_, ok = c.Get(ctx, "a", "")
	assert.True(t, ok, "recently accessed entry must survive")
	_, ok = c.Get(ctx, "b", "")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.Get(ctx, "c", "")
	assert.True(t, ok)

	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, int64(2), c.Stats().Entries)
}

func TestDurableTierPromotion(t *testing.T) {
	store := NewMemoryBlobStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k1", "hello", "pricing", time.Minute))

	// Drop the memory tier; the durable tier still holds the value
	c.Clear(ctx, "")
	require.Equal(t, int64(0), c.Stats().Entries)

	v, ok := c.Get(ctx, "k1", "pricing")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, int64(1), c.Stats().DurableTierHits)

	// The hit promoted the entry back into memory
	assert.Equal(t, int64(1), c.Stats().Entries)
	_, ok = c.Get(ctx, "k1", "pricing")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().DurableTierHits, "second hit must come from memory")
}

func TestClearByCategory(t *testing.T) {
	c := newTestCache(t, Config{}, nil)
	ctx := context.Background()

	c.Set(ctx, "p1", 1, "pricing", 0)
	c.Set(ctx, "p2", 2, "pricing", 0)
	c.Set(ctx, "r1", 3, "reference", 0)

	assert.Equal(t, 2, c.Clear(ctx, "pricing"))

	_, ok := c.Get(ctx, "r1", "reference")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Entries)
}

func TestTrimEvictsFraction(t *testing.T) {
	fc := &fakeClock{current: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	defer fc.install()()

	c := newTestCache(t, Config{}, nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d"} {
		c.Set(ctx, key, key, "", 0)
		fc.advance(time.Millisecond)
	}

	assert.Equal(t, 2, c.Trim(0.5))
	assert.Equal(t, int64(2), c.Stats().Entries)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	store := NewMemoryBlobStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", "", 0)
	require.True(t, c.Delete(ctx, "k1", ""))

	_, ok := c.Get(ctx, "k1", "")
	assert.False(t, ok, "delete must also clear the durable tier")
	assert.False(t, c.Delete(ctx, "k1", ""))
}

func TestSweepDropsExpired(t *testing.T) {
	fc := &fakeClock{current: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	defer fc.install()()

	c := newTestCache(t, Config{}, nil)
	ctx := context.Background()

	c.Set(ctx, "short", 1, "", time.Second)
	c.Set(ctx, "long", 2, "", time.Hour)

	fc.advance(2 * time.Second)
	c.sweep()

	assert.Equal(t, int64(1), c.Stats().Entries)
	_, ok := c.Get(ctx, "long", "")
	assert.True(t, ok)
}
