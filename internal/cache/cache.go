package cache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const numShards = 32 // Number of shards for the entry map

// now is swapped in tests to control expiry
var now = time.Now

// Entry is a single cached value with its lifecycle metadata
type Entry struct {
	Key          string
	Value        interface{}
	Category     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SizeEstimate int64

	accessCount  atomic.Int64
	lastAccessNs atomic.Int64
}

// Config configures the multi-tier cache
type Config struct {
	MaxEntries    int64
	MaxBytes      int64
	DefaultTTL    time.Duration
	CategoryTTLs  map[string]time.Duration
	SweepInterval time.Duration
}

// MultiTierCache is a two-tier cache: a bounded in-memory store backed by
// a slower durable BlobStore. Memory misses consult the durable tier and
// promote hits back into memory. Cache errors never propagate as fatal.
type MultiTierCache struct {
	config  Config
	durable BlobStore

	shards [numShards]*cacheShard

	// Accounting
	entryCount atomic.Int64
	byteCount  atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	tierHits   atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// durableEnvelope is the serialized form written to the durable tier
type durableEnvelope struct {
	Value     json.RawMessage `json:"value"`
	Category  string          `json:"category"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// New creates a multi-tier cache. durable may be nil for a memory-only
// configuration (tests, cold standby).
func New(config Config, durable BlobStore) *MultiTierCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 256 * 1024 * 1024
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}

	c := &MultiTierCache{
		config:  config,
		durable: durable,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &cacheShard{entries: make(map[string]*Entry)}
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// Get retrieves a value, checking memory first and then the durable tier.
// Expired entries are dropped on access.
func (c *MultiTierCache) Get(ctx context.Context, key, category string) (interface{}, bool) {
	shard := c.shard(key)

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()

	if ok {
		if now().Before(entry.ExpiresAt) {
			entry.accessCount.Add(1)
			entry.lastAccessNs.Store(now().UnixNano())
			c.hits.Add(1)
			return entry.Value, true
		}
		// Lazy expiry
		c.removeEntry(shard, key)
	}

	if v, ok := c.loadDurable(ctx, key, category); ok {
		c.hits.Add(1)
		c.tierHits.Add(1)
		return v, true
	}

	c.misses.Add(1)
	return nil, false
}

// Set stores a value in both tiers. Returns false when the value could
// not be stored in memory; durable-tier failures are logged only.
func (c *MultiTierCache) Set(ctx context.Context, key string, value interface{}, category string, ttlOverride time.Duration) bool {
	ttl := c.ttlFor(category, ttlOverride)
	if ttl <= 0 {
		log.Warnf("Cache set rejected for %q: non-positive ttl", key)
		return false
	}

	size := estimateSize(value)
	createdAt := now()
	entry := &Entry{
		Key:          key,
		Value:        value,
		Category:     category,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(ttl),
		SizeEstimate: size,
	}
	entry.lastAccessNs.Store(createdAt.UnixNano())

	c.evictFor(size)

	shard := c.shard(key)
	shard.mu.Lock()
	if old, ok := shard.entries[key]; ok {
		c.entryCount.Add(-1)
		c.byteCount.Add(-old.SizeEstimate)
	}
	shard.entries[key] = entry
	shard.mu.Unlock()

	c.entryCount.Add(1)
	c.byteCount.Add(size)

	c.saveDurable(ctx, entry, ttl)
	return true
}

// Delete removes a key from both tiers
func (c *MultiTierCache) Delete(ctx context.Context, key, category string) bool {
	shard := c.shard(key)

	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if ok {
		delete(shard.entries, key)
	}
	shard.mu.Unlock()

	if ok {
		c.entryCount.Add(-1)
		c.byteCount.Add(-entry.SizeEstimate)
	}

	if c.durable != nil {
		if err := c.durable.Delete(ctx, key); err != nil {
			log.Warnf("Durable tier delete error for %q: %v", key, err)
		}
	}
	return ok
}

// Clear removes every entry in a category, or all entries when category
// is empty. Only the memory tier is scanned; durable entries age out on
// their own expiry.
func (c *MultiTierCache) Clear(ctx context.Context, category string) int {
	removed := 0
	for i := 0; i < numShards; i++ {
		shard := c.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if category != "" && entry.Category != category {
				continue
			}
			delete(shard.entries, key)
			c.entryCount.Add(-1)
			c.byteCount.Add(-entry.SizeEstimate)
			removed++
		}
		shard.mu.Unlock()
	}

	if removed > 0 {
		log.WithFields(log.Fields{"category": category, "removed": removed}).Info("Cache cleared")
	}
	return removed
}

// Trim evicts the least-recently-used fraction of entries. Used by the
// memory-pressure recovery action.
func (c *MultiTierCache) Trim(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}

	target := int64(float64(c.entryCount.Load()) * fraction)
	trimmed := 0
	for int64(trimmed) < target {
		if !c.evictOldest() {
			break
		}
		trimmed++
	}

	if trimmed > 0 {
		log.Infof("Cache trimmed %d entries", trimmed)
	}
	return trimmed
}

// Keys returns the keys currently resident in memory, optionally
// filtered by category
func (c *MultiTierCache) Keys(category string) []string {
	var keys []string
	for i := 0; i < numShards; i++ {
		shard := c.shards[i]
		shard.mu.RLock()
		for key, entry := range shard.entries {
			if category == "" || entry.Category == category {
				keys = append(keys, key)
			}
		}
		shard.mu.RUnlock()
	}
	return keys
}

// Stats returns cache counters
func (c *MultiTierCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Entries:         c.entryCount.Load(),
		Bytes:           c.byteCount.Load(),
		Hits:            hits,
		Misses:          misses,
		Evictions:       c.evictions.Load(),
		DurableTierHits: c.tierHits.Load(),
		HitRate:         hitRate,
	}
}

// Stats holds cache counters
type Stats struct {
	Entries         int64   `json:"entries"`
	Bytes           int64   `json:"bytes"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Evictions       int64   `json:"evictions"`
	DurableTierHits int64   `json:"durable_tier_hits"`
	HitRate         float64 `json:"hit_rate"`
}

// Stop halts the background sweep
func (c *MultiTierCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *MultiTierCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *MultiTierCache) ttlFor(category string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if ttl, ok := c.config.CategoryTTLs[category]; ok {
		return ttl
	}
	return c.config.DefaultTTL
}

func (c *MultiTierCache) removeEntry(shard *cacheShard, key string) {
	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if ok {
		delete(shard.entries, key)
	}
	shard.mu.Unlock()

	if ok {
		c.entryCount.Add(-1)
		c.byteCount.Add(-entry.SizeEstimate)
	}
}

// evictFor frees capacity for an incoming entry of the given size
func (c *MultiTierCache) evictFor(incoming int64) {
	for c.entryCount.Load() >= c.config.MaxEntries ||
		c.byteCount.Load()+incoming > c.config.MaxBytes {
		if !c.evictOldest() {
			return
		}
	}
}

// evictOldest removes the entry with the oldest last-access timestamp
// across all shards
func (c *MultiTierCache) evictOldest() bool {
	var (
		oldestShard *cacheShard
		oldestKey   string
		oldestNs    int64 = 1<<63 - 1
	)

	for i := 0; i < numShards; i++ {
		shard := c.shards[i]
		shard.mu.RLock()
		for key, entry := range shard.entries {
			if ns := entry.lastAccessNs.Load(); ns < oldestNs {
				oldestNs = ns
				oldestKey = key
				oldestShard = shard
			}
		}
		shard.mu.RUnlock()
	}

	if oldestShard == nil {
		return false
	}

	oldestShard.mu.Lock()
	entry, ok := oldestShard.entries[oldestKey]
	if ok {
		delete(oldestShard.entries, oldestKey)
	}
	oldestShard.mu.Unlock()

	if !ok {
		return false
	}
	c.entryCount.Add(-1)
	c.byteCount.Add(-entry.SizeEstimate)
	c.evictions.Add(1)
	return true
}

func (c *MultiTierCache) loadDurable(ctx context.Context, key, category string) (interface{}, bool) {
	if c.durable == nil {
		return nil, false
	}

	blob, ok, err := c.durable.Load(ctx, key)
	if err != nil {
		log.Warnf("Durable tier load error for %q: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var env durableEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		log.Warnf("Durable tier decode error for %q: %v", key, err)
		return nil, false
	}
	if !now().Before(env.ExpiresAt) {
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal(env.Value, &value); err != nil {
		log.Warnf("Durable tier value decode error for %q: %v", key, err)
		return nil, false
	}

	// Promote into memory for the remaining lifetime
	entry := &Entry{
		Key:          key,
		Value:        value,
		Category:     env.Category,
		CreatedAt:    env.CreatedAt,
		ExpiresAt:    env.ExpiresAt,
		SizeEstimate: estimateSize(value),
	}
	entry.lastAccessNs.Store(now().UnixNano())

	c.evictFor(entry.SizeEstimate)
	shard := c.shard(key)
	shard.mu.Lock()
	if old, ok := shard.entries[key]; ok {
		c.entryCount.Add(-1)
		c.byteCount.Add(-old.SizeEstimate)
	}
	shard.entries[key] = entry
	shard.mu.Unlock()
	c.entryCount.Add(1)
	c.byteCount.Add(entry.SizeEstimate)

	return value, true
}

func (c *MultiTierCache) saveDurable(ctx context.Context, entry *Entry, ttl time.Duration) {
	if c.durable == nil {
		return
	}

	raw, err := json.Marshal(entry.Value)
	if err != nil {
		log.Warnf("Durable tier encode error for %q: %v", entry.Key, err)
		return
	}
	blob, err := json.Marshal(durableEnvelope{
		Value:     raw,
		Category:  entry.Category,
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	})
	if err != nil {
		log.Warnf("Durable tier encode error for %q: %v", entry.Key, err)
		return
	}
	if err := c.durable.Save(ctx, entry.Key, blob, ttl); err != nil {
		log.Warnf("Durable tier save error for %q: %v", entry.Key, err)
	}
}

// sweepLoop periodically drops expired entries
func (c *MultiTierCache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MultiTierCache) sweep() {
	cutoff := now()
	swept := 0
	for i := 0; i < numShards; i++ {
		shard := c.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if !cutoff.Before(entry.ExpiresAt) {
				delete(shard.entries, key)
				c.entryCount.Add(-1)
				c.byteCount.Add(-entry.SizeEstimate)
				swept++
			}
		}
		shard.mu.Unlock()
	}

	if swept > 0 {
		log.Debugf("Cache sweep removed %d expired entries", swept)
	}
}

// estimateSize approximates the in-memory footprint of a value
func estimateSize(value interface{}) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v)) + 16
	case []byte:
		return int64(len(v)) + 24
	case nil:
		return 8
	default:
		if raw, err := json.Marshal(v); err == nil {
			return int64(len(raw)) + 32
		}
		return 64
	}
}
