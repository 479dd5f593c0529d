package memo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costpilot/resilience/internal/cache"
)

// ErrNoResult is returned when a compute function yields no value
var ErrNoResult = errors.New("computation returned no result")

// volatileFields are excluded from cache keys: they vary per call without
// changing the semantic inputs of the computation
var volatileFields = map[string]bool{
	"timestamp":  true,
	"request_id": true,
	"session_id": true,
	"trace_id":   true,
}

// tagFields are coarse dependency dimensions; their values become
// dependency tags on cached results
var tagFields = []string{"business_type", "industry", "region"}

// Config configures the memoizer
type Config struct {
	Category      string
	BaseTTL       time.Duration
	MinTTL        time.Duration
	MaxTTL        time.Duration
	PrecomputeTop int
	Interval      time.Duration
}

// ComputeFn produces the value being memoized
type ComputeFn func(ctx context.Context) (interface{}, error)

// Provider recomputes a popular query from its recorded arguments,
// used by the precompute loop
type Provider func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Memoizer wraps expensive pure computations with content-addressed
// caching, adaptive TTL and dependency-tagged invalidation
type Memoizer struct {
	config Config
	store  *cache.MultiTierCache

	// Dependency tag index: tag -> set of cache keys
	tagMu sync.Mutex
	tags  map[string]map[string]struct{}

	// Popularity tracking per query signature
	popMu      sync.Mutex
	popularity map[string]*signatureRecord

	// Precompute providers per function id
	provMu    sync.RWMutex
	providers map[string]Provider

	// Counters
	statsMu        sync.Mutex
	computes       int64
	hitCount       int64
	invalidations  int64
	precomputeRuns int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type signatureRecord struct {
	functionID string
	count      int64
	lastArgs   map[string]interface{}
	lastSeen   time.Time
}

// New creates a memoizer on top of the multi-tier cache
func New(config Config, store *cache.MultiTierCache) *Memoizer {
	if config.Category == "" {
		config.Category = "memo"
	}
	if config.BaseTTL <= 0 {
		config.BaseTTL = 10 * time.Minute
	}
	if config.MinTTL <= 0 {
		config.MinTTL = 30 * time.Second
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = 2 * time.Hour
	}
	if config.PrecomputeTop <= 0 {
		config.PrecomputeTop = 10
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}

	m := &Memoizer{
		config:     config,
		store:      store,
		tags:       make(map[string]map[string]struct{}),
		popularity: make(map[string]*signatureRecord),
		providers:  make(map[string]Provider),
		stopCh:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.precomputeLoop()

	return m
}

// Memoize returns a cached result for (functionID, args) or invokes
// computeFn and stores the result with an adaptive TTL. The second
// return reports whether the result came from cache.
func (m *Memoizer) Memoize(ctx context.Context, functionID string, args map[string]interface{}, computeFn ComputeFn) (interface{}, bool, error) {
	key := m.cacheKey(functionID, args)
	m.trackPopularity(functionID, args)

	if v, ok := m.store.Get(ctx, key, m.config.Category); ok {
		m.statsMu.Lock()
		m.hitCount++
		m.statsMu.Unlock()
		return v, true, nil
	}

	start := time.Now()
	result, err := computeFn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("compute %s: %w", functionID, err)
	}
	if result == nil {
		return nil, false, ErrNoResult
	}
	elapsed := time.Since(start)

	m.statsMu.Lock()
	m.computes++
	m.statsMu.Unlock()

	ttl := m.adaptiveTTL(result, args, elapsed)
	if m.store.Set(ctx, key, result, m.config.Category, ttl) {
		m.indexTags(key, args)
	}

	return result, false, nil
}

// Invalidate removes every cached result carrying the dependency tag and
// returns the number of removed records
func (m *Memoizer) Invalidate(tag string) int {
	m.tagMu.Lock()
	keys := m.tags[tag]
	delete(m.tags, tag)
	m.tagMu.Unlock()

	removed := 0
	ctx := context.Background()
	for key := range keys {
		if m.store.Delete(ctx, key, m.config.Category) {
			removed++
		}
	}

	m.statsMu.Lock()
	m.invalidations += int64(removed)
	m.statsMu.Unlock()

	if removed > 0 {
		log.WithFields(log.Fields{"tag": tag, "removed": removed}).Info("Memoized results invalidated")
	}
	return removed
}

// RegisterProvider registers a recompute function for a functionID so
// the precompute loop can warm popular queries
func (m *Memoizer) RegisterProvider(functionID string, p Provider) {
	m.provMu.Lock()
	m.providers[functionID] = p
	m.provMu.Unlock()
}

// Prewarm immediately recomputes the top popular signatures. Returns the
// number of entries warmed. Also invoked by the response-time degradation
// recovery hook.
func (m *Memoizer) Prewarm(ctx context.Context) int {
	top := m.topSignatures(m.config.PrecomputeTop)
	warmed := 0

	for _, rec := range top {
		m.provMu.RLock()
		provider, ok := m.providers[rec.functionID]
		m.provMu.RUnlock()
		if !ok || rec.lastArgs == nil {
			continue
		}

		key := m.cacheKey(rec.functionID, rec.lastArgs)
		if _, hit := m.store.Get(ctx, key, m.config.Category); hit {
			continue
		}

		args := rec.lastArgs
		_, _, err := m.Memoize(ctx, rec.functionID, args, func(ctx context.Context) (interface{}, error) {
			return provider(ctx, args)
		})
		if err != nil {
			log.Warnf("Precompute failed for %s: %v", rec.functionID, err)
			continue
		}
		warmed++
	}

	if warmed > 0 {
		m.statsMu.Lock()
		m.precomputeRuns++
		m.statsMu.Unlock()
		log.Infof("Precomputed %d popular queries", warmed)
	}
	return warmed
}

// Stats returns memoizer counters
func (m *Memoizer) Stats() map[string]int64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return map[string]int64{
		"computes":        m.computes,
		"hits":            m.hitCount,
		"invalidations":   m.invalidations,
		"precompute_runs": m.precomputeRuns,
	}
}

// Stop halts the precompute loop
func (m *Memoizer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// cacheKey builds a content-addressed key from the function id and the
// canonicalized, volatile-free argument structure
func (m *Memoizer) cacheKey(functionID string, args map[string]interface{}) string {
	canonical := canonicalize(args)
	raw, err := json.Marshal(canonical) // map keys are sorted by encoding/json
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", canonical))
	}

	h := sha256.New()
	h.Write([]byte(functionID))
	h.Write([]byte{0})
	h.Write(raw)
	return "memo:" + functionID + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// canonicalize strips volatile fields recursively
func canonicalize(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if volatileFields[k] {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = canonicalize(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// adaptiveTTL scales the base TTL by computation cost, result confidence
// and the caller's freshness requirement, clamped to [MinTTL, MaxTTL]
func (m *Memoizer) adaptiveTTL(result interface{}, args map[string]interface{}, elapsed time.Duration) time.Duration {
	cost := estimateCost(result, elapsed)

	costFactor := 1.0
	switch {
	case cost >= 100:
		costFactor = 3.0
	case cost >= 50:
		costFactor = 2.0
	case cost >= 20:
		costFactor = 1.5
	}

	confidenceFactor := 1.0
	if conf, ok := extractConfidence(result); ok {
		switch {
		case conf >= 0.9:
			confidenceFactor = 1.5
		case conf < 0.5:
			confidenceFactor = 0.5
		}
	}

	freshness := 1.0
	if fresh, ok := args["requires_fresh_data"].(bool); ok && fresh {
		freshness = 0.25
	}

	ttl := time.Duration(float64(m.config.BaseTTL) * costFactor * confidenceFactor * freshness)
	if ttl < m.config.MinTTL {
		ttl = m.config.MinTTL
	}
	if ttl > m.config.MaxTTL {
		ttl = m.config.MaxTTL
	}
	return ttl
}

// estimateCost derives a unitless cost score from result size and
// compute time
func estimateCost(result interface{}, elapsed time.Duration) float64 {
	size := int64(0)
	if raw, err := json.Marshal(result); err == nil {
		size = int64(len(raw))
	}
	return float64(size)/100.0 + float64(elapsed.Milliseconds())/10.0
}

func extractConfidence(result interface{}) (float64, bool) {
	rm, ok := result.(map[string]interface{})
	if !ok {
		return 0, false
	}
	conf, ok := rm["confidence"].(float64)
	return conf, ok
}

// indexTags records the dependency tags of a cached result
func (m *Memoizer) indexTags(key string, args map[string]interface{}) {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()

	for _, field := range tagFields {
		v, ok := args[field]
		if !ok {
			continue
		}
		tag := fmt.Sprintf("%s_%v", field, v)
		if m.tags[tag] == nil {
			m.tags[tag] = make(map[string]struct{})
		}
		m.tags[tag][key] = struct{}{}
	}
}

// signature generalizes the arguments of a query: the function id plus
// the coarse dimension values, not the exact key
func signature(functionID string, args map[string]interface{}) string {
	parts := []string{functionID}
	for _, field := range tagFields {
		if v, ok := args[field]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", field, v))
		}
	}
	sort.Strings(parts[1:])
	return strings.Join(parts, "|")
}

func (m *Memoizer) trackPopularity(functionID string, args map[string]interface{}) {
	sig := signature(functionID, args)

	m.popMu.Lock()
	defer m.popMu.Unlock()

	rec, ok := m.popularity[sig]
	if !ok {
		rec = &signatureRecord{functionID: functionID}
		m.popularity[sig] = rec
	}
	rec.count++
	rec.lastArgs = args
	rec.lastSeen = time.Now()
}

func (m *Memoizer) topSignatures(n int) []*signatureRecord {
	m.popMu.Lock()
	records := make([]*signatureRecord, 0, len(m.popularity))
	for _, rec := range m.popularity {
		records = append(records, rec)
	}
	m.popMu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].count > records[j].count })
	if len(records) > n {
		records = records[:n]
	}
	return records
}

func (m *Memoizer) precomputeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Prewarm(context.Background())
		case <-m.stopCh:
			return
		}
	}
}
