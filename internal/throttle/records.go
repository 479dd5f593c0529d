package throttle

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 32 // Number of shards for the caller record map

// Adaptive multiplier bounds
const (
	minMultiplier = 0.1
	maxMultiplier = 2.0

	rewardStreak    = 20  // Clean successes before a reward
	penaltyStreak   = 3   // Consecutive errors before a penalty
	slowResponseMs  = 2000.0
	staleAfter      = 24 * time.Hour
)

// callerRecord tracks one caller's sliding windows, adaptive multiplier
// and behavioral pattern. Updates to a record are guarded by its own
// mutex; cross-caller consistency is not required.
type callerRecord struct {
	mu sync.Mutex

	// Sliding windows of request timestamps
	window      []time.Time
	burstWindow []time.Time

	// Adaptive behavior
	multiplier    float64
	violations    int
	backoffUntil  time.Time
	successStreak int
	failureStreak int
	avgResponseMs float64

	lastActivity time.Time

	// Per-endpoint completion counts
	endpoints map[string]*endpointPattern
}

type endpointPattern struct {
	successes     int64
	failures      int64
	avgResponseMs float64
}

type recordShard struct {
	mu      sync.RWMutex
	records map[string]*callerRecord
}

// recordTable is a sharded caller record map, following the same shape
// as the per-tenant limiter table in the upstream gateway
type recordTable struct {
	shards [numShards]*recordShard
}

func newRecordTable() *recordTable {
	t := &recordTable{}
	for i := 0; i < numShards; i++ {
		t.shards[i] = &recordShard{records: make(map[string]*callerRecord)}
	}
	return t
}

func (t *recordTable) shard(callerID string) *recordShard {
	h := fnv.New32a()
	h.Write([]byte(callerID))
	return t.shards[h.Sum32()%numShards]
}

// get returns the record for a caller, creating it on first sight
func (t *recordTable) get(callerID string) *callerRecord {
	shard := t.shard(callerID)

	shard.mu.RLock()
	if rec, ok := shard.records[callerID]; ok {
		shard.mu.RUnlock()
		return rec
	}
	shard.mu.RUnlock()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if rec, ok := shard.records[callerID]; ok {
		return rec
	}
	rec := &callerRecord{
		multiplier:   1.0,
		lastActivity: time.Now(),
		endpoints:    make(map[string]*endpointPattern),
	}
	shard.records[callerID] = rec
	return rec
}

// forEach visits every record; fn runs under the record's own lock
func (t *recordTable) forEach(fn func(callerID string, rec *callerRecord)) {
	for i := 0; i < numShards; i++ {
		shard := t.shards[i]

		shard.mu.RLock()
		ids := make([]string, 0, len(shard.records))
		for id := range shard.records {
			ids = append(ids, id)
		}
		shard.mu.RUnlock()

		for _, id := range ids {
			shard.mu.RLock()
			rec, ok := shard.records[id]
			shard.mu.RUnlock()
			if !ok {
				continue
			}
			rec.mu.Lock()
			fn(id, rec)
			rec.mu.Unlock()
		}
	}
}

// prune drops records idle longer than staleAfter and returns the count
func (t *recordTable) prune(now time.Time) int {
	pruned := 0
	for i := 0; i < numShards; i++ {
		shard := t.shards[i]
		shard.mu.Lock()
		for id, rec := range shard.records {
			rec.mu.Lock()
			stale := now.Sub(rec.lastActivity) > staleAfter
			rec.mu.Unlock()
			if stale {
				delete(shard.records, id)
				pruned++
			}
		}
		shard.mu.Unlock()
	}
	return pruned
}

// pruneWindow drops timestamps older than the window start, in place
func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	keep := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	return keep
}

// recordCompletion updates streaks, response average and the adaptive
// multiplier after a request finishes. Caller must hold rec.mu.
func (rec *callerRecord) recordCompletion(endpoint string, outcome Outcome) {
	rec.lastActivity = time.Now()

	ms := float64(outcome.Duration.Milliseconds())
	if rec.avgResponseMs == 0 {
		rec.avgResponseMs = ms
	} else {
		rec.avgResponseMs = rec.avgResponseMs*0.9 + ms*0.1
	}

	if outcome.Success {
		rec.successStreak++
		rec.failureStreak = 0
	} else {
		rec.failureStreak++
		rec.successStreak = 0
	}

	ep := rec.endpoints[endpoint]
	if ep == nil {
		ep = &endpointPattern{}
		rec.endpoints[endpoint] = ep
	}
	if outcome.Success {
		ep.successes++
	} else {
		ep.failures++
	}
	if ep.avgResponseMs == 0 {
		ep.avgResponseMs = ms
	} else {
		ep.avgResponseMs = ep.avgResponseMs*0.9 + ms*0.1
	}

	rec.adjustMultiplier()
}

// adjustMultiplier rewards long clean streaks and penalizes error
// streaks or slow responses. Caller must hold rec.mu.
func (rec *callerRecord) adjustMultiplier() {
	switch {
	case rec.failureStreak >= penaltyStreak || rec.avgResponseMs > slowResponseMs:
		rec.multiplier *= 0.8
	case rec.successStreak > 0 && rec.successStreak%rewardStreak == 0:
		rec.multiplier *= 1.05
	}

	if rec.multiplier < minMultiplier {
		rec.multiplier = minMultiplier
	}
	if rec.multiplier > maxMultiplier {
		rec.multiplier = maxMultiplier
	}
}
