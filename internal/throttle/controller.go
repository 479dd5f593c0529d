package throttle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costpilot/resilience/internal/events"
)

// Config configures the admission controller
type Config struct {
	GlobalConcurrency int
	QueueMaxSize      int
	QueueTimeout      time.Duration
	SoftLoadWatermark float64 // Probabilistic throttling starts here
	HardLoadWatermark float64 // Hard rejection above this
	ReanalyzeInterval time.Duration
	TierLimits        map[Tier]TierLimits

	// Progressive backoff for burst violators
	BasePenalty time.Duration
	MaxPenalty  time.Duration
}

// Controller is the adaptive admission layer: per-caller rate limiting,
// burst control, load gating, concurrency capping and priority queuing
type Controller struct {
	config Config

	records *recordTable
	queue   *priorityQueue

	blockMu   sync.RWMutex
	blocklist map[string]struct{}

	// Concurrency accounting
	inflight     atomic.Int64
	tierInflight map[Tier]*atomic.Int64
	inflightReqs sync.Map // requestID -> *inflightEntry
	reqCounter   atomic.Uint64

	// Composite load
	loadScore    atomic.Uint64 // score * 10000
	pressure     atomic.Int32  // degradation level 0-5
	highLoadRuns atomic.Int32  // consecutive updates above the soft watermark

	// Counters
	admitted   atomic.Int64
	rejected   atomic.Int64
	queuedWait atomic.Int64
	reasonMu   sync.Mutex
	byReason   map[string]int64

	bus        *events.Bus
	capacityCh chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type inflightEntry struct {
	callerID string
	endpoint string
	tier     Tier
	start    time.Time
}

// NewController creates an admission controller. bus may be nil.
func NewController(config Config, bus *events.Bus) *Controller {
	if config.GlobalConcurrency <= 0 {
		config.GlobalConcurrency = 100
	}
	if config.QueueMaxSize <= 0 {
		config.QueueMaxSize = 1000
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = 5 * time.Second
	}
	if config.SoftLoadWatermark <= 0 {
		config.SoftLoadWatermark = 0.80
	}
	if config.HardLoadWatermark <= 0 {
		config.HardLoadWatermark = 0.95
	}
	if config.ReanalyzeInterval <= 0 {
		config.ReanalyzeInterval = time.Minute
	}
	if config.TierLimits == nil {
		config.TierLimits = DefaultTierLimits()
	}
	if config.BasePenalty <= 0 {
		config.BasePenalty = 5 * time.Second
	}
	if config.MaxPenalty <= 0 {
		config.MaxPenalty = 5 * time.Minute
	}

	c := &Controller{
		config:       config,
		records:      newRecordTable(),
		queue:        newPriorityQueue(config.QueueMaxSize),
		blocklist:    make(map[string]struct{}),
		tierInflight: make(map[Tier]*atomic.Int64),
		byReason:     make(map[string]int64),
		bus:          bus,
		capacityCh:   make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for tier := range config.TierLimits {
		c.tierInflight[tier] = &atomic.Int64{}
	}

	c.wg.Add(2)
	go c.drainLoop()
	go c.reanalyzeLoop()

	return c
}

// Admit runs the admission pipeline. Rejections are structured results,
// never errors; queued requests block until granted or timed out.
func (c *Controller) Admit(ctx context.Context, req AdmitRequest) Decision {
	limits, ok := c.config.TierLimits[req.Tier]
	if !ok {
		limits = c.config.TierLimits[TierFree]
	}

	now := time.Now()
	rec := c.records.get(req.CallerID)

	// (a) Active backoff penalty
	rec.mu.Lock()
	if now.Before(rec.backoffUntil) {
		wait := rec.backoffUntil.Sub(now)
		rec.mu.Unlock()
		return c.reject(ReasonBackoffActive, wait)
	}
	rec.mu.Unlock()

	// (b) Blocklist
	c.blockMu.RLock()
	_, blocked := c.blocklist[req.CallerID]
	c.blockMu.RUnlock()
	if blocked {
		return c.reject(ReasonBlocklisted, 0)
	}

	// (c) System load gate; critical requests bypass it
	if !req.Critical {
		score := c.LoadScore()
		if score >= c.config.HardLoadWatermark {
			return c.reject(ReasonSystemOverloaded, 5*time.Second)
		}
		if score >= c.config.SoftLoadWatermark {
			shedProb := (score - c.config.SoftLoadWatermark) /
				(c.config.HardLoadWatermark - c.config.SoftLoadWatermark)
			if rand.Float64() < shedProb {
				return c.reject(ReasonSystemOverloaded, 2*time.Second)
			}
		}
	}

	factor := c.loadFactor()

	// (d) Sliding-window rate limit scaled by the caller's adaptive
	// multiplier and the global load factor
	rec.mu.Lock()
	rec.lastActivity = now
	rec.window = pruneWindow(rec.window, now.Add(-limits.Window))

	effectiveLimit := int(float64(limits.RatePerWindow) * rec.multiplier * factor)
	if effectiveLimit < 1 {
		effectiveLimit = 1
	}
	if len(rec.window) >= effectiveLimit {
		retry := limits.Window
		if len(rec.window) > 0 {
			retry = rec.window[0].Add(limits.Window).Sub(now)
		}
		rec.mu.Unlock()
		return c.reject(ReasonRateLimitExceeded, retry)
	}

	// (e) Burst window with progressive penalty for repeat violators
	rec.burstWindow = pruneWindow(rec.burstWindow, now.Add(-limits.BurstWindow))
	if len(rec.burstWindow) >= limits.BurstAllowance {
		rec.violations++
		penalty := c.config.BasePenalty
		for i := 1; i < rec.violations; i++ {
			penalty *= 2
			if penalty >= c.config.MaxPenalty {
				penalty = c.config.MaxPenalty
				break
			}
		}
		rec.backoffUntil = now.Add(penalty)
		rec.mu.Unlock()
		log.WithFields(log.Fields{
			"caller":     req.CallerID,
			"violations": rec.violations,
			"penalty":    penalty,
		}).Warn("Burst limit violation")
		return c.reject(ReasonBurstLimitExceeded, penalty)
	}

	rec.window = append(rec.window, now)
	rec.burstWindow = append(rec.burstWindow, now)
	rec.mu.Unlock()

	// (f) Concurrency cap; queue when exhausted
	if c.tryAcquire(req.Tier, limits, factor) {
		return c.grant(req)
	}
	return c.waitInQueue(ctx, req, limits)
}

// Complete records the outcome of an admitted request and frees its
// concurrency slot
func (c *Controller) Complete(requestID string, outcome Outcome) error {
	v, ok := c.inflightReqs.LoadAndDelete(requestID)
	if !ok {
		return ErrUnknownRequest
	}
	entry := v.(*inflightEntry)

	c.inflight.Add(-1)
	if counter, ok := c.tierInflight[entry.tier]; ok {
		counter.Add(-1)
	}

	rec := c.records.get(entry.callerID)
	rec.mu.Lock()
	rec.recordCompletion(entry.endpoint, outcome)
	rec.mu.Unlock()

	// Wake the drain loop
	select {
	case c.capacityCh <- struct{}{}:
	default:
	}
	return nil
}

// UpdateLoad feeds the composite system load inputs. A sustained run
// above the soft watermark publishes a high-load signal.
func (c *Controller) UpdateLoad(load SystemLoad) {
	respPressure := load.AvgResponseMs / 2000.0
	if respPressure > 1 {
		respPressure = 1
	}
	score := 0.30*load.CPUPercent/100 +
		0.25*load.MemoryPercent/100 +
		0.25*respPressure +
		0.20*load.ErrorRate
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	c.loadScore.Store(uint64(score * 10000))

	if score >= c.config.SoftLoadWatermark {
		if c.highLoadRuns.Add(1) == 3 && c.bus != nil {
			c.bus.Publish(events.Event{
				Type:   events.HighLoad,
				Source: "throttle",
				Value:  score,
			})
		}
	} else {
		c.highLoadRuns.Store(0)
	}
}

// SetPressure maps the global degradation level onto admission
// aggressiveness. Wired to the degradation-changed event.
func (c *Controller) SetPressure(level int) {
	if level < 0 {
		level = 0
	}
	if level > 5 {
		level = 5
	}
	c.pressure.Store(int32(level))
	log.Infof("Admission pressure set to degradation level %d", level)
}

// Block adds a caller to the blocklist
func (c *Controller) Block(callerID string) {
	c.blockMu.Lock()
	c.blocklist[callerID] = struct{}{}
	c.blockMu.Unlock()
}

// Unblock removes a caller from the blocklist
func (c *Controller) Unblock(callerID string) {
	c.blockMu.Lock()
	delete(c.blocklist, callerID)
	c.blockMu.Unlock()
}

// LoadScore returns the current composite load score in [0, 1]
func (c *Controller) LoadScore() float64 {
	return float64(c.loadScore.Load()) / 10000
}

// Saturation returns the inflight share of the global concurrency cap
// in [0, 1]
func (c *Controller) Saturation() float64 {
	s := float64(c.inflight.Load()) / float64(c.config.GlobalConcurrency)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Stats returns admission counters
func (c *Controller) Stats() map[string]interface{} {
	admitted := c.admitted.Load()
	rejected := c.rejected.Load()
	throttleRate := 0.0
	if admitted+rejected > 0 {
		throttleRate = float64(rejected) / float64(admitted+rejected)
	}

	c.reasonMu.Lock()
	byReason := make(map[string]int64, len(c.byReason))
	for k, v := range c.byReason {
		byReason[k] = v
	}
	c.reasonMu.Unlock()

	return map[string]interface{}{
		"admitted":      admitted,
		"rejected":      rejected,
		"queued_waits":  c.queuedWait.Load(),
		"queue_depth":   c.queue.len(),
		"inflight":      c.inflight.Load(),
		"load_score":    c.LoadScore(),
		"load_factor":   c.loadFactor(),
		"throttle_rate": throttleRate,
		"by_reason":     byReason,
	}
}

// Stop shuts down the controller, rejecting all parked waiters
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.queue.drainAll()
	})
	c.wg.Wait()
}

func (c *Controller) reject(reason string, retryAfter time.Duration) Decision {
	c.rejected.Add(1)
	c.reasonMu.Lock()
	c.byReason[reason]++
	c.reasonMu.Unlock()

	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

func (c *Controller) grant(req AdmitRequest) Decision {
	id := fmt.Sprintf("%s-%d", req.CallerID, c.reqCounter.Add(1))
	c.inflightReqs.Store(id, &inflightEntry{
		callerID: req.CallerID,
		endpoint: req.Endpoint,
		tier:     req.Tier,
		start:    time.Now(),
	})
	c.admitted.Add(1)
	return Decision{Allowed: true, RequestID: id}
}

// tryAcquire claims a concurrency slot under the load-scaled global cap
// and the tier's share
func (c *Controller) tryAcquire(tier Tier, limits TierLimits, factor float64) bool {
	globalCap := int64(float64(c.config.GlobalConcurrency) * factor)
	if globalCap < 1 {
		globalCap = 1
	}
	tierCap := int64(float64(c.config.GlobalConcurrency) * limits.ConcurrencyShare * factor)
	if tierCap < 1 {
		tierCap = 1
	}

	if c.inflight.Add(1) > globalCap {
		c.inflight.Add(-1)
		return false
	}
	counter := c.tierInflight[tier]
	if counter == nil {
		return true
	}
	if counter.Add(1) > tierCap {
		counter.Add(-1)
		c.inflight.Add(-1)
		return false
	}
	return true
}

// waitInQueue parks the request in its priority bucket until the drain
// loop grants it or the queue timeout fires
func (c *Controller) waitInQueue(ctx context.Context, req AdmitRequest, limits TierLimits) Decision {
	waiter, ok := c.queue.push(queuePriority(limits.QueuePriority, req), req.Tier)
	if !ok {
		return c.reject(ReasonQueueFull, time.Second)
	}
	c.queuedWait.Add(1)

	timer := time.NewTimer(c.config.QueueTimeout)
	defer timer.Stop()

	select {
	case granted := <-waiter.grant:
		return c.acceptGrant(req, granted)

	case <-timer.C:
		if !waiter.settle() {
			// A grant won the race and its slot is already reserved;
			// abandoning it here would leak the slot
			return c.acceptGrant(req, <-waiter.grant)
		}
		c.queue.timedOut.Add(1)
		return c.reject(ReasonQueueTimeout, time.Second)

	case <-ctx.Done():
		if !waiter.settle() {
			return c.acceptGrant(req, <-waiter.grant)
		}
		return c.reject(ReasonQueueTimeout, time.Second)
	}
}

func (c *Controller) acceptGrant(req AdmitRequest, granted bool) Decision {
	if !granted {
		return c.reject(ReasonShuttingDown, 0)
	}
	c.queue.granted.Add(1)
	d := c.grant(req)
	d.Queued = true
	return d
}

// drainLoop grants parked waiters as capacity frees, strictly by
// priority and FIFO within a band
func (c *Controller) drainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.capacityCh:
		case <-ticker.C:
		}
		c.drain()
	}
}

func (c *Controller) drain() {
	factor := c.loadFactor()
	for {
		globalCap := int64(float64(c.config.GlobalConcurrency) * factor)
		if globalCap < 1 {
			globalCap = 1
		}
		if c.inflight.Load() >= globalCap {
			return
		}

		waiter := c.queue.pop()
		if waiter == nil {
			return
		}

		// Reserve the slot on behalf of the waiter; the settle handshake
		// decides whether the grant or the waiter's timeout wins
		c.inflight.Add(1)
		if counter, ok := c.tierInflight[waiter.tier]; ok {
			counter.Add(1)
		}

		if waiter.settle() {
			waiter.grant <- true
		} else {
			// Timeout won; release the reserved slot
			c.inflight.Add(-1)
			if counter, ok := c.tierInflight[waiter.tier]; ok {
				counter.Add(-1)
			}
		}
	}
}

// loadFactor maps the load score and degradation pressure to a global
// admission multiplier in [0.3, 1.0]
func (c *Controller) loadFactor() float64 {
	score := c.LoadScore()

	factor := 1.0
	if score > 0.5 {
		factor = 1.0 - (score-0.5)/0.45*0.7
	}

	// Degradation pressure tightens the factor further
	level := float64(c.pressure.Load())
	factor *= 1.0 - 0.1*level

	if factor < 0.3 {
		factor = 0.3
	}
	if factor > 1.0 {
		factor = 1.0
	}
	return factor
}

// reanalyzeLoop periodically re-derives multipliers in bulk and prunes
// stale behavior patterns
func (c *Controller) reanalyzeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ReanalyzeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.records.forEach(func(id string, rec *callerRecord) {
				// Drift penalized callers back toward neutral once they
				// behave again
				if rec.failureStreak == 0 && rec.multiplier < 1.0 {
					rec.multiplier *= 1.02
					if rec.multiplier > 1.0 {
						rec.multiplier = 1.0
					}
				}
				if rec.violations > 0 && time.Since(rec.lastActivity) > time.Minute {
					rec.violations--
				}
			})
			if pruned := c.records.prune(time.Now()); pruned > 0 {
				log.Debugf("Pruned %d stale caller records", pruned)
			}
		case <-c.stopCh:
			return
		}
	}
}
