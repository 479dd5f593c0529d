package orchestrator

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costpilot/resilience/internal/cache"
	"github.com/costpilot/resilience/internal/circuit"
	"github.com/costpilot/resilience/internal/events"
	"github.com/costpilot/resilience/internal/health"
	"github.com/costpilot/resilience/internal/memo"
	"github.com/costpilot/resilience/internal/metrics"
	"github.com/costpilot/resilience/internal/throttle"
)

// Handler executes one request type's business operation. Handlers may
// consult the memoization layer and cache internally.
type Handler func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// Caller identifies the requester, resolved by an external collaborator
type Caller struct {
	ID       string
	Tier     throttle.Tier
	Critical bool
	ReadOnly bool
	Batch    bool
}

// Response is the annotated outcome of a processed request
type Response struct {
	Status           string        `json:"status"` // ok | throttled | degraded | error
	Value            interface{}   `json:"value,omitempty"`
	Degraded         bool          `json:"degraded"`
	DegradationLevel int           `json:"degradation_level"`
	Reason           string        `json:"reason,omitempty"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
	RequestID        string        `json:"request_id,omitempty"`
	ExecutedAt       string        `json:"executed_at,omitempty"`
	SystemsUsed      []string      `json:"systems_used"`
}

// Config configures the orchestrator
type Config struct {
	StabilizationWait time.Duration
	SnapshotInterval  time.Duration
	LoadFeedInterval  time.Duration
}

type operation struct {
	feature string
	handler Handler
}

// Orchestrator composes the resilience components behind one
// request-processing entry point
type Orchestrator struct {
	config Config

	cache    *cache.MultiTierCache
	memo     *memo.Memoizer
	degrade  *circuit.Controller
	throttle *throttle.Controller
	monitor  *health.Monitor
	bus      *events.Bus
	metrics  *metrics.Registry
	state    cache.BlobStore

	opMu       sync.RWMutex
	operations map[string]operation

	// Rolling request telemetry feeding the composite load score
	respMu     sync.Mutex
	avgRespMs  float64
	outcomes   []bool // Bounded ring of recent outcomes
	outcomeIdx int
	recovering atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const outcomeWindow = 100

// New wires the components together and installs the cross-component
// event subscriptions
func New(config Config, c *cache.MultiTierCache, m *memo.Memoizer, d *circuit.Controller, t *throttle.Controller, h *health.Monitor, bus *events.Bus, reg *metrics.Registry, state cache.BlobStore) *Orchestrator {
	if config.StabilizationWait <= 0 {
		config.StabilizationWait = 30 * time.Second
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = time.Minute
	}
	if config.LoadFeedInterval <= 0 {
		config.LoadFeedInterval = 5 * time.Second
	}

	o := &Orchestrator{
		config:     config,
		cache:      c,
		memo:       m,
		degrade:    d,
		throttle:   t,
		monitor:    h,
		bus:        bus,
		metrics:    reg,
		state:      state,
		operations: make(map[string]operation),
		outcomes:   make([]bool, 0, outcomeWindow),
		stopCh:     make(chan struct{}),
	}

	o.wire()

	o.wg.Add(2)
	go o.loadFeedLoop()
	go o.snapshotLoop()

	return o
}

// RegisterOperation binds a request type to a protected feature and its
// handler
func (o *Orchestrator) RegisterOperation(requestType, feature string, handler Handler) {
	o.opMu.Lock()
	o.operations[requestType] = operation{feature: feature, handler: handler}
	o.opMu.Unlock()
}

// ProcessRequest is the single entry point: admission, protected
// execution, completion tracking, annotated result
func (o *Orchestrator) ProcessRequest(ctx context.Context, requestType string, payload map[string]interface{}, caller Caller) Response {
	o.opMu.RLock()
	op, known := o.operations[requestType]
	o.opMu.RUnlock()

	if !known {
		return Response{
			Status:      "error",
			Reason:      "unknown request type",
			SystemsUsed: []string{},
		}
	}

	decision := o.throttle.Admit(ctx, throttle.AdmitRequest{
		CallerID: caller.ID,
		Tier:     caller.Tier,
		Endpoint: requestType,
		Critical: caller.Critical,
		ReadOnly: caller.ReadOnly,
		Batch:    caller.Batch,
	})

	if o.metrics != nil {
		result := "allowed"
		if !decision.Allowed {
			result = decision.Reason
		}
		o.metrics.AdmissionsTotal.WithLabelValues(result).Inc()
	}

	if !decision.Allowed {
		return Response{
			Status:           "throttled",
			Reason:           decision.Reason,
			RetryAfter:       decision.RetryAfter,
			DegradationLevel: o.degrade.Level(),
			SystemsUsed:      []string{"throttling"},
		}
	}

	systems := []string{"throttling", "degradation"}
	if decision.Queued {
		systems = append(systems, "priority_queue")
	}

	start := time.Now()
	result := o.degrade.Execute(ctx, op.feature, func(ctx context.Context) (interface{}, error) {
		return op.handler(ctx, payload)
	})
	elapsed := time.Since(start)

	success := result.Err == nil
	if err := o.throttle.Complete(decision.RequestID, throttle.Outcome{
		Success:  success,
		Duration: elapsed,
	}); err != nil {
		log.Warnf("Completion tracking failed for %s: %v", decision.RequestID, err)
	}
	o.recordOutcome(success, elapsed)

	if o.metrics != nil {
		outcome := "ok"
		if result.Degraded {
			outcome = "degraded"
		}
		if result.Err != nil {
			outcome = "error"
		}
		o.metrics.RequestsTotal.WithLabelValues(requestType, outcome).Inc()
		o.metrics.RequestDuration.Observe(elapsed.Seconds())
	}

	status := "ok"
	if result.Err != nil {
		status = "error"
	} else if result.Degraded {
		status = "degraded"
	}

	return Response{
		Status:           status,
		Value:            result.Value,
		Degraded:         result.Degraded,
		DegradationLevel: result.DegradationLevel,
		RetryAfter:       result.RetryAfter,
		RequestID:        decision.RequestID,
		ExecutedAt:       result.ExecutedAt,
		SystemsUsed:      systems,
	}
}

// CoordinatedRecovery forces the most conservative operating mode,
// clears shared state and returns to normal after a stabilization wait.
// Only one recovery runs at a time.
func (o *Orchestrator) CoordinatedRecovery() {
	if !o.recovering.CompareAndSwap(false, true) {
		log.Info("Coordinated recovery already in progress")
		return
	}
	defer o.recovering.Store(false)

	log.Warn("Coordinated recovery started")

	o.throttle.SetPressure(circuit.MaxDegradationLevel)
	cleared := o.cache.Clear(context.Background(), "")
	o.degrade.ResetAll()

	log.WithFields(log.Fields{
		"cleared_entries": cleared,
		"wait":            o.config.StabilizationWait,
	}).Info("Conservative mode engaged, waiting for stabilization")

	select {
	case <-time.After(o.config.StabilizationWait):
	case <-o.stopCh:
		return
	}

	o.throttle.SetPressure(o.degrade.Level())
	log.Info("Coordinated recovery finished")
}

// SystemHealth returns the unified externally queryable view
func (o *Orchestrator) SystemHealth() map[string]interface{} {
	sys := o.monitor.GetSystemHealth()
	cacheStats := o.cache.Stats()
	throttleStats := o.throttle.Stats()

	return map[string]interface{}{
		"status":            string(sys.Overall),
		"degradation_level": o.degrade.Level(),
		"active_alerts":     sys.ActiveAlerts,
		"anomalies":         sys.Anomalies,
		"components":        sys.Components,
		"breakers":          o.degrade.BreakerStates(),
		"cache_hit_rate":    cacheStats.HitRate,
		"throttle_rate":     throttleStats["throttle_rate"],
		"recovering":        o.recovering.Load(),
	}
}

// Metrics returns the unified counter snapshot
func (o *Orchestrator) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"cache":             o.cache.Stats(),
		"memo":              o.memo.Stats(),
		"throttle":          o.throttle.Stats(),
		"breakers":          o.degrade.BreakerStates(),
		"feature_health":    o.degrade.FeatureHealthSnapshot(),
		"degradation_level": o.degrade.Level(),
	}
}

// Stop halts the orchestrator's background loops
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// wire installs the cross-component event subscriptions
func (o *Orchestrator) wire() {
	// A breaker trip tightens admission in proportion to the new level
	o.bus.Subscribe(events.DegradationChanged, func(ev events.Event) {
		o.throttle.SetPressure(ev.Level)
		if o.metrics != nil {
			o.metrics.DegradationLevel.Set(float64(ev.Level))
		}
	})

	// Sustained high load triggers an out-of-cycle degradation re-eval
	o.bus.Subscribe(events.HighLoad, func(ev events.Event) {
		log.Infof("High load signal (score %.2f), re-evaluating degradation", ev.Value)
		o.degrade.Reevaluate()
	})

	// Memory pressure trims the cache; response-time degradation
	// pre-warms popular memoized queries
	o.bus.Subscribe(events.AlertFired, func(ev events.Event) {
		if o.metrics != nil {
			o.metrics.ActiveAlerts.Inc()
		}
		switch ev.Detail {
		case "memory_high":
			o.cache.Trim(0.5)
		case "response_time_degrading", "response_time_high":
			go o.memo.Prewarm(context.Background())
		}
	})

	o.bus.Subscribe(events.AlertResolved, func(ev events.Event) {
		if o.metrics != nil {
			o.metrics.ActiveAlerts.Dec()
		}
	})

	o.bus.Subscribe(events.AnomalyDetected, func(ev events.Event) {
		if o.metrics != nil {
			o.metrics.AnomaliesTotal.Inc()
		}
	})

	o.bus.Subscribe(events.RecoveryExecuted, func(ev events.Event) {
		if o.metrics != nil {
			result := "failure"
			if ev.Value == 1 {
				result = "success"
			}
			o.metrics.RecoveriesTotal.WithLabelValues(ev.Detail, result).Inc()
		}
	})

	// A systemic issue on any feature feeds the monitor; a system-wide
	// failure signal drives coordinated recovery
	o.bus.Subscribe(events.SystemicIssue, func(ev events.Event) {
		o.monitor.ObserveMetric("systemic_issues", ev.Value)
	})
	o.bus.Subscribe(events.SystemFailure, func(ev events.Event) {
		go o.CoordinatedRecovery()
	})
}

func (o *Orchestrator) recordOutcome(success bool, elapsed time.Duration) {
	o.respMu.Lock()
	defer o.respMu.Unlock()

	ms := float64(elapsed.Milliseconds())
	if o.avgRespMs == 0 {
		o.avgRespMs = ms
	} else {
		o.avgRespMs = o.avgRespMs*0.9 + ms*0.1
	}

	if len(o.outcomes) < outcomeWindow {
		o.outcomes = append(o.outcomes, success)
	} else {
		o.outcomes[o.outcomeIdx] = success
		o.outcomeIdx = (o.outcomeIdx + 1) % outcomeWindow
	}
}

func (o *Orchestrator) loadInputs() throttle.SystemLoad {
	o.respMu.Lock()
	avgResp := o.avgRespMs
	failures := 0
	for _, ok := range o.outcomes {
		if !ok {
			failures++
		}
	}
	errorRate := 0.0
	if len(o.outcomes) > 0 {
		errorRate = float64(failures) / float64(len(o.outcomes))
	}
	o.respMu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPercent := float64(ms.HeapAlloc) / float64(ms.Sys) * 100

	// CPU proxy: concurrency saturation of the admission layer, scaled
	// to a percentage. The host process only exposes approximate figures.
	cpuProxy := o.throttle.Saturation() * 100

	return throttle.SystemLoad{
		CPUPercent:    cpuProxy,
		MemoryPercent: memPercent,
		AvgResponseMs: avgResp,
		ErrorRate:     errorRate,
	}
}

// loadFeedLoop periodically feeds load inputs to the admission layer
// and the monitor's trend/anomaly pipeline
func (o *Orchestrator) loadFeedLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.LoadFeedInterval)
	defer ticker.Stop()

	var lastEvictions int64

	for {
		select {
		case <-ticker.C:
			load := o.loadInputs()
			o.throttle.UpdateLoad(load)
			o.monitor.ObserveMetric("avg_response_ms", load.AvgResponseMs)
			o.monitor.ObserveMetric("error_rate", load.ErrorRate)

			if o.metrics != nil {
				o.metrics.LoadScore.Set(o.throttle.LoadScore())
				cacheStats := o.cache.Stats()
				o.metrics.CacheHitRate.Set(cacheStats.HitRate)
				if delta := cacheStats.Evictions - lastEvictions; delta > 0 {
					o.metrics.CacheEvictions.Add(float64(delta))
					lastEvictions = cacheStats.Evictions
				}
				stats := o.throttle.Stats()
				if depth, ok := stats["queue_depth"].(int); ok {
					o.metrics.QueueDepth.Set(float64(depth))
				}
				for feature, state := range o.degrade.BreakerStates() {
					val := 0.0
					switch state {
					case "open":
						val = 1
					case "half_open":
						val = 2
					}
					o.metrics.BreakerState.WithLabelValues(feature).Set(val)
				}
			}
		case <-o.stopCh:
			return
		}
	}
}

// snapshotLoop persists a compact state snapshot through the blob store
// contract; failures are logged and treated as empty-state
func (o *Orchestrator) snapshotLoop() {
	defer o.wg.Done()

	if o.state == nil {
		return
	}

	ticker := time.NewTicker(o.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := map[string]interface{}{
				"taken_at":          time.Now(),
				"degradation_level": o.degrade.Level(),
				"throttle":          o.throttle.Stats(),
				"cache":             o.cache.Stats(),
			}
			blob, err := json.Marshal(snap)
			if err != nil {
				log.Warnf("State snapshot encode failed: %v", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := o.state.Save(ctx, "state:snapshot", blob, time.Hour); err != nil {
				log.Warnf("State snapshot save failed: %v", err)
			}
			cancel()
		case <-o.stopCh:
			return
		}
	}
}
