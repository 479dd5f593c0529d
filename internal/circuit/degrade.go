package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costpilot/resilience/internal/events"
)

// Degradation level bounds. Level 0 is fully healthy; levels 4-5 are the
// critical band where even critical features fail over to fallbacks.
const (
	MaxDegradationLevel     = 5
	criticalBandFloor       = 4
	optionalDisableLevel    = 2
	criticalDisableLevel    = 4
	systemicIssueThreshold  = 5
	recoverySweepInterval   = 15 * time.Second
	maxRecoveryWaitMultiple = 4.0
)

// FeatureConfig describes one protected feature
type FeatureConfig struct {
	Name             string
	Critical         bool
	FailureThreshold int64
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int64
	ExecutionTimeout time.Duration
}

// Fallback is one rung of a feature's fallback ladder
type Fallback struct {
	Name string
	Fn   func(ctx context.Context) (interface{}, error)
}

// Result is the outcome of a protected execution
type Result struct {
	Value            interface{}   `json:"value"`
	Degraded         bool          `json:"degraded"`
	DegradationLevel int           `json:"degradation_level"`
	ExecutedAt       string        `json:"executed_at"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
	Err              error         `json:"-"`
}

type feature struct {
	config    FeatureConfig
	breaker   *Breaker
	fallbacks []Fallback

	// Consecutive same-class error tracking for systemic-issue detection
	patternMu     sync.Mutex
	lastClass     ErrorClass
	classStreak   int
	systemicFired bool
}

// Controller executes calls under breaker protection with tiered
// fallbacks and maintains the process-wide degradation level
type Controller struct {
	mu       sync.RWMutex
	features map[string]*feature

	level atomic.Int32
	bus   *events.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController creates a degradation controller. bus may be nil.
func NewController(bus *events.Bus) *Controller {
	c := &Controller{
		features: make(map[string]*feature),
		bus:      bus,
		stopCh:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.recoverySweep()

	return c
}

// Register adds a protected feature and its fallback ladder
func (c *Controller) Register(config FeatureConfig, fallbacks ...Fallback) {
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = 5 * time.Second
	}

	f := &feature{
		config:    config,
		breaker:   NewBreaker(config.FailureThreshold, config.RecoveryTimeout, config.HalfOpenMaxCalls),
		fallbacks: fallbacks,
	}
	f.breaker.onTransition = func(from, to State) {
		c.onBreakerTransition(config.Name, from, to)
	}

	c.mu.Lock()
	c.features[config.Name] = f
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"feature":  config.Name,
		"critical": config.Critical,
	}).Info("Feature registered with degradation controller")
}

// Execute runs fn under breaker protection for the named feature,
// falling through the fallback ladder on unavailability or failure
func (c *Controller) Execute(ctx context.Context, featureName string, fn func(ctx context.Context) (interface{}, error)) Result {
	c.mu.RLock()
	f, ok := c.features[featureName]
	c.mu.RUnlock()

	if !ok {
		return Result{
			Degraded:   true,
			ExecutedAt: "emergency",
			Err:        ErrUnknownFeature,
		}
	}

	level := int(c.level.Load())

	// Availability check precedes execution
	if !c.featureEnabled(f, level) {
		return c.runFallbacks(ctx, f, level, ErrFeatureDisabled)
	}
	if !f.breaker.Allow() {
		return c.runFallbacks(ctx, f, level, ErrCircuitOpen)
	}

	start := time.Now()
	value, err := c.runWithTimeout(ctx, f.config.ExecutionTimeout, fn)
	latency := time.Since(start)

	if err != nil {
		f.breaker.RecordFailure(latency)
		c.trackErrorPattern(f, err)
		log.WithFields(log.Fields{
			"feature": featureName,
			"class":   string(Classify(err)),
		}).Warnf("Protected execution failed: %v", err)
		return c.runFallbacks(ctx, f, int(c.level.Load()), err)
	}

	f.breaker.RecordSuccess(latency)
	f.resetErrorPattern()

	return Result{
		Value:            value,
		DegradationLevel: level,
		ExecutedAt:       "primary",
	}
}

// Level returns the current global degradation level
func (c *Controller) Level() int {
	return int(c.level.Load())
}

// FeatureHealthSnapshot returns per-feature health derived from breaker
// events
func (c *Controller) FeatureHealthSnapshot() map[string]FeatureHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]FeatureHealth, len(c.features))
	for name, f := range c.features {
		out[name] = f.breaker.Health()
	}
	return out
}

// BreakerStates returns the state of every registered breaker
func (c *Controller) BreakerStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.features))
	for name, f := range c.features {
		out[name] = f.breaker.GetState().String()
	}
	return out
}

// OpenFraction returns the fraction of open breakers and whether any
// critical feature's breaker is open
func (c *Controller) OpenFraction() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := len(c.features)
	if total == 0 {
		return 0, false
	}
	open := 0
	criticalOpen := false
	for _, f := range c.features {
		if f.breaker.GetState() == StateOpen {
			open++
			if f.config.Critical {
				criticalOpen = true
			}
		}
	}
	return float64(open) / float64(total), criticalOpen
}

// ResetAll closes every breaker. Used by the coordinated recovery path.
// Resets run outside the feature lock: each transition re-enters the
// controller through onTransition, and holding a read lock across that
// callback would deadlock against a concurrent Register.
func (c *Controller) ResetAll() {
	c.mu.RLock()
	breakers := make([]*Breaker, 0, len(c.features))
	for _, f := range c.features {
		breakers = append(breakers, f.breaker)
	}
	c.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}

	c.recomputeLevel()
	log.Info("All circuit breakers reset")
}

// Reevaluate recomputes the degradation level out of cycle. Wired to the
// admission controller's sustained high-load signal.
func (c *Controller) Reevaluate() {
	c.recomputeLevel()
}

// Stop halts the recovery sweep
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) featureEnabled(f *feature, level int) bool {
	if f.config.Critical {
		return level < criticalDisableLevel
	}
	return level < optionalDisableLevel
}

func (c *Controller) runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := fn(execCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-execCtx.Done():
		return nil, ErrExecutionTimeout
	}
}

// runFallbacks tries each rung of the ladder in order; the first success
// wins. Exhaustion yields the emergency minimal response.
func (c *Controller) runFallbacks(ctx context.Context, f *feature, level int, cause error) Result {
	for _, fb := range f.fallbacks {
		value, err := c.runWithTimeout(ctx, f.config.ExecutionTimeout, fb.Fn)
		if err != nil {
			log.Debugf("Fallback %s/%s failed: %v", f.config.Name, fb.Name, err)
			continue
		}
		return Result{
			Value:            value,
			Degraded:         true,
			DegradationLevel: level,
			ExecutedAt:       "fallback_" + fb.Name,
		}
	}

	retryAfter := f.breaker.RecoveryTimeout()
	return Result{
		Value: map[string]interface{}{
			"status":  "unavailable",
			"feature": f.config.Name,
			"reason":  cause.Error(),
		},
		Degraded:         true,
		DegradationLevel: level,
		ExecutedAt:       "emergency",
		RetryAfter:       retryAfter,
		Err:              ErrFallbacksExhausted,
	}
}

// trackErrorPattern emits a systemic-issue signal after five or more
// consecutive same-class failures
func (c *Controller) trackErrorPattern(f *feature, err error) {
	class := Classify(err)

	f.patternMu.Lock()
	if class == f.lastClass {
		f.classStreak++
	} else {
		f.lastClass = class
		f.classStreak = 1
		f.systemicFired = false
	}
	fire := f.classStreak >= systemicIssueThreshold && !f.systemicFired
	if fire {
		f.systemicFired = true
	}
	streak := f.classStreak
	f.patternMu.Unlock()

	if fire && c.bus != nil {
		log.WithFields(log.Fields{
			"feature": f.config.Name,
			"class":   string(class),
			"streak":  streak,
		}).Warn("Systemic error pattern detected")
		c.bus.Publish(events.Event{
			Type:    events.SystemicIssue,
			Source:  "circuit",
			Feature: f.config.Name,
			Detail:  string(class),
			Value:   float64(streak),
		})
	}
}

func (f *feature) resetErrorPattern() {
	f.patternMu.Lock()
	f.classStreak = 0
	f.lastClass = ""
	f.systemicFired = false
	f.patternMu.Unlock()
}

func (c *Controller) onBreakerTransition(name string, from, to State) {
	log.WithFields(log.Fields{
		"feature": name,
		"from":    from.String(),
		"to":      to.String(),
	}).Info("Circuit breaker transition")

	if c.bus != nil {
		switch to {
		case StateOpen:
			c.bus.Publish(events.Event{Type: events.BreakerTripped, Source: "circuit", Feature: name})
		case StateClosed:
			c.bus.Publish(events.Event{Type: events.BreakerClosed, Source: "circuit", Feature: name})
		}
	}

	c.recomputeLevel()
}

// recomputeLevel derives the global degradation level: proportional to
// the fraction of open breakers, with any open critical breaker forcing
// the critical band
func (c *Controller) recomputeLevel() {
	c.mu.RLock()
	total := len(c.features)
	open := 0
	criticalOpen := 0
	for _, f := range c.features {
		if f.breaker.GetState() == StateOpen {
			open++
			if f.config.Critical {
				criticalOpen++
			}
		}
	}
	c.mu.RUnlock()

	level := 0
	if total > 0 {
		level = int(float64(MaxDegradationLevel) * float64(open) / float64(total))
	}
	if criticalOpen > 0 {
		if level < criticalBandFloor {
			level = criticalBandFloor
		}
		if criticalOpen > 1 || (total > 0 && open*2 > total) {
			level = MaxDegradationLevel
		}
	}

	old := int(c.level.Swap(int32(level)))
	if old != level {
		log.WithFields(log.Fields{"from": old, "to": level}).Info("Degradation level changed")
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type:   events.DegradationChanged,
				Source: "circuit",
				Level:  level,
			})
		}
	}
}

// recoverySweep periodically moves long-tripped breakers into HALF_OPEN.
// Breakers with more prior trips wait proportionally longer, capped.
func (c *Controller) recoverySweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(recoverySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) sweepOnce() {
	c.mu.RLock()
	candidates := make([]*feature, 0)
	for _, f := range c.features {
		if f.breaker.GetState() == StateOpen {
			candidates = append(candidates, f)
		}
	}
	c.mu.RUnlock()

	for _, f := range candidates {
		multiple := 1.0 + 0.5*float64(f.breaker.TripCount()-1)
		if multiple > maxRecoveryWaitMultiple {
			multiple = maxRecoveryWaitMultiple
		}
		requiredWait := time.Duration(float64(f.breaker.RecoveryTimeout()) * multiple)

		if time.Since(f.breaker.TrippedAt()) >= requiredWait {
			if f.breaker.ForceHalfOpen() {
				log.Infof("Recovery sweep moved %s to half-open", f.config.Name)
			}
		}
	}
}
