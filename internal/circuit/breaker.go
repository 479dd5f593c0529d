package circuit

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const healthWindow = 50 // Rolling outcome window for error-rate tracking

// Breaker implements the circuit breaker pattern for one protected feature
type Breaker struct {
	// Configuration
	failureThreshold int64
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int64

	// State
	state         atomic.Int32
	failures      atomic.Int64 // Consecutive failures while closed
	halfOpenCalls atomic.Int64
	trippedAt     atomic.Int64 // UnixNano of last trip
	lastFailure   atomic.Int64
	lastSuccess   atomic.Int64
	tripCount     atomic.Int64 // Lifetime trips, scales the recovery sweep wait

	// Rolling health
	healthMu      sync.Mutex
	outcomes      [healthWindow]bool
	outcomeIdx    int
	outcomeFilled int
	successStreak int64
	failureStreak int64
	avgResponseNs int64 // EWMA

	// Totals
	totalCalls    atomic.Int64
	totalFailures atomic.Int64
	rejected      atomic.Int64

	// onTransition is invoked outside the breaker's own locks
	onTransition func(from, to State)
}

// NewBreaker creates a breaker in the closed state
func NewBreaker(failureThreshold int64, recoveryTimeout time.Duration, halfOpenMaxCalls int64) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 3
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
	}
}

// Allow reports whether a call may proceed, advancing OPEN to HALF_OPEN
// once the recovery timeout has elapsed
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true

	case StateOpen:
		tripped := b.trippedAt.Load()
		if time.Since(time.Unix(0, tripped)) >= b.recoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenCalls.Add(1)
			return true
		}
		b.rejected.Add(1)
		return false

	case StateHalfOpen:
		if b.halfOpenCalls.Add(1) <= b.halfOpenMaxCalls {
			return true
		}
		// Trial budget exhausted without a qualifying success
		b.transitionTo(StateOpen)
		b.rejected.Add(1)
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call. A single qualifying success
// in HALF_OPEN closes the breaker.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	b.totalCalls.Add(1)
	b.lastSuccess.Store(time.Now().UnixNano())
	b.recordOutcome(true, latency)

	switch State(b.state.Load()) {
	case StateHalfOpen:
		b.transitionTo(StateClosed)
	case StateClosed:
		b.failures.Store(0)
	}
}

// RecordFailure records a failed call, tripping the breaker when the
// consecutive-failure threshold is reached
func (b *Breaker) RecordFailure(latency time.Duration) {
	b.totalCalls.Add(1)
	b.totalFailures.Add(1)
	b.lastFailure.Store(time.Now().UnixNano())
	b.recordOutcome(false, latency)

	switch State(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// ForceHalfOpen moves a long-tripped breaker into HALF_OPEN ahead of its
// normal recovery timeout. Used by the auto-recovery sweep.
func (b *Breaker) ForceHalfOpen() bool {
	if State(b.state.Load()) != StateOpen {
		return false
	}
	b.transitionTo(StateHalfOpen)
	return true
}

// Reset closes the breaker and clears its counters
func (b *Breaker) Reset() {
	b.transitionTo(StateClosed)
	b.healthMu.Lock()
	b.successStreak = 0
	b.failureStreak = 0
	b.outcomeIdx = 0
	b.outcomeFilled = 0
	b.healthMu.Unlock()
}

// GetState returns the current state
func (b *Breaker) GetState() State {
	return State(b.state.Load())
}

// TrippedAt returns when the breaker last opened
func (b *Breaker) TrippedAt() time.Time {
	return time.Unix(0, b.trippedAt.Load())
}

// TripCount returns the lifetime number of trips
func (b *Breaker) TripCount() int64 {
	return b.tripCount.Load()
}

// RecoveryTimeout returns the configured recovery timeout
func (b *Breaker) RecoveryTimeout() time.Duration {
	return b.recoveryTimeout
}

// FeatureHealth is a snapshot of the rolling health derived from breaker
// outcomes, read by the admission and degradation layers
type FeatureHealth struct {
	IsHealthy       bool          `json:"is_healthy"`
	ErrorRate       float64       `json:"error_rate"`
	SuccessStreak   int64         `json:"success_streak"`
	FailureStreak   int64         `json:"failure_streak"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	State           string        `json:"state"`
}

// Health returns the current rolling health snapshot
func (b *Breaker) Health() FeatureHealth {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()

	failures := 0
	for i := 0; i < b.outcomeFilled; i++ {
		if !b.outcomes[i] {
			failures++
		}
	}
	errorRate := 0.0
	if b.outcomeFilled > 0 {
		errorRate = float64(failures) / float64(b.outcomeFilled)
	}

	state := State(b.state.Load())
	return FeatureHealth{
		IsHealthy:       state == StateClosed && errorRate < 0.5,
		ErrorRate:       errorRate,
		SuccessStreak:   b.successStreak,
		FailureStreak:   b.failureStreak,
		AvgResponseTime: time.Duration(b.avgResponseNs),
		State:           state.String(),
	}
}

// Metrics returns breaker counters
func (b *Breaker) Metrics() map[string]int64 {
	return map[string]int64{
		"total_calls":      b.totalCalls.Load(),
		"total_failures":   b.totalFailures.Load(),
		"rejected":         b.rejected.Load(),
		"current_failures": b.failures.Load(),
		"trip_count":       b.tripCount.Load(),
		"state":            int64(b.state.Load()),
	}
}

func (b *Breaker) recordOutcome(success bool, latency time.Duration) {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()

	b.outcomes[b.outcomeIdx] = success
	b.outcomeIdx = (b.outcomeIdx + 1) % healthWindow
	if b.outcomeFilled < healthWindow {
		b.outcomeFilled++
	}

	if success {
		b.successStreak++
		b.failureStreak = 0
	} else {
		b.failureStreak++
		b.successStreak = 0
	}

	if latency > 0 {
		if b.avgResponseNs == 0 {
			b.avgResponseNs = int64(latency)
		} else {
			b.avgResponseNs = (b.avgResponseNs*9 + int64(latency)) / 10
		}
	}
}

func (b *Breaker) transitionTo(newState State) {
	oldState := State(b.state.Load())
	if oldState == newState {
		return
	}

	// Side effects apply only on the winning transition; a losing racer
	// must not bump the trip count or refund the trial budget
	if !b.state.CompareAndSwap(int32(oldState), int32(newState)) {
		return
	}

	switch newState {
	case StateClosed:
		b.failures.Store(0)
		b.halfOpenCalls.Store(0)
	case StateOpen:
		b.trippedAt.Store(time.Now().UnixNano())
		b.tripCount.Add(1)
		b.halfOpenCalls.Store(0)
	case StateHalfOpen:
		b.halfOpenCalls.Store(0)
	}

	if b.onTransition != nil {
		b.onTransition(oldState, newState)
	}
}
