package events

import (
	"sync"
	"time"
)

// Type identifies an event topic on the bus
type Type string

const (
	BreakerTripped     Type = "breaker_tripped"
	BreakerClosed      Type = "breaker_closed"
	DegradationChanged Type = "degradation_changed"
	SystemicIssue      Type = "systemic_issue"
	HighLoad           Type = "high_load"
	AlertFired         Type = "alert_fired"
	AlertResolved      Type = "alert_resolved"
	AnomalyDetected    Type = "anomaly_detected"
	RecoveryExecuted   Type = "recovery_executed"
	SystemFailure      Type = "system_failure"
)

// Event carries a typed signal between components
type Event struct {
	Type      Type
	Source    string
	Timestamp time.Time

	// Payload fields; which are set depends on Type
	Feature string
	Level   int
	Value   float64
	Detail  string
}

// Handler processes a single event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a small synchronous pub/sub hub for cross-component signaling
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	nextID   int
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]subscription),
	}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe function
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[t]
		for i, s := range subs {
			if s.id == id {
				b.handlers[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to every subscriber of its type
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[ev.Type]))
	copy(subs, b.handlers[ev.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
