package health

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costpilot/resilience/internal/events"
)

const (
	historyLen         = 20
	anomalyActiveFor   = 5 * time.Minute
	defaultEvalCadence = 15 * time.Second
)

// Config configures the monitor
type Config struct {
	EvalInterval time.Duration
	Suppressed   []string // Rule ids excluded from alerting
}

// Monitor runs periodic health checks, evaluates alert rules, detects
// trends and anomalies, and drives automated recovery
type Monitor struct {
	config Config

	mu       sync.RWMutex
	checkers map[string]*registeredChecker
	rules    []Rule
	alerts   map[string]*Alert

	trendMu   sync.Mutex
	trends    map[string]*TrendBuffer
	anomalies map[string]*AnomalyDetector
	gauges    map[string]float64
	recentAno []time.Time

	suppressed map[string]struct{}
	notifier   Notifier
	executor   *recoveryExecutor
	bus        *events.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type registeredChecker struct {
	spec CheckerSpec

	mu      sync.Mutex
	last    CheckResult
	history []CheckResult
}

// NewMonitor creates a monitor. notifier and bus may be nil; a nil
// notifier falls back to log-based escalation.
func NewMonitor(config Config, hooks RecoveryHooks, notifier Notifier, bus *events.Bus) *Monitor {
	if config.EvalInterval <= 0 {
		config.EvalInterval = defaultEvalCadence
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}

	m := &Monitor{
		config:     config,
		checkers:   make(map[string]*registeredChecker),
		alerts:     make(map[string]*Alert),
		trends:     make(map[string]*TrendBuffer),
		anomalies:  make(map[string]*AnomalyDetector),
		gauges:     make(map[string]float64),
		suppressed: make(map[string]struct{}),
		notifier:   notifier,
		executor:   newRecoveryExecutor(hooks),
		bus:        bus,
		stopCh:     make(chan struct{}),
	}
	for _, id := range config.Suppressed {
		m.suppressed[id] = struct{}{}
	}
	m.executor.onExecuted = func(ruleID string, action Action, ok bool) {
		if bus != nil {
			val := 0.0
			if ok {
				val = 1.0
			}
			bus.Publish(events.Event{
				Type:   events.RecoveryExecuted,
				Source: "health",
				Detail: ruleID + ":" + string(action),
				Value:  val,
			})
		}
	}

	m.rules = defaultRules()

	m.wg.Add(1)
	go m.evalLoop()

	return m
}

// RegisterChecker adds a health checker and starts its schedule
func (m *Monitor) RegisterChecker(spec CheckerSpec) {
	if spec.Interval <= 0 {
		spec.Interval = 30 * time.Second
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 5 * time.Second
	}

	rc := &registeredChecker{spec: spec}
	m.mu.Lock()
	m.checkers[spec.ID] = rc
	m.mu.Unlock()

	m.wg.Add(1)
	go m.checkLoop(rc)
}

// RegisterRule adds an alert rule
func (m *Monitor) RegisterRule(rule Rule) {
	m.mu.Lock()
	m.rules = append(m.rules, rule)
	m.mu.Unlock()
}

// RunCheck executes one checker immediately. Exceeding the checker's
// timeout counts as a critical failure.
func (m *Monitor) RunCheck(ctx context.Context, id string) (CheckResult, bool) {
	m.mu.RLock()
	rc, ok := m.checkers[id]
	m.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	return m.runChecker(ctx, rc), true
}

// ObserveMetric feeds one observation into the trend buffer and anomaly
// baseline for the metric
func (m *Monitor) ObserveMetric(name string, value float64) {
	m.trendMu.Lock()
	tb, ok := m.trends[name]
	if !ok {
		tb = NewTrendBuffer(60)
		m.trends[name] = tb
	}
	ad, ok := m.anomalies[name]
	if !ok {
		ad = NewAnomalyDetector()
		m.anomalies[name] = ad
	}
	m.gauges[name] = value
	m.trendMu.Unlock()

	tb.Add(value)

	if z, anomalous := ad.Observe(value); anomalous {
		m.trendMu.Lock()
		m.recentAno = append(m.recentAno, time.Now())
		m.trendMu.Unlock()

		log.WithFields(log.Fields{
			"metric": name,
			"value":  value,
			"zscore": z,
		}).Warn("Metric anomaly detected")

		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:   events.AnomalyDetected,
				Source: "health",
				Detail: name,
				Value:  z,
			})
		}
	}
}

// GetSystemHealth returns the externally queryable summary
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.checkers))
	overall := StatusHealthy
	for id, rc := range m.checkers {
		rc.mu.Lock()
		last := rc.last
		rc.mu.Unlock()
		components[id] = last

		if last.Status == StatusCritical && rc.spec.Critical {
			overall = StatusCritical
		} else if last.Status != StatusHealthy && last.Status != "" && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	active := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			active++
		}
	}
	m.mu.RUnlock()

	return SystemHealth{
		Overall:      overall,
		Components:   components,
		ActiveAlerts: active,
		Anomalies:    m.activeAnomalies(),
		CheckedAt:    time.Now(),
	}
}

// ActiveAlerts returns unresolved alerts
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// Trends returns the current trend classification per metric
func (m *Monitor) Trends() map[string]Trend {
	m.trendMu.Lock()
	names := make([]string, 0, len(m.trends))
	for name := range m.trends {
		names = append(names, name)
	}
	buffers := make(map[string]*TrendBuffer, len(names))
	for _, name := range names {
		buffers[name] = m.trends[name]
	}
	m.trendMu.Unlock()

	out := make(map[string]Trend, len(buffers))
	for name, tb := range buffers {
		out[name] = tb.Analyze()
	}
	return out
}

// Stop halts check schedules and the evaluation loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.notifier.Close()
}

func (m *Monitor) checkLoop(rc *registeredChecker) {
	defer m.wg.Done()

	ticker := time.NewTicker(rc.spec.Interval)
	defer ticker.Stop()

	// Initial check immediately
	m.runChecker(context.Background(), rc)

	for {
		select {
		case <-ticker.C:
			m.runChecker(context.Background(), rc)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) runChecker(ctx context.Context, rc *registeredChecker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, rc.spec.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		done <- rc.spec.Run(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusCritical,
			Message: "health check timed out",
		}
	}
	result.Latency = time.Since(start)
	result.CheckedAt = time.Now()

	rc.mu.Lock()
	rc.last = result
	rc.history = append(rc.history, result)
	if len(rc.history) > historyLen {
		rc.history = rc.history[1:]
	}
	rc.mu.Unlock()

	for name, v := range result.Metrics {
		m.ObserveMetric(rc.spec.ID+"."+name, v)
	}
	return result
}

func (m *Monitor) activeAnomalies() int {
	cutoff := time.Now().Add(-anomalyActiveFor)

	m.trendMu.Lock()
	defer m.trendMu.Unlock()

	keep := m.recentAno[:0]
	for _, ts := range m.recentAno {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	m.recentAno = keep
	return len(keep)
}

func (m *Monitor) snapshot() Snapshot {
	m.trendMu.Lock()
	metrics := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		metrics[k] = v
	}
	m.trendMu.Unlock()

	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.checkers))
	for id, rc := range m.checkers {
		rc.mu.Lock()
		components[id] = rc.last
		rc.mu.Unlock()
		// Critical flag travels with the component id
		if rc.spec.Critical {
			metrics["critical:"+id] = 1
		}
	}
	m.mu.RUnlock()

	return Snapshot{
		Metrics:         metrics,
		Components:      components,
		ActiveAnomalies: m.activeAnomalies(),
		Trends:          m.Trends(),
	}
}

func (m *Monitor) evalLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evaluate()
		case <-m.stopCh:
			return
		}
	}
}

// evaluate runs every rule against the current snapshot, creating,
// refreshing, resolving and escalating alerts
func (m *Monitor) evaluate() {
	snap := m.snapshot()
	now := time.Now()

	m.mu.Lock()
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	m.mu.Unlock()

	for _, rule := range rules {
		if _, suppressed := m.suppressed[rule.ID]; suppressed {
			continue
		}

		fires := rule.Fires(snap)

		m.mu.Lock()
		alert, exists := m.alerts[rule.ID]

		switch {
		case fires && (!exists || alert.Resolved):
			cooldown := rule.Cooldown
			if cooldown <= 0 {
				cooldown = time.Minute
			}
			if exists && alert.Resolved && now.Sub(alert.ResolvedAt) < cooldown {
				m.mu.Unlock()
				continue
			}
			fresh := &Alert{
				RuleID:    rule.ID,
				Severity:  rule.Severity,
				Message:   rule.Message,
				Timestamp: now,
				LastFired: now,
			}
			m.alerts[rule.ID] = fresh
			m.mu.Unlock()

			log.WithFields(log.Fields{
				"rule":     rule.ID,
				"severity": string(rule.Severity),
			}).Warnf("Alert fired: %s", rule.Message)

			if m.bus != nil {
				m.bus.Publish(events.Event{Type: events.AlertFired, Source: "health", Detail: rule.ID})
			}
			m.executor.tryExecute(*fresh)

		case fires && exists && !alert.Resolved:
			alert.LastFired = now
			escalate := !alert.Escalated && now.Sub(alert.Timestamp) >= escalationDelay(alert.Severity)
			if escalate {
				alert.Escalated = true
			}
			snapshotAlert := *alert
			m.mu.Unlock()

			if escalate {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.notifier.Notify(ctx, snapshotAlert); err != nil {
					log.Warnf("Alert escalation notify failed for %s: %v", rule.ID, err)
				}
				cancel()
			}

		case !fires && exists && !alert.Resolved:
			alert.Resolved = true
			alert.ResolvedAt = now
			m.mu.Unlock()

			log.Infof("Alert resolved: %s", rule.ID)
			if m.bus != nil {
				m.bus.Publish(events.Event{Type: events.AlertResolved, Source: "health", Detail: rule.ID})
			}

		default:
			m.mu.Unlock()
		}
	}
}

// defaultRules are the built-in declarative alert predicates
func defaultRules() []Rule {
	return []Rule{
		{
			ID:       "response_time_high",
			Severity: SeverityCritical,
			Message:  "average response time above critical threshold",
			Fires: func(s Snapshot) bool {
				return s.Metrics["avg_response_ms"] > 3000
			},
		},
		{
			ID:       "error_rate_high",
			Severity: SeverityCritical,
			Message:  "error rate above threshold",
			Fires: func(s Snapshot) bool {
				return s.Metrics["error_rate"] > 0.25
			},
		},
		{
			ID:       "memory_high",
			Severity: SeverityWarning,
			Message:  "memory usage above threshold",
			Fires: func(s Snapshot) bool {
				return s.Metrics["resources.memory_percent"] > 85
			},
		},
		{
			ID:       "critical_component",
			Severity: SeverityCritical,
			Message:  "a critical component is reporting critical status",
			Fires: func(s Snapshot) bool {
				for id, result := range s.Components {
					if result.Status == StatusCritical && s.Metrics["critical:"+id] == 1 {
						return true
					}
				}
				return false
			},
		},
		{
			ID:       "performance_degrading",
			Severity: SeverityWarning,
			Message:  "performance degrading across multiple indicators",
			Fires: func(s Snapshot) bool {
				degrading := 0
				for _, name := range []string{"avg_response_ms", "error_rate", "resources.memory_percent"} {
					if t, ok := s.Trends[name]; ok && t.Direction == TrendIncreasing && t.Confidence > 0.5 {
						degrading++
					}
				}
				return degrading >= 2
			},
		},
		{
			ID:       "response_time_degrading",
			Severity: SeverityWarning,
			Message:  "sustained increasing response time trend",
			Fires: func(s Snapshot) bool {
				t, ok := s.Trends["avg_response_ms"]
				return ok && t.Direction == TrendIncreasing && t.Confidence > 0.6
			},
		},
		{
			ID:       "anomaly_active",
			Severity: SeverityInfo,
			Message:  "recent metric anomalies detected",
			Fires: func(s Snapshot) bool {
				return s.ActiveAnomalies > 0
			},
		},
	}
}
