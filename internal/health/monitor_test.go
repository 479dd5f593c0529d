package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costpilot/resilience/internal/events"
)

func newTestMonitor(t *testing.T, hooks RecoveryHooks, bus *events.Bus) *Monitor {
	t.Helper()
	m := NewMonitor(Config{EvalInterval: time.Hour}, hooks, nil, bus)
	t.Cleanup(m.Stop)
	return m
}

func TestRunCheckAndOverallStatus(t *testing.T) {
	m := newTestMonitor(t, RecoveryHooks{}, nil)

	m.RegisterChecker(NewPingChecker("billing", true, func(ctx context.Context) error {
		return errors.New("connection refused")
	}))
	m.RegisterChecker(NewPingChecker("catalog", false, func(ctx context.Context) error {
		return nil
	}))

	res, ok := m.RunCheck(context.Background(), "billing")
	require.True(t, ok)
	assert.Equal(t, StatusCritical, res.Status)
	assert.Contains(t, res.Message, "ping failed")

	res, ok = m.RunCheck(context.Background(), "catalog")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, res.Status)

	health := m.GetSystemHealth()
	assert.Equal(t, StatusCritical, health.Overall, "a failing critical component dominates")

	_, ok = m.RunCheck(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestCheckTimeoutIsCritical(t *testing.T) {
	m := newTestMonitor(t, RecoveryHooks{}, nil)

	m.RegisterChecker(CheckerSpec{
		ID:      "slowpoke",
		Timeout: 30 * time.Millisecond,
		Run: func(ctx context.Context) CheckResult {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return CheckResult{Status: StatusHealthy}
		},
	})

	res, ok := m.RunCheck(context.Background(), "slowpoke")
	require.True(t, ok)
	assert.Equal(t, StatusCritical, res.Status)
	assert.Equal(t, "health check timed out", res.Message)
}

func TestCheckerMetricsAreNamespaced(t *testing.T) {
	m := newTestMonitor(t, RecoveryHooks{}, nil)

	m.RegisterChecker(CheckerSpec{
		ID: "cache",
		Run: func(ctx context.Context) CheckResult {
			return CheckResult{
				Status:  StatusHealthy,
				Metrics: map[string]float64{"cache_hit_rate": 0.9},
			}
		},
	})
	m.RunCheck(context.Background(), "cache")

	m.trendMu.Lock()
	_, ok := m.gauges["cache.cache_hit_rate"]
	m.trendMu.Unlock()
	assert.True(t, ok, "checker metrics carry the checker id prefix")
}

func TestAlertFireRecoverResolve(t *testing.T) {
	bus := events.NewBus()
	fired := make(chan events.Event, 2)
	resolved := make(chan events.Event, 2)
	bus.Subscribe(events.AlertFired, func(ev events.Event) { fired <- ev })
	bus.Subscribe(events.AlertResolved, func(ev events.Event) { resolved <- ev })

	resets := make(chan struct{}, 2)
	m := newTestMonitor(t, RecoveryHooks{
		ResetBreakers: func() { resets <- struct{}{} },
	}, bus)

	m.ObserveMetric("error_rate", 0.6)
	m.evaluate()

	select {
	case ev := <-fired:
		assert.Equal(t, "error_rate_high", ev.Detail)
	default:
		t.Fatal("expected an alert-fired event")
	}
	require.Len(t, m.ActiveAlerts(), 1)

	// The fired alert triggers its recovery plan asynchronously
	select {
	case <-resets:
	case <-time.After(time.Second):
		t.Fatal("recovery plan never executed")
	}

	// The condition clears; the next evaluation resolves the alert
	m.ObserveMetric("error_rate", 0.0)
	m.evaluate()

	select {
	case ev := <-resolved:
		assert.Equal(t, "error_rate_high", ev.Detail)
	default:
		t.Fatal("expected an alert-resolved event")
	}
	assert.Len(t, m.ActiveAlerts(), 0)
}

func TestRefireBlockedByCooldown(t *testing.T) {
	m := newTestMonitor(t, RecoveryHooks{}, nil)

	m.ObserveMetric("error_rate", 0.6)
	m.evaluate()
	require.Len(t, m.ActiveAlerts(), 1)

	m.ObserveMetric("error_rate", 0.0)
	m.evaluate()
	require.Len(t, m.ActiveAlerts(), 0)

	// Flapping back within the cooldown does not re-fire
	m.ObserveMetric("error_rate", 0.6)
	m.evaluate()
	assert.Len(t, m.ActiveAlerts(), 0)
}

func TestSuppressedRuleNeverFires(t *testing.T) {
	m := NewMonitor(Config{
		EvalInterval: time.Hour,
		Suppressed:   []string{"error_rate_high"},
	}, RecoveryHooks{}, nil, nil)
	t.Cleanup(m.Stop)

	m.ObserveMetric("error_rate", 0.9)
	m.evaluate()
	assert.Len(t, m.ActiveAlerts(), 0)
}

func TestCustomRule(t *testing.T) {
	m := newTestMonitor(t, RecoveryHooks{}, nil)

	m.RegisterRule(Rule{
		ID:       "queue_backlog",
		Severity: SeverityWarning,
		Message:  "admission queue backing up",
		Fires: func(s Snapshot) bool {
			return s.Metrics["queue_depth"] > 50
		},
	})

	m.ObserveMetric("queue_depth", 80)
	m.evaluate()

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "queue_backlog", alerts[0].RuleID)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
}

func TestAnomalyPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	anomalies := make(chan events.Event, 2)
	bus.Subscribe(events.AnomalyDetected, func(ev events.Event) { anomalies <- ev })

	m := newTestMonitor(t, RecoveryHooks{}, bus)

	for i := 0; i < 10; i++ {
		m.ObserveMetric("avg_response_ms", 95)
		m.ObserveMetric("avg_response_ms", 105)
	}
	m.ObserveMetric("avg_response_ms", 5000)

	select {
	case ev := <-anomalies:
		assert.Equal(t, "avg_response_ms", ev.Detail)
		assert.Greater(t, ev.Value, anomalyZThreshold)
	default:
		t.Fatal("expected an anomaly event")
	}

	assert.Greater(t, m.GetSystemHealth().Anomalies, 0)
}

func TestTrendRuleFires(t *testing.T) {
	m := newTestMonitor(t, RecoveryHooks{}, nil)

	// A steadily climbing response time trips the degradation rule
	for i := 0; i < 30; i++ {
		m.ObserveMetric("avg_response_ms", float64(100+i*20))
	}

	trends := m.Trends()
	require.Equal(t, TrendIncreasing, trends["avg_response_ms"].Direction)

	m.evaluate()
	ids := make(map[string]bool)
	for _, a := range m.ActiveAlerts() {
		ids[a.RuleID] = true
	}
	assert.True(t, ids["response_time_degrading"])
}
