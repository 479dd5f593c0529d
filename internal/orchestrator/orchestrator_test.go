package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costpilot/resilience/internal/cache"
	"github.com/costpilot/resilience/internal/circuit"
	"github.com/costpilot/resilience/internal/events"
	"github.com/costpilot/resilience/internal/health"
	"github.com/costpilot/resilience/internal/memo"
	"github.com/costpilot/resilience/internal/throttle"
)

type fixture struct {
	bus      *events.Bus
	cache    *cache.MultiTierCache
	memo     *memo.Memoizer
	degrade  *circuit.Controller
	throttle *throttle.Controller
	monitor  *health.Monitor
	orch     *Orchestrator
}

func newFixture(t *testing.T, throttleCfg throttle.Config) *fixture {
	t.Helper()

	bus := events.NewBus()

	c := cache.New(cache.Config{SweepInterval: time.Hour}, nil)
	t.Cleanup(c.Stop)

	m := memo.New(memo.Config{Interval: time.Hour}, c)
	t.Cleanup(m.Stop)

	d := circuit.NewController(bus)
	t.Cleanup(d.Stop)

	if throttleCfg.GlobalConcurrency == 0 {
		throttleCfg.GlobalConcurrency = 50
	}
	th := throttle.NewController(throttleCfg, bus)
	t.Cleanup(th.Stop)

	mon := health.NewMonitor(health.Config{EvalInterval: time.Hour}, health.RecoveryHooks{}, nil, bus)
	t.Cleanup(mon.Stop)

	orch := New(Config{
		StabilizationWait: 20 * time.Millisecond,
		SnapshotInterval:  time.Hour,
		LoadFeedInterval:  time.Hour,
	}, c, m, d, th, mon, bus, nil, nil)
	t.Cleanup(orch.Stop)

	return &fixture{bus: bus, cache: c, memo: m, degrade: d, throttle: th, monitor: mon, orch: orch}
}

func registerEcho(f *fixture, requestType, feature string) {
	f.degrade.Register(circuit.FeatureConfig{
		Name:             feature,
		FailureThreshold: 5,
		RecoveryTimeout:  time.Hour,
		ExecutionTimeout: time.Second,
	})
	f.orch.RegisterOperation(requestType, feature, func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return payload["echo"], nil
	})
}

func TestProcessRequestHappyPath(t *testing.T) {
	f := newFixture(t, throttle.Config{})
	registerEcho(f, "estimate", "cost_estimation")

	resp := f.orch.ProcessRequest(context.Background(), "estimate",
		map[string]interface{}{"echo": "hi"},
		Caller{ID: "shop-1", Tier: throttle.TierPremium})

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "hi", resp.Value)
	assert.False(t, resp.Degraded)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "primary", resp.ExecutedAt)
	assert.Contains(t, resp.SystemsUsed, "throttling")
	assert.Contains(t, resp.SystemsUsed, "degradation")
}

func TestProcessRequestUnknownType(t *testing.T) {
	f := newFixture(t, throttle.Config{})

	resp := f.orch.ProcessRequest(context.Background(), "nope", nil, Caller{ID: "x", Tier: throttle.TierFree})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "unknown request type", resp.Reason)
}

func TestProcessRequestThrottled(t *testing.T) {
	f := newFixture(t, throttle.Config{
		TierLimits: map[throttle.Tier]throttle.TierLimits{
			throttle.TierFree: {
				RatePerWindow: 1, Window: time.Minute,
				BurstAllowance: 100, BurstWindow: 10 * time.Second,
				ConcurrencyShare: 1.0, QueuePriority: 1,
			},
		},
	})
	registerEcho(f, "estimate", "cost_estimation")
	caller := Caller{ID: "shop-1", Tier: throttle.TierFree}

	first := f.orch.ProcessRequest(context.Background(), "estimate", nil, caller)
	require.Equal(t, "ok", first.Status)

	second := f.orch.ProcessRequest(context.Background(), "estimate", nil, caller)
	assert.Equal(t, "throttled", second.Status)
	assert.Equal(t, throttle.ReasonRateLimitExceeded, second.Reason)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
	assert.Equal(t, []string{"throttling"}, second.SystemsUsed)
}

func TestProcessRequestFallsBack(t *testing.T) {
	f := newFixture(t, throttle.Config{})

	f.degrade.Register(circuit.FeatureConfig{
		Name:             "supplier_pricing",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Hour,
		ExecutionTimeout: time.Second,
	}, circuit.Fallback{
		Name: "stale",
		Fn: func(ctx context.Context) (interface{}, error) {
			return "stale-prices", nil
		},
	})
	f.orch.RegisterOperation("prices", "supplier_pricing", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return nil, errors.New("feed down")
	})

	resp := f.orch.ProcessRequest(context.Background(), "prices", nil, Caller{ID: "s", Tier: throttle.TierPremium})

	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "stale-prices", resp.Value)
	assert.Equal(t, "fallback_stale", resp.ExecutedAt)
	assert.True(t, resp.Degraded)
}

func TestDegradationEventTightensAdmission(t *testing.T) {
	f := newFixture(t, throttle.Config{})

	f.bus.Publish(events.Event{Type: events.DegradationChanged, Source: "circuit", Level: 3})

	stats := f.throttle.Stats()
	assert.InDelta(t, 0.7, stats["load_factor"].(float64), 0.001,
		"degradation level 3 must scale the admission factor")
}

func TestSystemFailureTriggersCoordinatedRecovery(t *testing.T) {
	f := newFixture(t, throttle.Config{})

	ctx := context.Background()
	require.True(t, f.cache.Set(ctx, "k", "v", "", 0))

	f.bus.Publish(events.Event{Type: events.SystemFailure, Source: "health"})

	assert.Eventually(t, func() bool {
		return f.cache.Stats().Entries == 0
	}, time.Second, 10*time.Millisecond, "coordinated recovery clears shared state")

	// After stabilization, pressure returns to the current level
	assert.Eventually(t, func() bool {
		factor := f.throttle.Stats()["load_factor"].(float64)
		return factor > 0.99
	}, time.Second, 10*time.Millisecond)
}

func TestSystemHealthAndMetricsViews(t *testing.T) {
	f := newFixture(t, throttle.Config{})
	registerEcho(f, "estimate", "cost_estimation")

	f.orch.ProcessRequest(context.Background(), "estimate",
		map[string]interface{}{"echo": 1}, Caller{ID: "s", Tier: throttle.TierPremium})

	healthView := f.orch.SystemHealth()
	assert.Contains(t, healthView, "degradation_level")
	assert.Contains(t, healthView, "breakers")
	assert.Equal(t, 0, healthView["degradation_level"])

	metricsView := f.orch.Metrics()
	assert.Contains(t, metricsView, "cache")
	assert.Contains(t, metricsView, "throttle")
	breakers := metricsView["breakers"].(map[string]string)
	assert.Equal(t, "closed", breakers["cost_estimation"])
}
