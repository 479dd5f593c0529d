package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costpilot/resilience/internal/events"
)

// testLimits returns a tier table with generous bounds so individual
// tests can exercise one mechanism at a time
func testLimits() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierFree:    {RatePerWindow: 5, Window: time.Minute, BurstAllowance: 100, BurstWindow: 10 * time.Second, ConcurrencyShare: 1.0, QueuePriority: 1},
		TierPremium: {RatePerWindow: 1000, Window: time.Minute, BurstAllowance: 1000, BurstWindow: 10 * time.Second, ConcurrencyShare: 1.0, QueuePriority: 2},
	}
}

func newTestThrottle(t *testing.T, config Config, bus *events.Bus) *Controller {
	t.Helper()
	if config.TierLimits == nil {
		config.TierLimits = testLimits()
	}
	if config.GlobalConcurrency == 0 {
		config.GlobalConcurrency = 100
	}
	c := NewController(config, bus)
	t.Cleanup(c.Stop)
	return c
}

func TestRateLimitRejectsExactlyAboveLimit(t *testing.T) {
	c := newTestThrottle(t, Config{}, nil)
	ctx := context.Background()
	req := AdmitRequest{CallerID: "shop-1", Tier: TierFree, Endpoint: "/estimate"}

	for i := 0; i < 5; i++ {
		d := c.Admit(ctx, req)
		require.True(t, d.Allowed, "request %d within the limit must be admitted", i+1)
		require.NoError(t, c.Complete(d.RequestID, Outcome{Success: true, Duration: 10 * time.Millisecond}))
	}

	d := c.Admit(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimitExceeded, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Another caller is unaffected
	other := c.Admit(ctx, AdmitRequest{CallerID: "shop-2", Tier: TierFree})
	assert.True(t, other.Allowed)
}

func TestBurstViolationProgressivePenalty(t *testing.T) {
	limits := testLimits()
	limits[TierFree] = TierLimits{
		RatePerWindow: 1000, Window: time.Minute,
		BurstAllowance: 2, BurstWindow: 10 * time.Second,
		ConcurrencyShare: 1.0, QueuePriority: 1,
	}
	c := newTestThrottle(t, Config{TierLimits: limits, BasePenalty: 50 * time.Millisecond, MaxPenalty: time.Second}, nil)
	ctx := context.Background()
	req := AdmitRequest{CallerID: "greedy", Tier: TierFree}

	d1 := c.Admit(ctx, req)
	d2 := c.Admit(ctx, req)
	require.True(t, d1.Allowed)
	require.True(t, d2.Allowed)
	c.Complete(d1.RequestID, Outcome{Success: true})
	c.Complete(d2.RequestID, Outcome{Success: true})

	// First violation gets the base penalty
	d := c.Admit(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBurstLimitExceeded, d.Reason)
	assert.Equal(t, 50*time.Millisecond, d.RetryAfter)

	// The penalty is an active backoff
	d = c.Admit(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBackoffActive, d.Reason)

	// Repeat violators wait progressively longer
	time.Sleep(60 * time.Millisecond)
	d = c.Admit(ctx, req)
	assert.Equal(t, ReasonBurstLimitExceeded, d.Reason)
	assert.Equal(t, 100*time.Millisecond, d.RetryAfter)
}

func TestBlocklist(t *testing.T) {
	c := newTestThrottle(t, Config{}, nil)
	ctx := context.Background()
	req := AdmitRequest{CallerID: "abuser", Tier: TierFree}

	c.Block("abuser")
	d := c.Admit(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocklisted, d.Reason)

	c.Unblock("abuser")
	d = c.Admit(ctx, req)
	assert.True(t, d.Allowed)
}

func TestLoadGateHardRejectAndCriticalBypass(t *testing.T) {
	c := newTestThrottle(t, Config{}, nil)
	ctx := context.Background()

	c.UpdateLoad(SystemLoad{CPUPercent: 100, MemoryPercent: 100, AvgResponseMs: 5000, ErrorRate: 1})
	require.InDelta(t, 1.0, c.LoadScore(), 0.001)

	d := c.Admit(ctx, AdmitRequest{CallerID: "shop-1", Tier: TierPremium})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSystemOverloaded, d.Reason)

	d = c.Admit(ctx, AdmitRequest{CallerID: "shop-1", Tier: TierPremium, Critical: true})
	assert.True(t, d.Allowed, "critical requests bypass the load gate")
}

func TestHighLoadEventAfterSustainedRuns(t *testing.T) {
	bus := events.NewBus()
	highLoad := make(chan events.Event, 4)
	bus.Subscribe(events.HighLoad, func(ev events.Event) { highLoad <- ev })

	c := newTestThrottle(t, Config{}, bus)
	heavy := SystemLoad{CPUPercent: 95, MemoryPercent: 95, AvgResponseMs: 4000, ErrorRate: 0.5}

	c.UpdateLoad(heavy)
	c.UpdateLoad(heavy)
	assert.Len(t, highLoad, 0, "two runs are not yet sustained")

	c.UpdateLoad(heavy)
	assert.Len(t, highLoad, 1, "the third consecutive run publishes")

	c.UpdateLoad(heavy)
	assert.Len(t, highLoad, 1, "no re-publish while the run continues")

	c.UpdateLoad(SystemLoad{})
	c.UpdateLoad(heavy)
	c.UpdateLoad(heavy)
	c.UpdateLoad(heavy)
	assert.Len(t, highLoad, 2, "a fresh sustained run publishes again")
}

func TestQueueGrantOnCompletion(t *testing.T) {
	c := newTestThrottle(t, Config{GlobalConcurrency: 1, QueueTimeout: 2 * time.Second}, nil)
	ctx := context.Background()

	first := c.Admit(ctx, AdmitRequest{CallerID: "a", Tier: TierPremium})
	require.True(t, first.Allowed)
	require.False(t, first.Queued)

	decisionCh := make(chan Decision, 1)
	go func() {
		decisionCh <- c.Admit(ctx, AdmitRequest{CallerID: "b", Tier: TierPremium})
	}()

	select {
	case d := <-decisionCh:
		t.Fatalf("second request should be queued, got immediate decision %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, c.Complete(first.RequestID, Outcome{Success: true}))

	select {
	case d := <-decisionCh:
		assert.True(t, d.Allowed)
		assert.True(t, d.Queued)
		c.Complete(d.RequestID, Outcome{Success: true})
	case <-time.After(time.Second):
		t.Fatal("queued request was never granted")
	}
}

func TestQueueTimeout(t *testing.T) {
	c := newTestThrottle(t, Config{GlobalConcurrency: 1, QueueTimeout: 80 * time.Millisecond}, nil)
	ctx := context.Background()

	first := c.Admit(ctx, AdmitRequest{CallerID: "a", Tier: TierPremium})
	require.True(t, first.Allowed)

	d := c.Admit(ctx, AdmitRequest{CallerID: "b", Tier: TierPremium})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQueueTimeout, d.Reason)
}

func TestDrainReleasesSlotOfTimedOutWaiter(t *testing.T) {
	c := newTestThrottle(t, Config{GlobalConcurrency: 1}, nil)

	// The waiter's timeout already won the settle handshake when the
	// drain loop picks it up
	waiter, ok := c.queue.push(1, TierPremium)
	require.True(t, ok)
	require.True(t, waiter.settle())

	c.drain()

	assert.Equal(t, int64(0), c.inflight.Load(), "a slot reserved for a dead waiter must be released")
	assert.Nil(t, c.queue.pop())
}

func TestGrantTimeoutRaceLeaksNoSlots(t *testing.T) {
	cfg := Config{
		GlobalConcurrency: 1,
		QueueTimeout:      5 * time.Millisecond,
		TierLimits: map[Tier]TierLimits{
			TierPremium: {RatePerWindow: 100000, Window: time.Minute, BurstAllowance: 100000, BurstWindow: 10 * time.Second, ConcurrencyShare: 1.0, QueuePriority: 2},
		},
	}
	c := newTestThrottle(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		blocker := c.Admit(ctx, AdmitRequest{CallerID: "blocker", Tier: TierPremium})
		require.True(t, blocker.Allowed)

		decisionCh := make(chan Decision, 1)
		go func() {
			decisionCh <- c.Admit(ctx, AdmitRequest{CallerID: "waiter", Tier: TierPremium})
		}()

		// Free the slot right around the queue timeout so the grant
		// races the waiter's timer
		time.Sleep(cfg.QueueTimeout)
		require.NoError(t, c.Complete(blocker.RequestID, Outcome{Success: true}))

		d := <-decisionCh
		if d.Allowed {
			require.NoError(t, c.Complete(d.RequestID, Outcome{Success: true}))
		}
	}

	assert.Eventually(t, func() bool {
		return c.inflight.Load() == 0
	}, time.Second, 10*time.Millisecond, "grant/timeout races must not leak concurrency slots")
}

func TestSaturation(t *testing.T) {
	c := newTestThrottle(t, Config{GlobalConcurrency: 4}, nil)
	ctx := context.Background()

	assert.Equal(t, 0.0, c.Saturation())

	d1 := c.Admit(ctx, AdmitRequest{CallerID: "a", Tier: TierPremium})
	d2 := c.Admit(ctx, AdmitRequest{CallerID: "b", Tier: TierPremium})
	require.True(t, d1.Allowed)
	require.True(t, d2.Allowed)
	assert.InDelta(t, 0.5, c.Saturation(), 0.001)

	require.NoError(t, c.Complete(d1.RequestID, Outcome{Success: true}))
	require.NoError(t, c.Complete(d2.RequestID, Outcome{Success: true}))
	assert.Equal(t, 0.0, c.Saturation())
}

func TestCompleteUnknownRequest(t *testing.T) {
	c := newTestThrottle(t, Config{}, nil)
	assert.ErrorIs(t, c.Complete("nope-1", Outcome{}), ErrUnknownRequest)
}

func TestAdaptiveMultiplierPenalizesFailureStreaks(t *testing.T) {
	c := newTestThrottle(t, Config{}, nil)
	ctx := context.Background()
	req := AdmitRequest{CallerID: "flaky", Tier: TierPremium, Endpoint: "/estimate"}

	for i := 0; i < 3; i++ {
		d := c.Admit(ctx, req)
		require.True(t, d.Allowed)
		require.NoError(t, c.Complete(d.RequestID, Outcome{Success: false, Duration: 10 * time.Millisecond}))
	}

	rec := c.records.get("flaky")
	rec.mu.Lock()
	multiplier := rec.multiplier
	rec.mu.Unlock()
	assert.Less(t, multiplier, 1.0, "three consecutive failures shrink the allowance")
}

func TestStatsCounters(t *testing.T) {
	c := newTestThrottle(t, Config{}, nil)
	ctx := context.Background()

	d := c.Admit(ctx, AdmitRequest{CallerID: "s", Tier: TierPremium})
	require.True(t, d.Allowed)
	c.Block("x")
	c.Admit(ctx, AdmitRequest{CallerID: "x", Tier: TierFree})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["admitted"])
	assert.Equal(t, int64(1), stats["rejected"])
	byReason := stats["by_reason"].(map[string]int64)
	assert.Equal(t, int64(1), byReason[ReasonBlocklisted])
}
