package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// NewResourceChecker probes process resource usage. Figures are
// approximate host-process views, not OS-level sampling.
func NewResourceChecker(memLimitBytes uint64) CheckerSpec {
	if memLimitBytes == 0 {
		memLimitBytes = 1 << 30
	}
	return CheckerSpec{
		ID:       "resources",
		Critical: true,
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Run: func(ctx context.Context) CheckResult {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			memPercent := float64(ms.HeapAlloc) / float64(memLimitBytes) * 100
			goroutines := float64(runtime.NumGoroutine())

			status := StatusHealthy
			switch {
			case memPercent >= 90:
				status = StatusCritical
			case memPercent >= 75:
				status = StatusDegraded
			}

			return CheckResult{
				Status: status,
				Metrics: map[string]float64{
					"memory_percent":   memPercent,
					"heap_alloc_bytes": float64(ms.HeapAlloc),
					"goroutines":       goroutines,
					"gc_pause_ms":      float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e6,
				},
			}
		},
	}
}

// NewCacheChecker reports cache effectiveness from a stats provider
func NewCacheChecker(hitRate func() float64) CheckerSpec {
	return CheckerSpec{
		ID:       "cache",
		Critical: false,
		Interval: 30 * time.Second,
		Timeout:  2 * time.Second,
		Run: func(ctx context.Context) CheckResult {
			rate := hitRate()
			status := StatusHealthy
			if rate < 0.2 {
				status = StatusDegraded
			}
			return CheckResult{
				Status:  status,
				Metrics: map[string]float64{"cache_hit_rate": rate},
			}
		},
	}
}

// NewBreakerChecker aggregates circuit breaker states. openFraction
// returns the fraction of open breakers and whether any critical
// feature is open.
func NewBreakerChecker(openFraction func() (float64, bool)) CheckerSpec {
	return CheckerSpec{
		ID:       "breakers",
		Critical: true,
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Run: func(ctx context.Context) CheckResult {
			frac, criticalOpen := openFraction()

			status := StatusHealthy
			switch {
			case criticalOpen:
				status = StatusCritical
			case frac > 0.3:
				status = StatusDegraded
			}

			critical := 0.0
			if criticalOpen {
				critical = 1.0
			}
			return CheckResult{
				Status: status,
				Metrics: map[string]float64{
					"open_breaker_fraction": frac,
					"critical_breaker_open": critical,
				},
			}
		},
	}
}

// NewAdmissionChecker reports admission saturation from the throttle
// controller's load score and throttle rate providers
func NewAdmissionChecker(loadScore, throttleRate func() float64) CheckerSpec {
	return CheckerSpec{
		ID:       "admission",
		Critical: false,
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Run: func(ctx context.Context) CheckResult {
			score := loadScore()
			rate := throttleRate()

			status := StatusHealthy
			switch {
			case score >= 0.95:
				status = StatusCritical
			case score >= 0.8 || rate > 0.5:
				status = StatusDegraded
			}

			return CheckResult{
				Status: status,
				Metrics: map[string]float64{
					"load_score":    score,
					"throttle_rate": rate,
				},
			}
		},
	}
}

// NewPingChecker probes an external collaborator's connectivity
func NewPingChecker(id string, critical bool, ping func(ctx context.Context) error) CheckerSpec {
	return CheckerSpec{
		ID:       id,
		Critical: critical,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Run: func(ctx context.Context) CheckResult {
			start := time.Now()
			if err := ping(ctx); err != nil {
				status := StatusDegraded
				if critical {
					status = StatusCritical
				}
				return CheckResult{
					Status:  status,
					Message: fmt.Sprintf("ping failed: %v", err),
					Metrics: map[string]float64{"reachable": 0},
				}
			}
			return CheckResult{
				Status:  StatusHealthy,
				Latency: time.Since(start),
				Metrics: map[string]float64{"reachable": 1},
			}
		},
	}
}
