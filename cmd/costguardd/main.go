package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/costpilot/resilience/internal/cache"
	"github.com/costpilot/resilience/internal/circuit"
	"github.com/costpilot/resilience/internal/config"
	"github.com/costpilot/resilience/internal/events"
	"github.com/costpilot/resilience/internal/health"
	"github.com/costpilot/resilience/internal/memo"
	"github.com/costpilot/resilience/internal/metrics"
	"github.com/costpilot/resilience/internal/orchestrator"
	"github.com/costpilot/resilience/internal/server"
	"github.com/costpilot/resilience/internal/throttle"
)

func main() {
	addr := flag.String("addr", "", "Listen address override")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg := config.Load()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	bus := events.NewBus()

	var durable cache.BlobStore
	if cfg.Redis.Enabled {
		durable = cache.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Prefix)
		log.Infof("Durable cache tier: redis at %s", cfg.Redis.Addr)
	} else {
		durable = cache.NewMemoryBlobStore()
		log.Info("Durable cache tier: in-process")
	}

	tieredCache := cache.New(cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxBytes:      cfg.Cache.MaxBytes,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		CategoryTTLs: map[string]time.Duration{
			"pricing":   15 * time.Minute,
			"reference": time.Hour,
			"session":   5 * time.Minute,
			"memo":      10 * time.Minute,
		},
	}, durable)

	memoizer := memo.New(memo.Config{
		Category:      "memo",
		BaseTTL:       5 * time.Minute,
		MinTTL:        30 * time.Second,
		MaxTTL:        30 * time.Minute,
		PrecomputeTop: 10,
		Interval:      5 * time.Minute,
	}, tieredCache)

	degrade := circuit.NewController(bus)
	registerFeatures(degrade, tieredCache)

	admission := throttle.NewController(throttle.Config{
		GlobalConcurrency: cfg.Throttle.GlobalConcurrency,
		QueueMaxSize:      cfg.Throttle.QueueMaxSize,
		QueueTimeout:      cfg.Throttle.QueueTimeout,
	}, bus)

	var notifier health.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		notifier = health.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
		log.Infof("Alert notifier: kafka topic %s", cfg.Kafka.AlertTopic)
	} else {
		notifier = health.LogNotifier{}
	}

	monitor := health.NewMonitor(health.Config{
		EvalInterval: cfg.Health.EvalInterval,
	}, health.RecoveryHooks{
		ClearCaches:   func() int { return tieredCache.Trim(0.5) },
		ResetBreakers: degrade.ResetAll,
		SignalScaleUp: func() {
			log.Warn("Scale-up signal raised")
		},
	}, notifier, bus)

	monitor.RegisterChecker(health.NewResourceChecker(uint64(cfg.Cache.MaxBytes) * 4))
	monitor.RegisterChecker(health.NewCacheChecker(func() float64 {
		return tieredCache.Stats().HitRate
	}))
	monitor.RegisterChecker(health.NewBreakerChecker(degrade.OpenFraction))
	monitor.RegisterChecker(health.NewAdmissionChecker(admission.LoadScore, func() float64 {
		if rate, ok := admission.Stats()["throttle_rate"].(float64); ok {
			return rate
		}
		return 0
	}))
	if cfg.Redis.Enabled {
		monitor.RegisterChecker(health.NewPingChecker("redis", false, durable.Ping))
	}

	reg, promReg := metrics.New("costguard")

	orch := orchestrator.New(orchestrator.Config{}, tieredCache, memoizer, degrade, admission, monitor, bus, reg, durable)
	registerOperations(orch, memoizer, tieredCache)

	handler := server.NewHandler(orch, promReg)
	httpServer := &fasthttp.Server{
		Handler:               handler.Handle,
		Name:                  "costguard",
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		MaxRequestBodySize:    4 * 1024 * 1024,
		NoDefaultServerHeader: true,
	}

	go func() {
		log.Infof("costguard starting on %s with %d CPU cores", cfg.Server.Addr, runtime.NumCPU())
		if err := httpServer.ListenAndServe(cfg.Server.Addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down costguard...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.ShutdownWithContext(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	orch.Stop()
	monitor.Stop()
	admission.Stop()
	degrade.Stop()
	memoizer.Stop()
	tieredCache.Stop()
	if err := notifier.Close(); err != nil {
		log.Warnf("Notifier close: %v", err)
	}

	log.Info("costguard exited")
}

// registerFeatures declares the costing app's protected features and
// their fallback ladders
func registerFeatures(degrade *circuit.Controller, tieredCache *cache.MultiTierCache) {
	degrade.Register(circuit.FeatureConfig{
		Name:             "cost_estimation",
		Critical:         true,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		ExecutionTimeout: 10 * time.Second,
	}, circuit.Fallback{
		Name: "cached_estimate",
		Fn: func(ctx context.Context) (interface{}, error) {
			if v, ok := tieredCache.Get(ctx, "estimate:last_good", "pricing"); ok {
				return v, nil
			}
			return nil, fmt.Errorf("no cached estimate available")
		},
	})

	degrade.Register(circuit.FeatureConfig{
		Name:             "supplier_pricing",
		Critical:         false,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		ExecutionTimeout: 8 * time.Second,
	}, circuit.Fallback{
		Name: "stale_prices",
		Fn: func(ctx context.Context) (interface{}, error) {
			if v, ok := tieredCache.Get(ctx, "pricing:latest", "pricing"); ok {
				return v, nil
			}
			return nil, fmt.Errorf("no stale prices available")
		},
	})

	degrade.Register(circuit.FeatureConfig{
		Name:             "report_generation",
		Critical:         false,
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 2,
		ExecutionTimeout: 30 * time.Second,
	})
}

// registerOperations binds request types to features and handlers. The
// estimate handler memoizes the cost model over its inputs.
func registerOperations(orch *orchestrator.Orchestrator, memoizer *memo.Memoizer, tieredCache *cache.MultiTierCache) {
	orch.RegisterOperation("estimate", "cost_estimation", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		result, _, err := memoizer.Memoize(ctx, "estimate_total", payload, func(ctx context.Context) (interface{}, error) {
			return computeEstimate(payload)
		})
		if err == nil {
			tieredCache.Set(ctx, "estimate:last_good", result, "pricing", 0)
		}
		return result, err
	})

	orch.RegisterOperation("supplier_prices", "supplier_pricing", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		if v, ok := tieredCache.Get(ctx, "pricing:latest", "pricing"); ok {
			return v, nil
		}
		return nil, fmt.Errorf("supplier price feed unavailable")
	})

	orch.RegisterOperation("report", "report_generation", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return valueOnly(ctx, "report_summary", payload, memoizer)
	})
}

// valueOnly adapts Memoize's three-value return for handlers that do
// not care whether the result was cached
func valueOnly(ctx context.Context, functionID string, args map[string]interface{}, m *memo.Memoizer) (interface{}, error) {
	v, _, err := m.Memoize(ctx, functionID, args, func(ctx context.Context) (interface{}, error) {
		return map[string]interface{}{
			"generated_at": time.Now().UTC(),
			"line_items":   len(args),
		}, nil
	})
	return v, err
}

// computeEstimate sums line items and applies the configured margin.
// Placeholder cost model for standalone operation; embedding apps
// register their own handlers.
func computeEstimate(payload map[string]interface{}) (interface{}, error) {
	items, _ := payload["items"].([]interface{})
	total := 0.0
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		qty, _ := item["quantity"].(float64)
		unit, _ := item["unit_cost"].(float64)
		total += qty * unit
	}

	margin := 0.2
	if m, ok := payload["margin"].(float64); ok && m >= 0 && m < 1 {
		margin = m
	}

	return map[string]interface{}{
		"subtotal": total,
		"margin":   margin,
		"total":    total * (1 + margin),
	}, nil
}
