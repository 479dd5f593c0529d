package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the prometheus collectors for the resilience core
type Registry struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	AdmissionsTotal  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	DegradationLevel prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	CacheHitRate     prometheus.Gauge
	CacheEvictions   prometheus.Counter
	LoadScore        prometheus.Gauge
	ActiveAlerts     prometheus.Gauge
	AnomaliesTotal   prometheus.Counter
	RecoveriesTotal  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry and returns both
func New(namespace string) (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Processed requests by type and outcome",
		}, []string{"type", "outcome"}),

		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request processing time",
			Buckets:   prometheus.DefBuckets,
		}),

		AdmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_queue_depth",
			Help:      "Requests currently parked in the priority queue",
		}),

		DegradationLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degradation_level",
			Help:      "Global degradation level (0-5)",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per feature (0 closed, 1 open, 2 half-open)",
		}, []string{"feature"}),

		CacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_rate",
			Help:      "Multi-tier cache hit rate",
		}),

		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "LRU evictions from the memory tier",
		}),

		LoadScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_score",
			Help:      "Composite system load score (0-1)",
		}),

		ActiveAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Unresolved alerts",
		}),

		AnomaliesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Metric anomalies detected",
		}),

		RecoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Recovery actions executed by action and result",
		}, []string{"action", "result"}),
	}

	return r, reg
}
