package health

import (
	"context"
	"time"
)

// Status classifies a component's condition
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Severity classifies alerts and drives escalation delays
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// escalationDelay returns how long an unresolved alert of this severity
// waits before escalating
func escalationDelay(s Severity) time.Duration {
	switch s {
	case SeverityCritical:
		return 2 * time.Minute
	case SeverityWarning:
		return 15 * time.Minute
	default:
		return 2 * time.Hour
	}
}

// CheckResult is the outcome of one health check run
type CheckResult struct {
	Status    Status             `json:"status"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Message   string             `json:"message,omitempty"`
	Latency   time.Duration      `json:"latency"`
	CheckedAt time.Time          `json:"checked_at"`
}

// CheckFn runs one health probe
type CheckFn func(ctx context.Context) CheckResult

// CheckerSpec describes a registered health checker
type CheckerSpec struct {
	ID       string
	Critical bool
	Interval time.Duration
	Timeout  time.Duration
	Run      CheckFn
}

// Alert is an active or resolved alerting condition
type Alert struct {
	RuleID     string    `json:"rule_id"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	LastFired  time.Time `json:"last_fired"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Escalated  bool      `json:"escalated"`
}

// Snapshot is the aggregated metric view alert rules evaluate against
type Snapshot struct {
	Metrics         map[string]float64
	Components      map[string]CheckResult
	ActiveAnomalies int
	Trends          map[string]Trend
}

// Rule is a declarative alert predicate over the aggregated metrics
type Rule struct {
	ID       string
	Severity Severity
	Message  string
	Cooldown time.Duration
	Fires    func(s Snapshot) bool
}

// SystemHealth is the externally queryable summary
type SystemHealth struct {
	Overall      Status                 `json:"overall"`
	Components   map[string]CheckResult `json:"components"`
	ActiveAlerts int                    `json:"active_alerts"`
	Anomalies    int                    `json:"anomalies"`
	CheckedAt    time.Time              `json:"checked_at"`
}
