package throttle

import (
	"errors"
	"time"
)

// Tier classifies a caller's service level
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// TierLimits defines the base admission envelope for a tier
type TierLimits struct {
	RatePerWindow    int           // Requests allowed per sliding window
	Window           time.Duration // Sliding window length
	BurstAllowance   int           // Requests allowed per burst window
	BurstWindow      time.Duration // Burst window length
	ConcurrencyShare float64       // Fraction of the global concurrency cap
	QueuePriority    int           // Base priority when queued
}

// DefaultTierLimits returns the built-in tier table
func DefaultTierLimits() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierFree:       {RatePerWindow: 30, Window: time.Minute, BurstAllowance: 10, BurstWindow: 10 * time.Second, ConcurrencyShare: 0.10, QueuePriority: 1},
		TierPremium:    {RatePerWindow: 120, Window: time.Minute, BurstAllowance: 30, BurstWindow: 10 * time.Second, ConcurrencyShare: 0.25, QueuePriority: 2},
		TierEnterprise: {RatePerWindow: 600, Window: time.Minute, BurstAllowance: 100, BurstWindow: 10 * time.Second, ConcurrencyShare: 0.40, QueuePriority: 3},
		TierAdmin:      {RatePerWindow: 1200, Window: time.Minute, BurstAllowance: 200, BurstWindow: 10 * time.Second, ConcurrencyShare: 0.60, QueuePriority: 4},
	}
}

// Rejection reasons surfaced in Decision.Reason
const (
	ReasonBackoffActive      = "backoff_active"
	ReasonBlocklisted        = "blocklisted"
	ReasonSystemOverloaded   = "system_overloaded"
	ReasonRateLimitExceeded  = "rate_limit_exceeded"
	ReasonBurstLimitExceeded = "burst_limit_exceeded"
	ReasonQueueTimeout       = "queue_timeout"
	ReasonQueueFull          = "queue_full"
	ReasonShuttingDown       = "shutting_down"
)

// Errors
var (
	ErrUnknownRequest = errors.New("unknown request id")
	ErrShuttingDown   = errors.New("admission controller shutting down")
)

// AdmitRequest describes one admission attempt
type AdmitRequest struct {
	CallerID string
	Tier     Tier
	Endpoint string

	// Priority hints
	Critical bool
	ReadOnly bool
	Batch    bool
}

// Decision is the structured, non-throwing admission outcome
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Queued     bool          `json:"queued"`
}

// Outcome reports how an admitted request finished
type Outcome struct {
	Success  bool
	Duration time.Duration
}

// SystemLoad carries the composite load inputs
type SystemLoad struct {
	CPUPercent    float64 // Approximate, 0-100
	MemoryPercent float64 // 0-100
	AvgResponseMs float64
	ErrorRate     float64 // 0-1
}
