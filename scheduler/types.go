package scheduler

import (
	"context"
	"time"

	"github.com/hypermarkets/oracle-runner/store"
)

// Resolver is the contract for the actual resolution logic. The scheduler
// calls this to execute a job and only distinguishes success, transient
// failure and permanent failure.
type Resolver interface {
	ResolveMarket(ctx context.Context, marketID, correlationID string) error
}

// Config holds the scheduler's tunables.
type Config struct {
	// Concurrency is the number of queue workers.
	Concurrency int

	// MaxRetries bounds retryCount per job.
	MaxRetries int

	// RetryDelayBase is the backoff base; attempt n waits
	// min(base * BackoffFactor^(n-1), MaxRetryDelay) plus 10% jitter.
	RetryDelayBase time.Duration
	BackoffFactor  float64
	MaxRetryDelay  time.Duration

	// DebounceDelay coalesces bursts of immediate executions.
	DebounceDelay time.Duration

	// LongDelayThreshold is the point past which the scheduler re-derives
	// the remaining delay from the wall clock instead of trusting one
	// monotonic timer, so multi-day waits survive clock adjustments.
	LongDelayThreshold time.Duration
	RecheckInterval    time.Duration

	// CleanupInterval / Retention govern terminal-job garbage collection.
	CleanupInterval time.Duration
	Retention       time.Duration

	// DrainTimeout bounds how long Destroy waits for in-flight work.
	DrainTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		MaxRetries:         3,
		RetryDelayBase:     5 * time.Second,
		BackoffFactor:      2,
		MaxRetryDelay:      50 * time.Second,
		DebounceDelay:      time.Second,
		LongDelayThreshold: 24 * time.Hour,
		RecheckInterval:    time.Hour,
		CleanupInterval:    time.Hour,
		Retention:          store.DefaultRetention,
		DrainTimeout:       30 * time.Second,
	}
}

// withDefaults fills zero fields so a partially-populated config behaves.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelayBase <= 0 {
		c.RetryDelayBase = d.RetryDelayBase
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * c.RetryDelayBase
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = d.DebounceDelay
	}
	if c.LongDelayThreshold <= 0 {
		c.LongDelayThreshold = d.LongDelayThreshold
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}

// Stats is the scheduler snapshot exposed on /health.
type Stats struct {
	QueuePending int            `json:"queue_pending"`
	QueueActive  int            `json:"queue_active"`
	Workers      int            `json:"workers"`
	JobCounts    map[string]int `json:"job_counts"`
}
