package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Operation is one opaque unit of work. It must observe ctx to stop promptly
// on cancellation or timeout; the scheduler cannot interrupt it otherwise.
type Operation func(ctx context.Context) (any, error)

// Priority selects the admission band. The zero value is PriorityNormal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// band maps a priority to its queue index (0 is served first).
func (p Priority) band() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority accepts "high", "normal" and "low" (case-insensitive).
// An empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q (want high|normal|low)", s)
	}
}

// Options configure a single Submit call.
type Options struct {
	Priority Priority

	// MaxRetries caps retry attempts after the first failure.
	// 0 uses Config.DefaultMaxRetries; < 0 disables retries.
	MaxRetries int

	// DedupKey coalesces submissions that share it. Empty disables deduplication.
	DedupKey string

	// NoDedup bypasses the deduplication index for this call even if DedupKey is set.
	// This is wider than skipping the result cache: the call also does not join an
	// in-flight task with the same key, and its own result is never cached or
	// shared with later callers.
	NoDedup bool
}

// Config controls a Scheduler. Zero fields take defaults.
type Config struct {
	MaxConcurrent  int
	MaxQueueSize   int
	RequestTimeout time.Duration

	// RetryDelay is the backoff base; the n-th retry waits RetryDelay*2^(n-1) plus jitter.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// RetryJitter bounds the random part of each delay. It is further clamped to
	// RetryDelay so successive delays never shrink.
	RetryJitter time.Duration

	DefaultMaxRetries int

	DeduplicationWindow time.Duration
	SweepInterval       time.Duration
}

const (
	DefaultMaxConcurrent       = 50
	DefaultMaxQueueSize        = 1000
	DefaultRequestTimeout      = 30 * time.Second
	DefaultRetryDelay          = time.Second
	DefaultMaxRetryDelay       = 15 * time.Second
	DefaultRetryJitter         = time.Second
	DefaultMaxRetries          = 3
	DefaultDeduplicationWindow = 5 * time.Second
	DefaultSweepInterval       = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	} else if c.RetryJitter == 0 {
		c.RetryJitter = DefaultRetryJitter
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.DeduplicationWindow <= 0 {
		c.DeduplicationWindow = DefaultDeduplicationWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// DefaultConfig returns the effective configuration for a zero Config.
func DefaultConfig() Config { return Config{}.withDefaults() }

// WithDefaults returns c with zero fields replaced by defaults, as New applies them.
func (c Config) WithDefaults() Config { return c.withDefaults() }

// ConfigPatch is a partial update for UpdateConfig. Nil fields are left unchanged.
type ConfigPatch struct {
	MaxConcurrent       *int
	MaxQueueSize        *int
	RequestTimeout      *time.Duration
	RetryDelay          *time.Duration
	MaxRetryDelay       *time.Duration
	DeduplicationWindow *time.Duration
}

// IsEmpty reports whether the patch changes nothing.
func (p ConfigPatch) IsEmpty() bool {
	return p.MaxConcurrent == nil && p.MaxQueueSize == nil && p.RequestTimeout == nil &&
		p.RetryDelay == nil && p.MaxRetryDelay == nil && p.DeduplicationWindow == nil
}

// Stats is a point-in-time snapshot. It is for observers only.
type Stats struct {
	TotalRequests        uint64 `json:"total_requests"`
	SuccessfulRequests   uint64 `json:"successful_requests"`
	FailedRequests       uint64 `json:"failed_requests"`
	RetriedRequests      uint64 `json:"retried_requests"`
	DeduplicatedRequests uint64 `json:"deduplicated_requests"`
	CancelledRequests    uint64 `json:"cancelled_requests"`
	EvictedRequests      uint64 `json:"evicted_requests"`

	QueueSize       int `json:"queue_size"`
	ActiveCount     int `json:"active_count"`
	DelayedCount    int `json:"delayed_count"`
	RecentCacheSize int `json:"recent_cache_size"`
	PendingCount    int `json:"pending_count"`

	MaxConcurrent int `json:"max_concurrent"`
	MaxQueueSize  int `json:"max_queue_size"`
}

// TaskEvent is published on the event bus for task lifecycle transitions.
type TaskEvent struct {
	ID         string        `json:"id"`
	Priority   string        `json:"priority"`
	DedupKey   string        `json:"dedup_key,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	RetryIn    time.Duration `json:"retry_in,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Event types published by the scheduler.
const (
	EventQueued       = "task.queued"
	EventStarted      = "task.started"
	EventSucceeded    = "task.succeeded"
	EventFailed       = "task.failed"
	EventRetry        = "task.retry"
	EventCancelled    = "task.cancelled"
	EventEvicted      = "task.evicted"
	EventDeduplicated = "task.deduplicated"
)
