package queue

import (
	"errors"
	"sync/atomic"
	"time"
)

// ─── Retry Policy ───────────────────────────────────────────────────────────
// Failed jobs are re-queued with exponential backoff until MaxAttempts.

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int           // Attempts before permanent failure, including the first
	BaseDelay   time.Duration // Initial backoff delay (doubles each retry)
	MaxDelay    time.Duration // Cap on backoff delay
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Backoff returns the delay before retrying after the given failed attempt
// (1-based): BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the queue fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryStats holds queue outcome counters for this process.
type RetryStats struct {
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Exhausted int64 `json:"exhausted"` // Failed after MaxAttempts or a permanent error
	Reaped    int64 `json:"reaped"`    // Redelivered after a lapsed lease
}

type retryCounters struct {
	completed, retried, exhausted, reaped atomic.Int64
}

func (c *retryCounters) snapshot() RetryStats {
	return RetryStats{
		Completed: c.completed.Load(),
		Retried:   c.retried.Load(),
		Exhausted: c.exhausted.Load(),
		Reaped:    c.reaped.Load(),
	}
}
