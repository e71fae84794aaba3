// ABOUTME: Bounded retry with exponential backoff used for durable run writes.
// ABOUTME: Backoff timing mirrors the engine-wide BackoffConfig: initial delay, factor, cap and optional jitter.
package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DelayForAttempt returns InitialDelay * Factor^attempt capped at MaxDelay.
// With Jitter the delay is randomized in [0, delay].
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	maxNanos := float64(b.MaxDelay.Nanoseconds())
	delayNanos := math.Min(baseNanos, maxNanos)

	if b.Jitter {
		delayNanos = rand.Float64() * delayNanos
	}
	return time.Duration(int64(delayNanos))
}

// RetryPolicy bounds how many times a persistence write is attempted.
type RetryPolicy struct {
	MaxAttempts int // minimum 1
	Backoff     BackoffConfig
}

// DefaultPersistRetry makes three attempts starting at 100ms.
func DefaultPersistRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Factor:       2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// retry calls fn until it succeeds or attempts run out. onRetry is called
// before each sleep with the failed attempt number (1-based) and its error.
func (p RetryPolicy) retry(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if sleepErr := sleepWithContext(ctx, p.Backoff.DelayForAttempt(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
