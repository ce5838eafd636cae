package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoffRetryer retries an operation with exponential backoff
// and optional jitter.
type ExponentialBackoffRetryer struct {
	maxRetries int // 0 means retry until the context ends
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     bool
}

// RetryOption configures a retryer.
type RetryOption func(*ExponentialBackoffRetryer)

// WithMaxRetries bounds the retries after the first attempt.
func WithMaxRetries(n int) RetryOption {
	return func(r *ExponentialBackoffRetryer) { r.maxRetries = n }
}

// WithDelays sets the first and the largest delay.
func WithDelays(base, max time.Duration) RetryOption {
	return func(r *ExponentialBackoffRetryer) {
		r.baseDelay = base
		r.maxDelay = max
	}
}

// WithoutJitter makes delays deterministic.
func WithoutJitter() RetryOption {
	return func(r *ExponentialBackoffRetryer) { r.jitter = false }
}

// NewExponentialBackoffRetryer creates a retryer that starts at 250ms, caps
// at 30s and retries until canceled.
func NewExponentialBackoffRetryer(opts ...RetryOption) *ExponentialBackoffRetryer {
	r := &ExponentialBackoffRetryer{
		baseDelay:  250 * time.Millisecond,
		maxDelay:   30 * time.Second,
		multiplier: 2.0,
		jitter:     true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retry runs fn until it succeeds, the retries run out or ctx ends.
func (r *ExponentialBackoffRetryer) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; r.maxRetries == 0 || attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if r.maxRetries > 0 && attempt == r.maxRetries {
			break
		}

		delay := r.calculateDelay(attempt)
		slog.DebugContext(ctx, "Retry attempt failed, waiting before next attempt",
			"attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", r.maxRetries+1, lastErr)
}

func (r *ExponentialBackoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(r.multiplier, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}
	if r.jitter {
		// up to 25% extra
		delay += rand.Float64() * delay * 0.25
	}
	return time.Duration(delay)
}
