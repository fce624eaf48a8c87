package track

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures storage retries with exponential backoff
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the retry policy used by the persistence writer
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// retryWithBackoff runs fn until it succeeds, the retries are exhausted or
// ctx is cancelled. onRetry, when set, is called before each wait.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, delay, lastErr)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}

		next := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt+1)))
		if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
			next = cfg.MaxDelay
		}
		delay = next
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}
