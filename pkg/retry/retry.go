// Package retry provides retry mechanisms with fixed or exponential backoff
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// Operation represents a function that can be retried. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial attempt
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases. 1 means fixed backoff.
	Multiplier float64

	// MaxJitter is the maximum random jitter added to delays
	MaxJitter time.Duration

	// Retryable decides whether a failed attempt may be retried.
	// Defaults to errors.IsRetryable.
	Retryable func(err error) bool

	// OnRetry is called after each failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns a default exponential retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxJitter:    100 * time.Millisecond,
	}
}

// Fixed returns a configuration that waits the same delay between attempts
func Fixed(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or runs out of
// attempts. It returns the number of attempts made alongside the last error.
func Do(ctx context.Context, op Operation, cfg Config) (int, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = merrors.IsRetryable
	}

	var lastErr error
	attempt := 0
	for attempt < cfg.MaxAttempts {
		attempt++
		if attempt > 1 {
			if err := Sleep(ctx, calculateDelay(attempt-1, cfg)); err != nil {
				return attempt - 1, merrors.Wrap(lastErr, merrors.ErrCancelled, "retry interrupted")
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
	}

	return attempt, lastErr
}

// WithBackoff retries an operation and wraps exhaustion in a descriptive error
func WithBackoff(ctx context.Context, op Operation, cfg Config) error {
	n, err := Do(ctx, op, cfg)
	if err == nil {
		return nil
	}
	if n >= cfg.MaxAttempts && cfg.MaxAttempts > 1 {
		return fmt.Errorf("operation failed after %d attempts: %w", n, err)
	}
	return err
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
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

// calculateDelay calculates the delay before the given retry (1-based)
func calculateDelay(retry int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(retry-1))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.MaxJitter > 0 {
		delay += float64(cfg.MaxJitter) * rand.Float64()
	}

	return time.Duration(delay)
}
