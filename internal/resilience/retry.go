// Package resilience provides bounded retry with exponential backoff for
// provider calls.
//
// Generation and embedding backends fail transiently (rate limits, cold
// models, network blips). Retry wraps those call sites so a single blip does
// not abort a whole turn, while keeping a hard attempt ceiling so a dead
// backend surfaces quickly.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAttemptsExhausted is returned (wrapped with the last error) when every
// attempt of a retried operation fails.
var ErrAttemptsExhausted = errors.New("all retry attempts failed")

// RetryConfig controls the retry behaviour of [Do] and [DoWithResult].
type RetryConfig struct {
	// Name identifies the operation in log output.
	Name string

	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1, which disables retrying entirely.
	Attempts int

	// InitialBackoff is the delay before the second attempt. Zero or
	// negative means DefaultInitialBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt delay. Zero or negative means
	// DefaultMaxBackoff.
	MaxBackoff time.Duration
}

// Defaults for RetryConfig backoff fields.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
)

// normalize returns cfg with zero fields replaced by defaults.
func (cfg RetryConfig) normalize() RetryConfig {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return cfg
}

// Do runs fn up to cfg.Attempts times, doubling the backoff between attempts.
// The context is checked between attempts; cancellation aborts the loop and
// returns ctx.Err().
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is [Do] for operations that return a value.
func DoWithResult[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	cfg = cfg.normalize()

	var (
		lastErr error
		zero    R
	)
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.Attempts {
			break
		}
		slog.Warn("operation failed, retrying",
			"operation", cfg.Name, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
	if cfg.Attempts == 1 {
		// No retries configured; pass the error through untouched.
		return zero, lastErr
	}
	// Double-wrap so callers can match both ErrAttemptsExhausted and the
	// underlying provider sentinel.
	return zero, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}
