// Package retry runs an operation until it succeeds, the attempt budget is
// spent, or the context is canceled.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

type Operation func(ctx context.Context) error

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// OnRetry fires after a failed attempt, before the wait. attempt is
	// 1-based.
	OnRetry func(attempt int, err error, nextDelay time.Duration)

	// RetryIf short-circuits retrying when it returns false.
	RetryIf func(err error) bool
}

type Option func(*Config)

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) { c.InitialDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) { c.MaxDelay = d }
}

func WithMultiplier(m float64) Option {
	return func(c *Config) { c.Multiplier = m }
}

func WithOnRetry(fn func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

func WithRetryIf(pred func(err error) bool) Option {
	return func(c *Config) { c.RetryIf = pred }
}

// WithExponentialBackoff grows the wait by 2x per attempt, capped at maxDelay.
func WithExponentialBackoff(maxAttempts int, initialDelay, maxDelay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initialDelay),
		WithMaxDelay(maxDelay),
		WithMultiplier(2.0),
	}
}

// WithLinearBackoff waits the same delay between every attempt.
func WithLinearBackoff(maxAttempts int, delay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(delay),
		WithMaxDelay(delay),
		WithMultiplier(1.0),
	}
}

// Do runs op until it returns nil. It returns the last error once attempts
// are exhausted, RetryIf rejects the error, or ctx is done.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := delayFor(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("canceled during retry wait: %w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

func delayFor(attempt int, cfg *Config) time.Duration {
	d := min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)
	return time.Duration(d)
}
