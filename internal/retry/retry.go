// Package retry wraps operations with bounded, classified retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	IsTransient func(error) bool
	Sleep       func(ctx context.Context, d time.Duration) error
	OnRetry     func(attempt int, err error)
	Name        string
}

// Option is a functional option for retry configuration.
type Option func(*Config)

// DefaultIsTransient retries transient and recoverable failures only.
func DefaultIsTransient(err error) bool {
	return apperrors.IsTransient(err) || apperrors.IsRecoverable(err)
}

func defaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Delay:       3 * time.Second,
		Multiplier:  1,
		IsTransient: DefaultIsTransient,
		Sleep:       sleepContext,
	}
}

// Do runs operation until it succeeds, fails non-transiently, or MaxAttempts
// is reached. A non-transient failure returns after exactly one call.
func Do(ctx context.Context, operation func(ctx context.Context) error, opts ...Option) error {
	_, err := Value(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	}, opts...)
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, operation func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	log := logger.FromContext(ctx)
	delay := cfg.Delay
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, interrupted(ctx, attempt-1)
		}

		value, err := operation(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if errors.Is(err, apperrors.ErrInterrupted) || !cfg.IsTransient(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		log.WithFields(map[string]any{"attempt": attempt, "max_attempts": cfg.MaxAttempts, "delay": delay.String()}).
			Warn(fmt.Sprintf("%s failed, retrying: %v", nameOr(cfg.Name, "operation"), err))
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, interrupted(ctx, attempt)
		}
		if cfg.Multiplier > 1 {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return zero, &ExhaustedError{Name: cfg.Name, Attempts: cfg.MaxAttempts, Last: lastErr}
}

// WithMaxAttempts sets the total number of calls, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithDelay sets the fixed delay between attempts.
func WithDelay(d time.Duration) Option {
	return func(c *Config) {
		c.Delay = d
	}
}

// WithBackoff grows the delay by multiplier up to max.
func WithBackoff(multiplier float64, max time.Duration) Option {
	return func(c *Config) {
		c.Multiplier = multiplier
		c.MaxDelay = max
	}
}

// WithClassifier replaces the transient classifier.
func WithClassifier(isTransient func(error) bool) Option {
	return func(c *Config) {
		if isTransient != nil {
			c.IsTransient = isTransient
		}
	}
}

// WithSleeper replaces the sleep function, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Config) {
		if sleep != nil {
			c.Sleep = sleep
		}
	}
}

// WithOnRetry registers a callback invoked before each retry sleep.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(c *Config) {
		c.OnRetry = fn
	}
}

// WithName labels log entries and exhaustion errors.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", nameOr(e.Name, "operation"), e.Attempts, e.Last)
}

// Unwrap exposes the last failure so its classification is preserved.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

func interrupted(ctx context.Context, attempts int) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("cancelled after %d attempts: %w", attempts, apperrors.ErrInterrupted)
	}
	return fmt.Errorf("cancelled after %d attempts: %w", attempts, ctx.Err())
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
