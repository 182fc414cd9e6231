// Package retry implements bounded retry with exponential backoff for
// provider calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// FixedDelayConfig retries a fixed number of times with a constant delay
// between attempts.
func FixedDelayConfig(attempts int, delay time.Duration) *Config {
	return &Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so the retrier stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retrier executes operations with retry semantics.
type Retrier struct {
	config *Config
}

// New creates a Retrier.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	return &Retrier{config: config}
}

// Do runs fn up to MaxAttempts times. It stops early on success, on a
// PermanentError, or when the context is done. The last error is returned.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay(attempt)):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", r.config.MaxAttempts, lastErr)
}

// delay computes the backoff before the next attempt (1-based).
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if max := float64(r.config.MaxDelay); r.config.MaxDelay > 0 && d > max {
		d = max
	}
	if r.config.Jitter {
		// Up to 25% jitter to avoid thundering herds.
		d += d * 0.25 * rand.Float64()
	}
	return time.Duration(d)
}
