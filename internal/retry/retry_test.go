package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	r := New(FixedDelayConfig(3, time.Millisecond))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	r := New(FixedDelayConfig(3, time.Millisecond))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestRetrier_PermanentStopsImmediately(t *testing.T) {
	r := New(FixedDelayConfig(5, time.Millisecond))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errTransient)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	// The permanent wrapper is stripped before returning.
	assert.Equal(t, errTransient, err)
}

func TestRetrier_ContextCancellation(t *testing.T) {
	r := New(FixedDelayConfig(10, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPermanent_NilPassthrough(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestRetrier_BackoffGrowth(t *testing.T) {
	r := New(&Config{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2.0,
	})

	assert.Equal(t, 100*time.Millisecond, r.delay(1))
	assert.Equal(t, 200*time.Millisecond, r.delay(2))
	// Capped at MaxDelay from the third attempt on.
	assert.Equal(t, 250*time.Millisecond, r.delay(3))
}
