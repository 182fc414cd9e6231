package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/circuitbreaker"
	"rag-core/pkg/types"
)

// flakyProvider fails a fixed number of times before succeeding.
type flakyProvider struct {
	failures int
	err      error
	calls    int
}

func (p *flakyProvider) Embed(context.Context, string, string, string) ([]float32, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, p.err
	}
	return []float32{1}, nil
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: errors.New("transient")}
	p := WithRetry(inner, 3, time.Millisecond)

	vector, err := p.Embed(context.Background(), "alpha", "m", "RETRIEVAL_DOCUMENT")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vector)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_QuotaOrAuthIsNotRetried(t *testing.T) {
	inner := &flakyProvider{
		failures: 10,
		err:      types.NewError(types.ErrorCodeProviderQuotaOrAuth, "quota exhausted", nil),
	}
	p := WithRetry(inner, 3, time.Millisecond)

	_, err := p.Embed(context.Background(), "alpha", "m", "RETRIEVAL_DOCUMENT")
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, types.ErrorCodeProviderQuotaOrAuth, types.CodeOf(err))
}

func TestWithBreaker_OpenCircuitMapsToCoreError(t *testing.T) {
	breaker := circuitbreaker.New("embedding", &circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Hour,
		RollingWindow:    time.Minute,
	})
	inner := &flakyProvider{failures: 10, err: errors.New("down")}
	p := WithBreaker(inner, breaker)

	_, err := p.Embed(context.Background(), "alpha", "m", "RETRIEVAL_DOCUMENT")
	require.Error(t, err)
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	_, err = p.Embed(context.Background(), "alpha", "m", "RETRIEVAL_DOCUMENT")
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeCircuitOpen, types.CodeOf(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	// The breaker fast-failed without reaching the provider again.
	assert.Equal(t, 1, inner.calls)
}
