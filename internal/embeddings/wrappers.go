package embeddings

import (
	"context"
	"errors"
	"time"

	"rag-core/internal/circuitbreaker"
	"rag-core/internal/retry"
	"rag-core/pkg/types"
)

// retryingProvider retries transient provider failures in-band, spaced by a
// fixed delay, before the failure is visible to anything outside.
type retryingProvider struct {
	inner   EmbeddingProvider
	retrier *retry.Retrier
}

// WithRetry wraps a provider so each Embed retries up to attempts times,
// spaced by delay. Quota and auth failures are not retried.
func WithRetry(inner EmbeddingProvider, attempts int, delay time.Duration) EmbeddingProvider {
	return &retryingProvider{
		inner:   inner,
		retrier: retry.New(retry.FixedDelayConfig(attempts, delay)),
	}
}

func (p *retryingProvider) Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error) {
	var vector []float32
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		v, err := p.inner.Embed(ctx, content, modelID, taskType)
		if err != nil {
			if types.CodeOf(err) == types.ErrorCodeProviderQuotaOrAuth {
				return retry.Permanent(err)
			}
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// breakerProvider routes provider calls through a circuit breaker. It sits
// outside the retry wrapper so the breaker only sees final failures.
type breakerProvider struct {
	inner   EmbeddingProvider
	breaker *circuitbreaker.CircuitBreaker
}

// WithBreaker wraps a provider with circuit protection.
func WithBreaker(inner EmbeddingProvider, breaker *circuitbreaker.CircuitBreaker) EmbeddingProvider {
	return &breakerProvider{inner: inner, breaker: breaker}
}

func (p *breakerProvider) Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error) {
	var vector []float32
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := p.inner.Embed(ctx, content, modelID, taskType)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, types.NewError(types.ErrorCodeCircuitOpen, "embedding provider circuit open", err)
		}
		return nil, err
	}
	return vector, nil
}
