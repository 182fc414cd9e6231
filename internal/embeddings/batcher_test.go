package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

// fakeProvider embeds deterministically and fails on demand.
type fakeProvider struct {
	calls   int
	failFor map[string]error
}

func (p *fakeProvider) Embed(_ context.Context, content, _, _ string) ([]float32, error) {
	p.calls++
	if err, ok := p.failFor[content]; ok {
		return nil, err
	}
	return []float32{float32(len(content))}, nil
}

func batchItems(contents ...string) []BatchItem {
	items := make([]BatchItem, len(contents))
	for i, content := range contents {
		items[i] = BatchItem{Content: content, ModelID: "m"}
	}
	return items
}

func TestBatcher_EmbedsAndCaches(t *testing.T) {
	cache := memoryCache(32, "lru")
	provider := &fakeProvider{}
	b := NewBatcher(cache, provider, 20, 2, logging.NewNop())

	out, err := b.Process(context.Background(), batchItems("alpha", "beta"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float32{5}, out["alpha"])
	assert.Equal(t, 2, provider.calls)

	// Successful vectors were stored.
	vector, err := cache.Get(context.Background(), "alpha", "m")
	require.NoError(t, err)
	assert.Equal(t, out["alpha"], vector)
}

func TestBatcher_ServesFromCache(t *testing.T) {
	cache := memoryCache(32, "lru")
	require.NoError(t, cache.Put(context.Background(), "alpha", "m", []float32{9}, nil))

	provider := &fakeProvider{}
	b := NewBatcher(cache, provider, 20, 2, logging.NewNop())

	out, err := b.Process(context.Background(), batchItems("alpha", "beta"))
	require.NoError(t, err)
	assert.Equal(t, []float32{9}, out["alpha"])

	// Only the miss reached the provider.
	assert.Equal(t, 1, provider.calls)
	stats := b.Stats()
	assert.Equal(t, int64(1), stats.ItemsFromCache)
	assert.Equal(t, int64(1), stats.ItemsEmbedded)
}

func TestBatcher_AggregatesItemFailures(t *testing.T) {
	cache := memoryCache(32, "lru")
	provider := &fakeProvider{failFor: map[string]error{
		"beta": errors.New("provider hiccup"),
	}}
	b := NewBatcher(cache, provider, 20, 2, logging.NewNop())

	out, err := b.Process(context.Background(), batchItems("alpha", "beta", "gamma"))
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeBatchAggregate, types.CodeOf(err))

	// One failure never discards the siblings' vectors.
	assert.Len(t, out, 2)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "gamma")

	// The failed item was not cached.
	_, getErr := cache.Get(context.Background(), "beta", "m")
	assert.ErrorIs(t, getErr, types.ErrCacheMiss)
	assert.Equal(t, int64(1), b.Stats().ItemsFailed)
}

func TestBatcher_CancelledContext(t *testing.T) {
	cache := memoryCache(32, "lru")
	b := NewBatcher(cache, &fakeProvider{}, 20, 2, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Process(ctx, batchItems("alpha"))
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeCancelled, types.CodeOf(err))
}

func TestBatcher_AdaptiveSizing(t *testing.T) {
	b := NewBatcher(memoryCache(8, "lru"), &fakeProvider{}, 40, 2, logging.NewNop())
	require.Equal(t, 20, b.OptimalSize())

	// Sustained high throughput grows the batch size up to the cap.
	for i := 0; i < 10; i++ {
		b.recordBatch(100, 0, time.Second)
	}
	assert.Equal(t, 40, b.OptimalSize())

	// Sustained low throughput shrinks it back, never below the floor.
	for i := 0; i < 15; i++ {
		b.recordBatch(10, 0, time.Second)
	}
	assert.Equal(t, minBatchSize, b.OptimalSize())
}

func TestBatcher_SizeAdaptsOnErrorRate(t *testing.T) {
	b := NewBatcher(memoryCache(8, "lru"), &fakeProvider{}, 40, 2, logging.NewNop())

	// High raw throughput is discounted by the failure rate: 100/s at 90%
	// failures scores 10, which is shrink territory.
	for i := 0; i < 5; i++ {
		b.recordBatch(100, 90, time.Second)
	}
	assert.Equal(t, 15, b.OptimalSize())
}

func TestNewBatcher_Floors(t *testing.T) {
	b := NewBatcher(memoryCache(8, "lru"), &fakeProvider{}, 3, 0, logging.NewNop())

	assert.Equal(t, minBatchSize, b.OptimalSize())
	assert.Equal(t, minBatchSize, b.Stats().MaxSize)
}
