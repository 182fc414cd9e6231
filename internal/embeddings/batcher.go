package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

const (
	scoreWindow  = 20
	scoreRecent  = 5
	growAbove    = 50.0
	shrinkBelow  = 20.0
	sizeStep     = 5
	minBatchSize = 10
	defaultTask  = "RETRIEVAL_DOCUMENT"
)

// BatchItem is one embedding request within a batch.
type BatchItem struct {
	Content  string
	ModelID  string
	TaskType string
	Meta     *types.EmbeddingEntry // optional provenance for the cache row
}

// BatcherStats samples the batcher.
type BatcherStats struct {
	OptimalSize    int     `json:"optimal_size"`
	MaxSize        int     `json:"max_size"`
	BatchesRun     int64   `json:"batches_run"`
	ItemsEmbedded  int64   `json:"items_embedded"`
	ItemsFromCache int64   `json:"items_from_cache"`
	ItemsFailed    int64   `json:"items_failed"`
	RecentScore    float64 `json:"recent_score"`
}

// Batcher coalesces embedding requests: cache hits are served directly,
// misses go to the provider in bounded, adaptively sized batches grouped by
// model. Chunk-level failures accumulate and never abort the batch.
type Batcher struct {
	cache    *Cache
	provider EmbeddingProvider
	inflight *semaphore.Weighted
	logger   logging.Logger

	mu          sync.Mutex
	scores      []float64
	optimalSize int
	maxSize     int

	batchesRun     int64
	itemsEmbedded  int64
	itemsFromCache int64
	itemsFailed    int64
}

// NewBatcher creates a Batcher. maxConcurrent bounds in-flight provider
// batches; new batches wait rather than spawn unbounded work.
func NewBatcher(cache *Cache, provider EmbeddingProvider, maxBatchSize, maxConcurrent int, logger logging.Logger) *Batcher {
	if maxBatchSize < minBatchSize {
		maxBatchSize = minBatchSize
	}
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}
	start := maxBatchSize / 2
	if start < minBatchSize {
		start = minBatchSize
	}
	return &Batcher{
		cache:       cache,
		provider:    provider,
		inflight:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger:      logger.WithComponent("embedding-batcher"),
		optimalSize: start,
		maxSize:     maxBatchSize,
	}
}

// Process embeds every item, serving from cache where possible. The result
// maps content to vector. Per-item provider failures are reported through a
// BatchAggregateError alongside the successful vectors.
func (b *Batcher) Process(ctx context.Context, items []BatchItem) (map[string][]float32, error) {
	out := make(map[string][]float32, len(items))
	agg := &types.BatchAggregateError{}

	// Group by model first: a provider batch never mixes models.
	byModel := make(map[string][]BatchItem)
	for _, item := range items {
		if item.TaskType == "" {
			item.TaskType = defaultTask
		}
		byModel[item.ModelID] = append(byModel[item.ModelID], item)
	}

	for modelID, group := range byModel {
		pending := make([]BatchItem, 0, len(group))
		for _, item := range group {
			vector, err := b.cache.Get(ctx, item.Content, modelID)
			if err == nil {
				out[item.Content] = vector
				b.count(&b.itemsFromCache, 1)
				continue
			}
			pending = append(pending, item)
		}

		for start := 0; start < len(pending); {
			size := b.OptimalSize()
			end := start + size
			if end > len(pending) {
				end = len(pending)
			}
			if err := b.runBatch(ctx, pending[start:end], out, agg); err != nil {
				return out, err
			}
			start = end
		}
	}

	if !agg.Empty() {
		return out, types.NewError(types.ErrorCodeBatchAggregate,
			fmt.Sprintf("%d of %d items failed", len(agg.Failures), len(items)), agg)
	}
	return out, nil
}

// runBatch embeds one bounded slice under the in-flight semaphore. Only
// batch-level aborts (cancellation) return an error.
func (b *Batcher) runBatch(ctx context.Context, batch []BatchItem, out map[string][]float32, agg *types.BatchAggregateError) error {
	if err := b.inflight.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrorCodeCancelled, "batch admission", err)
	}
	defer b.inflight.Release(1)

	start := time.Now()
	failures := 0

	for _, item := range batch {
		vector, err := b.provider.Embed(ctx, item.Content, item.ModelID, item.TaskType)
		if err != nil {
			failures++
			b.count(&b.itemsFailed, 1)
			agg.Append(fmt.Errorf("embed %q (%s): %w", preview(item.Content), item.ModelID, err))
			if ctx.Err() != nil {
				b.recordBatch(len(batch), failures, time.Since(start))
				return types.NewError(types.ErrorCodeCancelled, "batch cancelled", ctx.Err())
			}
			continue
		}
		// A provider failure never corrupts cache state: only successful
		// vectors are stored.
		if err := b.cache.Put(ctx, item.Content, item.ModelID, vector, item.Meta); err != nil {
			agg.Append(err)
		}
		out[item.Content] = vector
		b.count(&b.itemsEmbedded, 1)
	}

	b.recordBatch(len(batch), failures, time.Since(start))
	return nil
}

// recordBatch scores a completed batch and adapts the optimal size: grow
// when the recent mean clears 50, shrink below 20, floor at 10.
func (b *Batcher) recordBatch(size, failures int, elapsed time.Duration) {
	elapsedSec := elapsed.Seconds()
	if elapsedSec < 0.1 {
		elapsedSec = 0.1
	}
	errorRate := float64(failures) / float64(size)
	if errorRate > 1 {
		errorRate = 1
	}
	score := float64(size) / elapsedSec * (1 - errorRate)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.batchesRun++
	b.scores = append(b.scores, score)
	if len(b.scores) > scoreWindow {
		b.scores = b.scores[len(b.scores)-scoreWindow:]
	}
	if len(b.scores) < scoreRecent {
		return
	}

	recent := b.scores[len(b.scores)-scoreRecent:]
	var sum float64
	for _, s := range recent {
		sum += s
	}
	mean := sum / float64(scoreRecent)

	switch {
	case mean > growAbove && b.optimalSize+sizeStep <= b.maxSize:
		b.optimalSize += sizeStep
	case mean < shrinkBelow && b.optimalSize-sizeStep >= minBatchSize:
		b.optimalSize -= sizeStep
	}
}

// OptimalSize returns the current adaptive batch size.
func (b *Batcher) OptimalSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.optimalSize
}

// Stats samples the batcher.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BatcherStats{
		OptimalSize:    b.optimalSize,
		MaxSize:        b.maxSize,
		BatchesRun:     b.batchesRun,
		ItemsEmbedded:  b.itemsEmbedded,
		ItemsFromCache: b.itemsFromCache,
		ItemsFailed:    b.itemsFailed,
	}
	if len(b.scores) > 0 {
		stats.RecentScore = b.scores[len(b.scores)-1]
	}
	return stats
}

func (b *Batcher) count(field *int64, n int64) {
	b.mu.Lock()
	*field += n
	b.mu.Unlock()
}
