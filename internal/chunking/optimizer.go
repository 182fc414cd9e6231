package chunking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

// OptimizerStrategy selects the cost/quality tradeoff for a run.
type OptimizerStrategy string

const (
	OptimizeSpeed    OptimizerStrategy = "speed"
	OptimizeMemory   OptimizerStrategy = "memory"
	OptimizeBalanced OptimizerStrategy = "balanced"
)

// OptimizerMetrics summarizes one optimizer run. The batcher consumes these
// to steer adaptive sizing.
type OptimizerMetrics struct {
	ProcessingMillis  int64    `json:"processing_ms"`
	MemoryDeltaBytes  int64    `json:"memory_delta_bytes"`
	CacheHitRatio     float64  `json:"cache_hit_ratio"`
	AvgSemanticScore  float64  `json:"avg_semantic_score"`
	ChunkSizeVariance float64  `json:"chunk_size_variance"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

// Optimizer applies post-chunk transformations. Optimized chunks are cached
// in an LRU keyed by (kind, content-hash, token-count).
type Optimizer struct {
	logger            logging.Logger
	cache             *lru.Cache[string, types.Chunk]
	pressureThreshold float64

	mu      sync.Mutex
	hits    int64
	lookups int64
}

// NewOptimizer creates an Optimizer with the given cache capacity.
func NewOptimizer(logger logging.Logger, cacheCapacity int, pressureThreshold float64) (*Optimizer, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = 512
	}
	cache, err := lru.New[string, types.Chunk](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create optimizer cache: %w", err)
	}
	return &Optimizer{
		logger:            logger.WithComponent("optimizer"),
		cache:             cache,
		pressureThreshold: pressureThreshold,
	}, nil
}

// Optimize transforms chunks per the strategy and reports run metrics. Input
// order is preserved.
func (o *Optimizer) Optimize(ctx context.Context, chunks []types.Chunk, strategy OptimizerStrategy) ([]types.Chunk, *OptimizerMetrics, error) {
	start := time.Now()
	memBefore := heapInUse()
	pressure := MemoryPressure()

	if pressure >= o.pressureThreshold {
		o.cache.Purge()
		o.logger.Warn("memory pressure high, optimizer cache purged", "pressure", pressure)
	}

	var (
		out     []types.Chunk
		runHits int64
		err     error
	)
	aggressive := strategy == OptimizeMemory && pressure >= o.pressureThreshold

	switch strategy {
	case OptimizeSpeed:
		out, runHits, err = o.optimizeParallel(ctx, chunks, runtime.NumCPU(), false)
	case OptimizeMemory:
		out, runHits, err = o.optimizeSequential(ctx, chunks, aggressive)
	default:
		out, runHits, err = o.optimizeParallel(ctx, chunks, balancedConcurrency(len(chunks)), false)
	}
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	o.hits += runHits
	o.lookups += int64(len(chunks))
	o.mu.Unlock()

	metrics := &OptimizerMetrics{
		ProcessingMillis: time.Since(start).Milliseconds(),
		MemoryDeltaBytes: heapInUse() - memBefore,
	}
	if len(chunks) > 0 {
		metrics.CacheHitRatio = float64(runHits) / float64(len(chunks))
	}
	metrics.AvgSemanticScore, metrics.ChunkSizeVariance = chunkStats(out)
	metrics.Suggestions = o.suggestions(metrics, pressure)

	return out, metrics, nil
}

func (o *Optimizer) optimizeSequential(ctx context.Context, chunks []types.Chunk, aggressive bool) ([]types.Chunk, int64, error) {
	out := make([]types.Chunk, len(chunks))
	var hits int64
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, 0, types.NewError(types.ErrorCodeCancelled, "optimization cancelled", err)
		}
		c, hit := o.optimizeOne(chunks[i], aggressive)
		if hit {
			hits++
		}
		out[i] = c
	}
	return out, hits, nil
}

func (o *Optimizer) optimizeParallel(ctx context.Context, chunks []types.Chunk, concurrency int, aggressive bool) ([]types.Chunk, int64, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make([]types.Chunk, len(chunks))
	var mu sync.Mutex
	var hits int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return types.NewError(types.ErrorCodeCancelled, "optimization cancelled", err)
			}
			c, hit := o.optimizeOne(chunks[i], aggressive)
			out[i] = c
			if hit {
				mu.Lock()
				hits++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return out, hits, nil
}

// optimizeOne transforms a single chunk, consulting the cache first.
func (o *Optimizer) optimizeOne(chunk types.Chunk, aggressive bool) (types.Chunk, bool) {
	key := cacheKey(chunk, aggressive)
	if cached, ok := o.cache.Get(key); ok {
		cached.ID = chunk.ID
		cached.DocumentID = chunk.DocumentID
		cached.Ordinal = chunk.Ordinal
		return cached, true
	}

	optimized := chunk
	content := strings.TrimRight(chunk.Content, " \t\n")
	if aggressive {
		content = compressWhitespace(content)
	}
	if content != chunk.Content {
		optimized.Content = content
		optimized.TokenCount = CountTokens(content)
	}

	o.cache.Add(key, optimized)
	return optimized, false
}

func cacheKey(chunk types.Chunk, aggressive bool) string {
	sum := sha256.Sum256([]byte(chunk.Content))
	mode := "std"
	if aggressive {
		mode = "agg"
	}
	return fmt.Sprintf("%s|%s|%d|%s", chunk.Kind, hex.EncodeToString(sum[:]), chunk.TokenCount, mode)
}

// compressWhitespace collapses every whitespace run to a single space.
func compressWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// HitRatio returns the lifetime cache hit ratio.
func (o *Optimizer) HitRatio() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lookups == 0 {
		return 0
	}
	return float64(o.hits) / float64(o.lookups)
}

// MemoryPressure approximates memory pressure as in-use heap over total
// reserved memory. Returns 0 when the runtime reports nothing.
func MemoryPressure() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0
	}
	return float64(m.HeapInuse) / float64(m.Sys)
}

func heapInUse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse)
}

// balancedConcurrency bounds batch parallelism by chunk volume.
func balancedConcurrency(chunkCount int) int {
	limit := runtime.NumCPU() / 2
	if limit < 1 {
		limit = 1
	}
	if chunkCount < limit {
		limit = chunkCount
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// chunkStats returns the mean semantic score and token-count variance.
func chunkStats(chunks []types.Chunk) (avgScore, variance float64) {
	if len(chunks) == 0 {
		return 0, 0
	}
	var scoreSum, tokenSum float64
	for _, c := range chunks {
		scoreSum += c.SemanticScore
		tokenSum += float64(c.TokenCount)
	}
	avgScore = scoreSum / float64(len(chunks))
	mean := tokenSum / float64(len(chunks))
	for _, c := range chunks {
		d := float64(c.TokenCount) - mean
		variance += d * d
	}
	variance /= float64(len(chunks))
	return avgScore, variance
}

// suggestions derives operator hints from a run's metrics.
func (o *Optimizer) suggestions(m *OptimizerMetrics, pressure float64) []string {
	var out []string
	if pressure >= o.pressureThreshold {
		out = append(out, "memory pressure high: prefer the memory strategy")
	}
	if m.CacheHitRatio < 0.1 && o.cache.Len() == 0 {
		out = append(out, "optimizer cache cold: expect slower first pass")
	}
	if m.AvgSemanticScore < 0.7 {
		out = append(out, "low boundary quality: consider the semantic strategy")
	}
	return out
}
