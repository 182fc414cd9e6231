package embeddings

import (
	"context"
	"crypto/md5" // #nosec G501 -- key namespacing, not security
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

// Key derives the cache key for a (content, model) pair. The model prefix
// guarantees a model change never collides with another model's vectors.
func Key(content, modelID string) string {
	modelSum := md5.Sum([]byte(modelID)) // #nosec G401 -- key namespacing, not security
	contentSum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(modelSum[:])[:8] + "_" + hex.EncodeToString(contentSum[:])
}

// CacheStats samples the cache counters.
type CacheStats struct {
	Tier1Size    int     `json:"tier1_size"`
	Tier1Cap     int     `json:"tier1_capacity"`
	Strategy     string  `json:"strategy"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Tier2Hits    int64   `json:"tier2_hits"`
	Tier2Errors  int64   `json:"tier2_errors"`
	Evictions    int64   `json:"evictions"`
	Promotions   int64   `json:"promotions"`
	Puts         int64   `json:"puts"`
	HitRate      float64 `json:"hit_rate"`
	WarmedOnBoot int64   `json:"warmed_on_boot"`
}

// Cache is the hybrid two-tier embedding cache: a bounded in-memory tier
// with a pluggable eviction strategy over an optional persistent tier.
// Tier-2 I/O happens outside the tier-1 lock so a slow persistent read never
// blocks unrelated in-memory operations.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*CacheEntry
	capacity int
	strategy EvictionStrategy

	tier2  Tier2 // nil disables the persistent tier
	logger logging.Logger

	hits        int64
	misses      int64
	tier2Hits   int64
	tier2Errors int64
	evictions   int64
	promotions  int64
	puts        int64
	warmed      int64
}

// NewCache creates a Cache. tier2 may be nil for a purely in-memory cache.
func NewCache(capacity int, strategy EvictionStrategy, tier2 Tier2, logger logging.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		entries:  make(map[string]*CacheEntry, capacity),
		capacity: capacity,
		strategy: strategy,
		tier2:    tier2,
		logger:   logger.WithComponent("embedding-cache"),
	}
}

// Get returns the cached vector for (content, model). A tier-1 miss consults
// tier 2 and promotes the hit. Misses return types.ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, content, modelID string) ([]float32, error) {
	key := Key(content, modelID)
	now := time.Now().UTC()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.expired(now) {
			delete(c.entries, key)
			atomic.AddInt64(&c.evictions, 1)
		} else {
			e.touch(now)
			vector := e.Entry.Vector
			c.mu.Unlock()
			atomic.AddInt64(&c.hits, 1)
			return vector, nil
		}
	}
	c.mu.Unlock()

	if c.tier2 == nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, types.ErrCacheMiss
	}

	entry, err := c.tier2.Get(ctx, key)
	if err != nil {
		// Only a genuine absence counts against the hit rate; an
		// infrastructure fault is tracked on its own counter.
		if errors.Is(err, types.ErrCacheMiss) {
			atomic.AddInt64(&c.misses, 1)
			return nil, types.ErrCacheMiss
		}
		atomic.AddInt64(&c.tier2Errors, 1)
		return nil, fmt.Errorf("tier2 read for %s: %w", key, err)
	}

	// Promotion races with concurrent puts for the same key; last writer
	// wins and both leave the cache consistent.
	c.insert(key, entry, now)
	atomic.AddInt64(&c.tier2Hits, 1)
	atomic.AddInt64(&c.promotions, 1)
	atomic.AddInt64(&c.hits, 1)
	return entry.Vector, nil
}

// Put stores a vector in tier 1 and writes through to tier 2. A later put
// for the same key replaces the value.
func (c *Cache) Put(ctx context.Context, content, modelID string, vector []float32, meta *types.EmbeddingEntry) error {
	key := Key(content, modelID)
	now := time.Now().UTC()

	entry := &types.EmbeddingEntry{
		ContentHash:    key,
		Vector:         vector,
		ModelID:        modelID,
		ContentPreview: preview(content),
		TokenCount:     len(vector), // placeholder when meta is absent
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}
	if meta != nil {
		entry.TokenCount = meta.TokenCount
		entry.Kind = meta.Kind
		entry.ChunkOrdinal = meta.ChunkOrdinal
		entry.DocPath = meta.DocPath
	}

	c.insert(key, entry, now)
	atomic.AddInt64(&c.puts, 1)

	if c.tier2 != nil {
		if err := c.tier2.Put(ctx, key, entry); err != nil {
			c.logger.Error("tier2 write-through failed", "key", key, "error", err.Error())
			return err
		}
	}
	return nil
}

// insert places an entry into tier 1, evicting per strategy when full.
func (c *Cache) insert(key string, entry *types.EmbeddingEntry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		if victim := c.strategy.Victim(c.entries, now); victim != "" {
			delete(c.entries, victim)
			atomic.AddInt64(&c.evictions, 1)
		}
	}

	slot := &CacheEntry{
		Key:            key,
		Entry:          entry,
		CreatedAt:      now,
		LastAccessedAt: entry.LastAccessedAt,
		AccessCount:    entry.AccessCount,
		SizeBytes:      int64(4 * len(entry.Vector)),
	}
	if ttl := c.strategy.TTL(); ttl > 0 {
		expires := now.Add(ttl)
		slot.ExpiresAt = &expires
	}
	c.entries[key] = slot
}

// BatchGet partitions items into tier hits and misses. Callers embed the
// misses and BatchPut the results.
func (c *Cache) BatchGet(ctx context.Context, contents []string, modelID string) (hits map[string][]float32, misses []string, err error) {
	hits = make(map[string][]float32, len(contents))
	for _, content := range contents {
		vector, getErr := c.Get(ctx, content, modelID)
		if getErr != nil {
			if errors.Is(getErr, types.ErrCacheMiss) {
				misses = append(misses, content)
				continue
			}
			return nil, nil, getErr
		}
		hits[content] = vector
	}
	return hits, misses, nil
}

// WarmPopular loads the most-accessed persistent entries into tier 1, up to
// a third of capacity.
func (c *Cache) WarmPopular(ctx context.Context, minAccess int64) (int, error) {
	if c.tier2 == nil {
		return 0, nil
	}
	entries, err := c.tier2.TopAccessed(ctx, minAccess, c.capacity/3)
	if err != nil {
		return 0, fmt.Errorf("warm-up query: %w", err)
	}
	return c.adopt(entries), nil
}

// WarmDocument loads one document's entries into tier 1, up to half of
// capacity.
func (c *Cache) WarmDocument(ctx context.Context, docPath string) (int, error) {
	if c.tier2 == nil {
		return 0, nil
	}
	entries, err := c.tier2.ByDocPath(ctx, docPath, c.capacity/2)
	if err != nil {
		return 0, fmt.Errorf("document warm-up query for %s: %w", docPath, err)
	}
	return c.adopt(entries), nil
}

func (c *Cache) adopt(entries []*types.EmbeddingEntry) int {
	now := time.Now().UTC()
	for _, e := range entries {
		c.insert(e.ContentHash, e, now)
	}
	atomic.AddInt64(&c.warmed, int64(len(entries)))
	if len(entries) > 0 {
		c.logger.Info("cache warmed", "entries", len(entries))
	}
	return len(entries)
}

// Stats samples the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	stats := CacheStats{
		Tier1Size:    size,
		Tier1Cap:     c.capacity,
		Strategy:     c.strategy.Name(),
		Hits:         hits,
		Misses:       misses,
		Tier2Hits:    atomic.LoadInt64(&c.tier2Hits),
		Tier2Errors:  atomic.LoadInt64(&c.tier2Errors),
		Evictions:    atomic.LoadInt64(&c.evictions),
		Promotions:   atomic.LoadInt64(&c.promotions),
		Puts:         atomic.LoadInt64(&c.puts),
		WarmedOnBoot: atomic.LoadInt64(&c.warmed),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func preview(content string) string {
	if len(content) <= 200 {
		return content
	}
	return content[:200]
}
