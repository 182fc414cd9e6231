package embeddings

import (
	"time"

	"rag-core/pkg/types"
)

// CacheEntry is a tier-1 slot: the embedding plus the bookkeeping eviction
// strategies decide on.
type CacheEntry struct {
	Key            string
	Entry          *types.EmbeddingEntry
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	SizeBytes      int64
	ExpiresAt      *time.Time
}

func (e *CacheEntry) touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
	e.Entry.Touch(now)
}

func (e *CacheEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// EvictionStrategy decides tier-1 victim selection and expiry. Strategies
// are consulted under the cache's lock and must not block.
type EvictionStrategy interface {
	Name() string
	// Victim picks the key to evict when the tier is full; empty means no
	// candidate (the caller then refuses the insert).
	Victim(entries map[string]*CacheEntry, now time.Time) string
	// TTL returns the lifetime applied at insert, or zero for none.
	TTL() time.Duration
}

// NewStrategy builds a strategy by name, defaulting to hybrid.
func NewStrategy(name string, ttl time.Duration) EvictionStrategy {
	switch name {
	case "lru":
		return lruStrategy{}
	case "ttl":
		return ttlStrategy{ttl: ttl}
	default:
		return hybridStrategy{ttl: ttl}
	}
}

// lruStrategy evicts the least recently accessed entry; entries never expire.
type lruStrategy struct{}

func (lruStrategy) Name() string       { return "lru" }
func (lruStrategy) TTL() time.Duration { return 0 }

func (lruStrategy) Victim(entries map[string]*CacheEntry, _ time.Time) string {
	return oldestAccessed(entries)
}

// ttlStrategy evicts the entry closest to (or past) expiry.
type ttlStrategy struct {
	ttl time.Duration
}

func (ttlStrategy) Name() string         { return "ttl" }
func (s ttlStrategy) TTL() time.Duration { return s.ttl }

func (s ttlStrategy) Victim(entries map[string]*CacheEntry, now time.Time) string {
	var victim string
	var earliest time.Time
	for key, e := range entries {
		if e.ExpiresAt == nil {
			continue
		}
		if victim == "" || e.ExpiresAt.Before(earliest) {
			victim = key
			earliest = *e.ExpiresAt
		}
	}
	if victim == "" {
		return oldestCreated(entries)
	}
	return victim
}

// hybridStrategy expires like TTL and falls back to LRU: expired entries are
// evicted first, then the least recently accessed.
type hybridStrategy struct {
	ttl time.Duration
}

func (hybridStrategy) Name() string         { return "hybrid" }
func (s hybridStrategy) TTL() time.Duration { return s.ttl }

func (s hybridStrategy) Victim(entries map[string]*CacheEntry, now time.Time) string {
	for key, e := range entries {
		if e.expired(now) {
			return key
		}
	}
	return oldestAccessed(entries)
}

func oldestAccessed(entries map[string]*CacheEntry) string {
	var victim string
	var oldest time.Time
	for key, e := range entries {
		if victim == "" || e.LastAccessedAt.Before(oldest) {
			victim = key
			oldest = e.LastAccessedAt
		}
	}
	return victim
}

func oldestCreated(entries map[string]*CacheEntry) string {
	var victim string
	var oldest time.Time
	for key, e := range entries {
		if victim == "" || e.CreatedAt.Before(oldest) {
			victim = key
			oldest = e.CreatedAt
		}
	}
	return victim
}
