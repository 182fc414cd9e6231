package embeddings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"rag-core/pkg/types"
)

func strategyEntries(now time.Time) map[string]*CacheEntry {
	older := func(d time.Duration) time.Time { return now.Add(-d) }
	return map[string]*CacheEntry{
		"recent": {Key: "recent", Entry: &types.EmbeddingEntry{}, CreatedAt: older(time.Minute), LastAccessedAt: older(time.Second)},
		"stale":  {Key: "stale", Entry: &types.EmbeddingEntry{}, CreatedAt: older(2 * time.Hour), LastAccessedAt: older(time.Hour)},
		"middle": {Key: "middle", Entry: &types.EmbeddingEntry{}, CreatedAt: older(time.Hour), LastAccessedAt: older(10 * time.Minute)},
	}
}

func TestNewStrategy(t *testing.T) {
	assert.Equal(t, "lru", NewStrategy("lru", 0).Name())
	assert.Equal(t, "ttl", NewStrategy("ttl", time.Hour).Name())
	assert.Equal(t, "hybrid", NewStrategy("hybrid", time.Hour).Name())
	// Unknown names fall back to hybrid.
	assert.Equal(t, "hybrid", NewStrategy("mystery", time.Hour).Name())
}

func TestLRUStrategy_VictimIsLeastRecentlyAccessed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStrategy("lru", 0)

	assert.Equal(t, "stale", s.Victim(strategyEntries(now), now))
	assert.Zero(t, s.TTL())
}

func TestTTLStrategy_VictimIsClosestToExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entries := strategyEntries(now)
	soon := now.Add(time.Minute)
	later := now.Add(time.Hour)
	entries["recent"].ExpiresAt = &later
	entries["middle"].ExpiresAt = &soon

	s := NewStrategy("ttl", time.Hour)
	assert.Equal(t, "middle", s.Victim(entries, now))
}

func TestTTLStrategy_FallsBackToOldestCreated(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// No entry carries an expiry; the oldest insert goes.
	s := NewStrategy("ttl", time.Hour)
	assert.Equal(t, "stale", s.Victim(strategyEntries(now), now))
}

func TestHybridStrategy_PrefersExpiredOverLRU(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entries := strategyEntries(now)

	s := NewStrategy("hybrid", time.Hour)
	assert.Equal(t, "stale", s.Victim(entries, now))

	expired := now.Add(-time.Minute)
	entries["recent"].ExpiresAt = &expired
	assert.Equal(t, "recent", s.Victim(entries, now))
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.False(t, (&CacheEntry{}).expired(now))
	assert.False(t, (&CacheEntry{ExpiresAt: &future}).expired(now))
	assert.True(t, (&CacheEntry{ExpiresAt: &past}).expired(now))
}
