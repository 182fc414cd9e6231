package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEntry(key string, access int64) *types.EmbeddingEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.EmbeddingEntry{
		ContentHash:    key,
		Vector:         []float32{0.1, -0.5, 3.25},
		ModelID:        "gemini-embedding-001",
		ContentPreview: "some chunk text",
		TokenCount:     42,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    access,
		Kind:           types.ChunkKindParagraph,
	}
}

func TestEmbeddingStore_RoundTripTouchesAccess(t *testing.T) {
	store := NewEmbeddingStore(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "key-1", testEntry("key-1", 1)))

	got, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.5, 3.25}, got.Vector)
	assert.Equal(t, "gemini-embedding-001", got.ModelID)
	assert.Equal(t, 42, got.TokenCount)
	// The read itself counts as an access.
	assert.Equal(t, int64(2), got.AccessCount)

	again, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.AccessCount)
}

func TestEmbeddingStore_MissingKey(t *testing.T) {
	store := NewEmbeddingStore(openTestDB(t))

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestEmbeddingStore_PutOverwrites(t *testing.T) {
	store := NewEmbeddingStore(openTestDB(t))
	ctx := context.Background()

	first := testEntry("key-1", 1)
	require.NoError(t, store.Put(ctx, "key-1", first))

	second := testEntry("key-1", 1)
	second.Vector = []float32{9}
	require.NoError(t, store.Put(ctx, "key-1", second))

	got, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{9}, got.Vector)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEmbeddingStore_TopAccessed(t *testing.T) {
	store := NewEmbeddingStore(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cold", testEntry("cold", 1)))
	require.NoError(t, store.Put(ctx, "warm", testEntry("warm", 5)))
	require.NoError(t, store.Put(ctx, "hot", testEntry("hot", 9)))

	entries, err := store.TopAccessed(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hot", entries[0].ContentHash)
	assert.Equal(t, "warm", entries[1].ContentHash)

	limited, err := store.TopAccessed(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "hot", limited[0].ContentHash)
}

func TestEmbeddingStore_ByDocPathOrdersByOrdinal(t *testing.T) {
	store := NewEmbeddingStore(openTestDB(t))
	ctx := context.Background()

	for i, key := range []string{"c2", "c0", "c1"} {
		ordinal := []int{2, 0, 1}[i]
		entry := testEntry(key, 1)
		entry.DocPath = "/docs/report.md"
		entry.ChunkOrdinal = &ordinal
		require.NoError(t, store.Put(ctx, key, entry))
	}
	other := testEntry("other", 1)
	other.DocPath = "/docs/other.md"
	require.NoError(t, store.Put(ctx, "other", other))

	entries, err := store.ByDocPath(ctx, "/docs/report.md", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c0", entries[0].ContentHash)
	assert.Equal(t, "c1", entries[1].ContentHash)
	assert.Equal(t, "c2", entries[2].ContentHash)
}

func TestEmbeddingStore_Delete(t *testing.T) {
	store := NewEmbeddingStore(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "key-1", testEntry("key-1", 1)))
	require.NoError(t, store.Delete(ctx, "key-1"))

	_, err := store.Get(ctx, "key-1")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestVectorCodec_RoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.1415927, 1e-20}
	assert.Equal(t, in, decodeVector(encodeVector(in)))
	assert.Empty(t, decodeVector(encodeVector(nil)))
}
