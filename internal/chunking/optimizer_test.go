package chunking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

func testChunks(contents ...string) []types.Chunk {
	chunks := make([]types.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = types.Chunk{
			ID:            "id-" + content,
			DocumentID:    "doc",
			Ordinal:       i,
			StartByte:     i,
			EndByte:       i + len(content),
			Content:       content,
			TokenCount:    CountTokens(content),
			Kind:          types.ChunkKindParagraph,
			SemanticScore: 0.8,
		}
	}
	return chunks
}

func TestOptimizer_PreservesOrderAndIdentity(t *testing.T) {
	o, err := NewOptimizer(logging.NewNop(), 32, 0.99)
	require.NoError(t, err)

	in := testChunks("alpha one", "beta two", "gamma three")
	out, metrics, err := o.Optimize(context.Background(), in, OptimizeBalanced)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].Ordinal, out[i].Ordinal)
		assert.Equal(t, in[i].Content, out[i].Content)
	}
	assert.InDelta(t, 0.8, metrics.AvgSemanticScore, 0.001)
}

func TestOptimizer_TrimsTrailingWhitespace(t *testing.T) {
	o, err := NewOptimizer(logging.NewNop(), 32, 0.99)
	require.NoError(t, err)

	in := testChunks("alpha one  \n")
	out, _, err := o.Optimize(context.Background(), in, OptimizeMemory)
	require.NoError(t, err)

	assert.Equal(t, "alpha one", out[0].Content)
	assert.Equal(t, 2, out[0].TokenCount)
}

func TestOptimizer_CacheHitsOnSecondRun(t *testing.T) {
	o, err := NewOptimizer(logging.NewNop(), 32, 0.99)
	require.NoError(t, err)

	in := testChunks("alpha one", "beta two")
	_, first, err := o.Optimize(context.Background(), in, OptimizeSpeed)
	require.NoError(t, err)
	assert.Zero(t, first.CacheHitRatio)

	_, second, err := o.Optimize(context.Background(), in, OptimizeSpeed)
	require.NoError(t, err)
	assert.Equal(t, 1.0, second.CacheHitRatio)
	assert.Equal(t, 0.5, o.HitRatio())
}

func TestOptimizer_Cancellation(t *testing.T) {
	o, err := NewOptimizer(logging.NewNop(), 32, 0.99)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = o.Optimize(ctx, testChunks("alpha"), OptimizeMemory)
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeCancelled, types.CodeOf(err))
}
