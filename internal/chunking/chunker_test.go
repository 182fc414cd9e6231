package chunking

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/config"
	"rag-core/pkg/types"
)

func testChunker(maxChunkSize int, ratio float64) *Chunker {
	return New(&config.ChunkingConfig{MaxChunkSize: maxChunkSize, OverlapRatio: ratio})
}

// words produces n distinct whitespace-delimited tokens.
func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%04d", i)
	}
	return strings.Join(parts, " ")
}

func textContent(text string, kind types.DocumentKind) *types.ExtractedContent {
	return &types.ExtractedContent{Source: "test", Kind: kind, CleanText: text, Quality: 1.0}
}

func TestChunker_EmptyInput(t *testing.T) {
	c := testChunker(1024, 0.10)

	for _, text := range []string{"", "   ", "\n\n\t\n"} {
		chunks, err := c.Chunk(textContent(text, types.DocumentKindText), StrategyAdaptive, "doc")
		require.NoError(t, err)
		assert.Empty(t, chunks)
		assert.NotNil(t, chunks)
	}
}

func TestChunker_ReconstructionProperty(t *testing.T) {
	samples := map[types.DocumentKind]string{
		types.DocumentKindText: words(300) + "\n\n" + words(400) + "\n\n" + words(200),
		types.DocumentKindMarkdown: "# Title\n\n" + words(600) + "\n\n## Second\n\n" +
			words(700) + "\n\n- item one\n- item two\n",
		types.DocumentKindCode: "func alpha() {\n\t" + words(500) + "\n}\n\nfunc beta() {\n\t" +
			words(700) + "\n}\n",
	}
	strategies := []Strategy{StrategyFixed, StrategySemantic, StrategyAdaptive, StrategyHybrid}

	c := testChunker(512, 0.10)
	for kind, text := range samples {
		for _, strategy := range strategies {
			chunks, err := c.Chunk(textContent(text, kind), strategy, "doc")
			require.NoError(t, err, "kind %s strategy %s", kind, strategy)
			require.NotEmpty(t, chunks)

			// Regions tile the text: concatenating the non-overlap parts
			// reproduces the cleaned text byte-for-byte.
			var rebuilt strings.Builder
			for i, ch := range chunks {
				own := ch.Content[len(ch.Content)-(ch.EndByte-ch.StartByte):]
				rebuilt.WriteString(own)
				if i == 0 {
					assert.Equal(t, 0, ch.StartByte)
					assert.Zero(t, ch.OverlapPrev)
				} else {
					assert.Equal(t, chunks[i-1].EndByte, ch.StartByte)
					assert.Equal(t, chunks[i-1].OverlapNext, ch.OverlapPrev)
				}
			}
			assert.Equal(t, len(text), chunks[len(chunks)-1].EndByte)
			assert.Equal(t, text, rebuilt.String(), "kind %s strategy %s", kind, strategy)

			// The final chunk always ends at a document boundary.
			assert.Equal(t, 1.0, chunks[len(chunks)-1].SemanticScore)
		}
	}
}

func TestChunker_Deterministic(t *testing.T) {
	text := "# Doc\n\n" + words(900) + "\n\n## Next\n\n" + words(400)
	c := testChunker(512, 0.15)

	first, err := c.Chunk(textContent(text, types.DocumentKindMarkdown), StrategyAdaptive, "doc")
	require.NoError(t, err)
	second, err := c.Chunk(textContent(text, types.DocumentKindMarkdown), StrategyAdaptive, "doc")
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		// IDs are fresh per run; everything else must match exactly.
		assert.Equal(t, first[i].StartByte, second[i].StartByte)
		assert.Equal(t, first[i].EndByte, second[i].EndByte)
		assert.Equal(t, first[i].Content, second[i].Content)
		assert.Equal(t, first[i].TokenCount, second[i].TokenCount)
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.Equal(t, first[i].OverlapPrev, second[i].OverlapPrev)
		assert.Equal(t, first[i].SemanticScore, second[i].SemanticScore)
	}
}

func TestChunker_MarkdownSections(t *testing.T) {
	// Three header sections of roughly 700, 500, and 800 tokens. The first
	// two fit below 1.5x the 512 target; the third is split at a paragraph
	// boundary.
	text := "## Alpha\n\n" + words(700) +
		"\n\n## Beta\n\n" + words(500) +
		"\n\n## Gamma\n\n" + words(400) + "\n\n" + words(400)

	c := testChunker(512, 0.10)
	chunks, err := c.Chunk(textContent(text, types.DocumentKindMarkdown), StrategyAdaptive, "doc")
	require.NoError(t, err)

	require.Len(t, chunks, 4)
	assert.Equal(t, types.ChunkKindSection, chunks[0].Kind)
	assert.Equal(t, types.ChunkKindSection, chunks[1].Kind)
	assert.Equal(t, types.ChunkKindSplitSection, chunks[2].Kind)
	assert.Equal(t, types.ChunkKindSplitSection, chunks[3].Kind)

	limit := int(512 * oversizeFactor)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, limit, "chunk %d", ch.Ordinal)
	}
}

func TestChunker_FixedStrategy(t *testing.T) {
	text := words(50)
	c := testChunker(20, 0.10)

	chunks, err := c.Chunk(textContent(text, types.DocumentKindText), StrategyFixed, "doc")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for _, ch := range chunks {
		assert.Equal(t, types.ChunkKindFixed, ch.Kind)
	}
	// 20 own tokens plus 10% of the previous chunk's 20.
	assert.Equal(t, 22, chunks[1].TokenCount)
	assert.Equal(t, 2, chunks[1].OverlapPrev)
}

func TestChunker_CodeTargetsLargerChunks(t *testing.T) {
	text := "func one() {\n\t" + words(600) + "\n}\n\nfunc two() {\n\t" + words(300) + "\n}\n"
	c := testChunker(2048, 0.10)

	chunks, err := c.Chunk(textContent(text, types.DocumentKindCode), StrategyAdaptive, "doc")
	require.NoError(t, err)

	// Both declarations fit the 1024-token code target in one chunk.
	require.Len(t, chunks, 1)
	assert.Equal(t, types.ChunkKindCode, chunks[0].Kind)
}

func TestChunker_OverlapRatioClamped(t *testing.T) {
	low := New(&config.ChunkingConfig{MaxChunkSize: 512, OverlapRatio: 0.01})
	high := New(&config.ChunkingConfig{MaxChunkSize: 512, OverlapRatio: 0.9})

	assert.Equal(t, 0.10, low.overlapRatio)
	assert.Equal(t, 0.20, high.overlapRatio)
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyFixed, ParseStrategy("fixed"))
	assert.Equal(t, StrategyHybrid, ParseStrategy("HYBRID"))
	assert.Equal(t, StrategyAdaptive, ParseStrategy(""))
	assert.Equal(t, StrategyAdaptive, ParseStrategy("nonsense"))
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 0, CountTokens("   \n\t"))
	assert.Equal(t, 3, CountTokens("one two three"))
	assert.Equal(t, 3, CountTokens("  one\n two\tthree  "))
}
