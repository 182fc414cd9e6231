package relevance

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/config"
	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

func testSelector(cfg *config.SelectorConfig) *Selector {
	s := New(cfg, logging.NewNop())
	s.fileCheck = func(string) error { return nil }
	return s
}

func testSelectorConfig() *config.SelectorConfig {
	return &config.SelectorConfig{
		TagWeight:        0.4,
		SemanticWeight:   0.3,
		ContentWeight:    0.15,
		StructuralWeight: 0.05,
		FreshnessWeight:  0.1,
		MaxResults:       5,
	}
}

func tag(name string, confidence float64) types.Tag {
	return types.Tag{Name: name, Confidence: confidence, Category: "keyword"}
}

func TestSelector_RanksByTagSimilarity(t *testing.T) {
	s := testSelector(testSelectorConfig())

	targets := []types.Tag{tag("api", 0.9), tag("auth", 0.8)}
	candidates := []Candidate{
		{Path: "/docs/a.md", Tags: []types.Tag{tag("api", 0.9), tag("auth", 0.7)}},
		{Path: "/docs/b.md", Tags: []types.Tag{tag("api", 0.8)}},
		{Path: "/docs/c.md", Tags: []types.Tag{{Name: "cooking", Confidence: 0.9, Category: "cuisine"}}},
	}

	out := s.Select(targets, candidates, nil, nil)
	require.Len(t, out, 2)

	assert.Equal(t, "/docs/a.md", out[0].Path)
	assert.Equal(t, "/docs/b.md", out[1].Path)
	// Both exact matches boosted, normalized by the two targets.
	assert.InDelta(t, 0.99, out[0].Score, 0.001)
	assert.InDelta(t, 0.51, out[1].Score, 0.001)
}

func TestSelector_EmptyTargetsSelectsNothing(t *testing.T) {
	s := testSelector(testSelectorConfig())

	out := s.Select(nil, []Candidate{{Path: "/docs/a.md", Tags: []types.Tag{tag("api", 1)}}}, nil, nil)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestSelector_ExcludesPaths(t *testing.T) {
	s := testSelector(testSelectorConfig())

	targets := []types.Tag{tag("api", 0.9)}
	candidates := []Candidate{
		{Path: "/docs/a.md", Tags: []types.Tag{tag("api", 0.9)}},
		{Path: "/docs/b.md", Tags: []types.Tag{tag("api", 0.9)}},
	}

	out := s.Select(targets, candidates, nil, []string{"/docs/a.md"})
	require.Len(t, out, 1)
	assert.Equal(t, "/docs/b.md", out[0].Path)
}

func TestSelector_SkipsUnreadableCandidates(t *testing.T) {
	s := testSelector(testSelectorConfig())
	s.fileCheck = func(path string) error {
		if path == "/docs/gone.md" {
			return errors.New("no such file")
		}
		return nil
	}

	targets := []types.Tag{tag("api", 0.9)}
	candidates := []Candidate{
		{Path: "/docs/gone.md", Tags: []types.Tag{tag("api", 0.9)}},
		{Path: "/docs/b.md", Tags: []types.Tag{tag("api", 0.9)}},
	}

	out := s.Select(targets, candidates, nil, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "/docs/b.md", out[0].Path)
}

func TestSelector_SemanticBlend(t *testing.T) {
	s := testSelector(testSelectorConfig())

	now := time.Now().UTC()
	targets := []types.Tag{tag("api", 1.0)}
	candidates := []Candidate{{
		Path:         "/docs/a.md",
		Tags:         []types.Tag{tag("api", 1.0)},
		LastAnalyzed: now,
		Embeddings:   [][]float32{{0, 1, 0}, {1, 0, 0}},
	}}

	out := s.Select(targets, candidates, []float32{1, 0, 0}, nil)
	require.Len(t, out, 1)

	// 0.4 x 1.2 tag + 0.3 x 1.0 best-chunk cosine + 0.1 x ~1.0 freshness;
	// the candidate carries no quality or structure signal, so the content
	// and structural components contribute zero.
	assert.InDelta(t, 1.0, out[0].SemanticScore, 1e-9)
	assert.InDelta(t, 0.88, out[0].Score, 0.005)
}

func TestSelector_BlendsAllConfiguredWeights(t *testing.T) {
	s := testSelector(&config.SelectorConfig{
		TagWeight:        0.2,
		SemanticWeight:   0.3,
		ContentWeight:    0.2,
		StructuralWeight: 0.1,
		FreshnessWeight:  0.2,
		MaxResults:       5,
	})

	targets := []types.Tag{tag("api", 1.0)}
	candidates := []Candidate{{
		Path:         "/docs/a.md",
		Tags:         []types.Tag{tag("api", 1.0)},
		Quality:      1.0,
		Structure:    1.0,
		LastAnalyzed: time.Now().UTC(),
		Embeddings:   [][]float32{{1, 0, 0}},
	}}

	out := s.Select(targets, candidates, []float32{1, 0, 0}, nil)
	require.Len(t, out, 1)

	// Every weight applies: 0.2 x 1.2 boosted tag + 0.3 x 1.0 cosine +
	// 0.2 x 1.0 quality + 0.1 x 1.0 structure + 0.2 x ~1.0 freshness.
	assert.InDelta(t, 1.04, out[0].Score, 0.005)
}

func TestStructureScore(t *testing.T) {
	assert.Zero(t, StructureScore(types.ContentMetadata{}))
	assert.InDelta(t, 0.3, StructureScore(types.ContentMetadata{Headers: []string{"Setup"}}), 1e-9)
	assert.InDelta(t, 0.4, StructureScore(types.ContentMetadata{
		Headers:  []string{"func main() {"},
		Language: "go",
	}), 1e-9)

	rich := types.ContentMetadata{
		Title:          "Guide",
		Headers:        []string{"Guide", "Setup"},
		Links:          []string{"https://example.com"},
		CodeBlockCount: 1,
		TableCount:     1,
		Language:       "markdown",
	}
	assert.InDelta(t, 1.0, StructureScore(rich), 1e-9)
}

func TestSelector_TiesBreakByFreshness(t *testing.T) {
	s := testSelector(testSelectorConfig())

	targets := []types.Tag{tag("api", 0.9)}
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now().Add(-time.Hour)
	candidates := []Candidate{
		{Path: "/docs/old.md", Tags: []types.Tag{tag("api", 0.9)}, LastAnalyzed: old},
		{Path: "/docs/fresh.md", Tags: []types.Tag{tag("api", 0.9)}, LastAnalyzed: fresh},
	}

	out := s.Select(targets, candidates, nil, nil)
	require.Len(t, out, 2)
	assert.Equal(t, "/docs/fresh.md", out[0].Path)
}

func TestSelector_TruncatesToMaxResults(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.MaxResults = 2
	s := testSelector(cfg)

	targets := []types.Tag{tag("api", 0.9)}
	var candidates []Candidate
	for i := 0; i < 6; i++ {
		candidates = append(candidates, Candidate{
			Path: fmt.Sprintf("/docs/%d.md", i),
			Tags: []types.Tag{tag("api", 0.9)},
		})
	}

	assert.Len(t, s.Select(targets, candidates, nil, nil), 2)

	cfg.MaxResults = 0
	assert.Len(t, s.Select(targets, candidates, nil, nil), 5)
}

func TestTagSimilarity_PartialMatches(t *testing.T) {
	targets := []types.Tag{{Name: "authentication", Confidence: 0.8, Category: "keyword"}}

	// Substring containment, weighted down as a partial match.
	doc := []types.Tag{{Name: "auth", Confidence: 0.6}}
	got := TagSimilarity(targets, doc)
	assert.InDelta(t, 0.6*substringFactor*partialMatchWeight, got, 1e-9)

	// A shared category outranks the substring factor.
	doc = []types.Tag{{Name: "auth", Confidence: 0.6, Category: "keyword"}}
	got = TagSimilarity(targets, doc)
	assert.InDelta(t, 0.6*categoryFactor*partialMatchWeight, got, 1e-9)

	// Multi-word overlap: one of two words shared.
	targets = []types.Tag{{Name: "access control", Confidence: 1.0}}
	doc = []types.Tag{{Name: "control plane", Confidence: 1.0}}
	got = TagSimilarity(targets, doc)
	assert.InDelta(t, 0.5*wordOverlapFactor*partialMatchWeight, got, 1e-9)
}

func TestTagSimilarity_BoundedByTargetCount(t *testing.T) {
	// Piling on matching tags cannot push the score past the boosted
	// per-target maximum.
	targets := []types.Tag{tag("api", 1.0), tag("auth", 1.0)}
	doc := []types.Tag{tag("api", 1.0), tag("auth", 1.0)}

	got := TagSimilarity(targets, doc)
	assert.LessOrEqual(t, got, exactMatchBoost)
	assert.InDelta(t, 1.2, got, 1e-9)

	assert.Zero(t, TagSimilarity(nil, doc))
	assert.Zero(t, TagSimilarity(targets, nil))
}

func TestFreshness(t *testing.T) {
	assert.Zero(t, freshness(time.Time{}))
	assert.InDelta(t, 1.0, freshness(time.Now()), 0.001)
	assert.InDelta(t, math.Exp(-1), freshness(time.Now().Add(-30*24*time.Hour)), 0.01)
}
