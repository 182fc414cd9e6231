// Package relevance ranks candidate documents against a target tag set,
// optionally blended with semantic similarity over chunk embeddings.
package relevance

import (
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"rag-core/internal/config"
	"rag-core/internal/conversation"
	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

const (
	exactMatchBoost    = 1.2
	categoryFactor     = 0.5
	substringFactor    = 0.3
	wordOverlapFactor  = 0.4
	partialMatchWeight = 0.3
)

// Candidate is one document under consideration.
type Candidate struct {
	Path         string
	Tags         []types.Tag
	LastAnalyzed time.Time
	// Quality is the extraction quality in [0,1]; it feeds the content
	// component of the blend.
	Quality float64
	// Structure is the structural richness in [0,1], see StructureScore.
	Structure float64
	// Embeddings holds the candidate's chunk vectors for semantic blending.
	Embeddings [][]float32
}

// Selector scores and ranks candidates.
type Selector struct {
	cfg    *config.SelectorConfig
	logger logging.Logger

	// fileCheck verifies a candidate is still readable; tests override it.
	fileCheck func(path string) error
}

// New creates a Selector.
func New(cfg *config.SelectorConfig, logger logging.Logger) *Selector {
	return &Selector{
		cfg:    cfg,
		logger: logger.WithComponent("relevance"),
		fileCheck: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// Select returns the top-N candidates by score, ties broken by freshness.
// Excluded paths and unreadable candidates are skipped; an empty target set
// yields an empty selection.
func (s *Selector) Select(targets []types.Tag, candidates []Candidate, queryVec []float32, exclude []string) []types.ScoredDocument {
	if len(targets) == 0 {
		return []types.ScoredDocument{}
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		excluded[p] = struct{}{}
	}

	scored := make([]types.ScoredDocument, 0, len(candidates))
	for _, cand := range candidates {
		if _, skip := excluded[cand.Path]; skip {
			continue
		}
		if err := s.fileCheck(cand.Path); err != nil {
			s.logger.Warn("candidate unreadable, skipping", "path", cand.Path, "error", err.Error())
			continue
		}

		tagScore := TagSimilarity(targets, cand.Tags)
		doc := types.ScoredDocument{
			Path:         cand.Path,
			TagScore:     tagScore,
			Score:        tagScore,
			LastAnalyzed: cand.LastAnalyzed,
		}

		if len(queryVec) > 0 {
			semantic := maxCosine(queryVec, cand.Embeddings)
			doc.SemanticScore = semantic
			// All five configured weights apply; they sum to 1.0 under
			// config validation, so a perfect candidate scores the full
			// mass (times the exact-match boost on the tag component).
			doc.Score = s.cfg.TagWeight*tagScore +
				s.cfg.SemanticWeight*semantic +
				s.cfg.ContentWeight*cand.Quality +
				s.cfg.StructuralWeight*cand.Structure +
				s.cfg.FreshnessWeight*freshness(cand.LastAnalyzed)
		}

		if doc.Score > 0 {
			scored = append(scored, doc)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].LastAnalyzed.After(scored[j].LastAnalyzed)
	})

	limit := s.cfg.MaxResults
	if limit <= 0 {
		limit = 5
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// TagSimilarity scores a document tag set against the targets: exact name
// matches earn the boosted average confidence, doc-only tags earn their best
// partial score weighted down, and the sum is normalized by the target count
// so tag-heavy documents are not favored.
func TagSimilarity(targets []types.Tag, docTags []types.Tag) float64 {
	if len(targets) == 0 || len(docTags) == 0 {
		return 0
	}

	byName := make(map[string]types.Tag, len(targets))
	for _, t := range targets {
		byName[strings.ToLower(t.Name)] = t
	}

	var sum float64
	for _, d := range docTags {
		if t, ok := byName[strings.ToLower(d.Name)]; ok {
			sum += (t.Confidence + d.Confidence) / 2 * exactMatchBoost
			continue
		}

		best := 0.0
		for _, t := range targets {
			if p := partialScore(d, t); p > best {
				best = p
			}
		}
		sum += best * partialMatchWeight
	}

	return sum / float64(len(targets))
}

// partialScore rates a non-exact pair: shared category, substring
// containment, or word overlap for multi-word tags.
func partialScore(d, t types.Tag) float64 {
	floor := math.Min(d.Confidence, t.Confidence)
	dn := strings.ToLower(d.Name)
	tn := strings.ToLower(t.Name)

	best := 0.0
	if d.Category != "" && d.Category == t.Category {
		best = floor * categoryFactor
	}
	if strings.Contains(dn, tn) || strings.Contains(tn, dn) {
		if s := floor * substringFactor; s > best {
			best = s
		}
	}

	dWords := strings.Fields(dn)
	tWords := strings.Fields(tn)
	if len(dWords) > 1 || len(tWords) > 1 {
		shared := wordIntersection(dWords, tWords)
		max := len(dWords)
		if len(tWords) > max {
			max = len(tWords)
		}
		if s := floor * (float64(shared) / float64(max)) * wordOverlapFactor; s > best {
			best = s
		}
	}
	return best
}

func wordIntersection(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	n := 0
	for _, w := range b {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return n
}

// maxCosine returns the best similarity between the query and any chunk
// vector of the candidate.
func maxCosine(queryVec []float32, embeddings [][]float32) float64 {
	best := 0.0
	for _, v := range embeddings {
		if sim := conversation.Cosine(queryVec, v); sim > best {
			best = sim
		}
	}
	return best
}

// StructureScore rates a document's structural richness on [0,1] from its
// extracted metadata. Each kind of deliberate structure adds evidence; a
// document carrying all of them scores 1.
func StructureScore(meta types.ContentMetadata) float64 {
	score := 0.0
	if meta.Title != "" {
		score += 0.2
	}
	if len(meta.Headers) > 0 {
		score += 0.3
	}
	if len(meta.Links) > 0 {
		score += 0.15
	}
	if meta.CodeBlockCount > 0 {
		score += 0.15
	}
	if meta.TableCount > 0 {
		score += 0.1
	}
	if meta.Language != "" {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// freshness decays with document age: analyzed-now scores 1, a month old
// scores about 0.37.
func freshness(lastAnalyzed time.Time) float64 {
	if lastAnalyzed.IsZero() {
		return 0
	}
	ageDays := time.Since(lastAnalyzed).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / 30)
}
