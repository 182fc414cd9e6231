package pipeline

import (
	"context"
	"strings"
	"time"

	"rag-core/internal/conversation"
	"rag-core/internal/extraction"
	"rag-core/internal/logging"
	"rag-core/internal/relevance"
	"rag-core/pkg/types"
)

const defaultMaxTags = 10

// Generator produces summary text for analyzed documents. A nil generator
// falls back to an extractive summary.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Analyzer implements the analyze-document operation: extract, derive tags
// from content keywords, and optionally summarize.
type Analyzer struct {
	extractor *extraction.Extractor
	generator Generator
	logger    logging.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(extractor *extraction.Extractor, generator Generator, logger logging.Logger) *Analyzer {
	return &Analyzer{
		extractor: extractor,
		generator: generator,
		logger:    logger.WithComponent("analyzer"),
	}
}

// Analyze extracts a document and labels it. Tag confidence scales with
// keyword frequency relative to the strongest keyword.
func (a *Analyzer) Analyze(ctx context.Context, path string, maxTags int, withSummary bool) (*types.DocumentAnalysis, error) {
	start := time.Now()
	if maxTags <= 0 {
		maxTags = defaultMaxTags
	}

	content, err := a.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}

	keywords := conversation.ExtractKeywords(content.CleanText)
	if len(keywords) == 0 {
		return nil, types.NewError(types.ErrorCodeTagExtraction,
			"no keywords extractable from "+path, nil)
	}

	tags := make([]types.Tag, 0, len(keywords)+1)
	if content.Metadata.Language != "" {
		tags = append(tags, types.Tag{
			Name:       content.Metadata.Language,
			Confidence: 0.95,
			Category:   "language",
		})
	}
	top := float64(keywords[0].Count)
	for _, k := range keywords {
		tags = append(tags, types.Tag{
			Name:       k.Word,
			Confidence: 0.5 + 0.5*float64(k.Count)/top,
			Category:   "keyword",
		})
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}

	analysis := &types.DocumentAnalysis{
		Path:      path,
		Kind:      content.Kind,
		Tags:      tags,
		Quality:   content.Quality,
		Structure: relevance.StructureScore(content.Metadata),
	}
	if withSummary {
		analysis.Summary = a.summarize(ctx, content)
	}
	analysis.Elapsed = time.Since(start)
	return analysis, nil
}

// summarize produces a short document summary: generated when a generator is
// available, leading-text extractive otherwise.
func (a *Analyzer) summarize(ctx context.Context, content *types.ExtractedContent) string {
	excerpt := content.CleanText
	const maxExcerpt = 4000
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt]
	}

	if a.generator != nil {
		prompt := "Summarize the following document in at most three sentences:\n\n" + excerpt
		text, err := a.generator.Generate(ctx, prompt)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			a.logger.Warn("summary generation failed, using extractive fallback",
				"path", content.Source, "error", err.Error())
		}
	}
	return leadingSentences(content.CleanText, 3)
}

// leadingSentences returns the first n sentences, capped at 400 bytes.
func leadingSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	const max = 400
	count := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				return text[:i+1]
			}
		}
		if i >= max {
			return text[:i]
		}
	}
	return text
}
