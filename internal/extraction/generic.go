package extraction

import "rag-core/pkg/types"

// genericExtractor is the fallback for unknown suffixes. Text comes through
// but structure is not recovered, so quality is capped.
type genericExtractor struct{}

func (g *genericExtractor) extract(text string) *types.ExtractedContent {
	clean := NormalizeWhitespace(text)
	return &types.ExtractedContent{
		CleanText: clean,
		Quality:   0.7,
		Metadata: types.ContentMetadata{
			Title: firstLine(clean),
		},
	}
}
