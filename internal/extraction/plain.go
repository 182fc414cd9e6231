package extraction

import "rag-core/pkg/types"

// plainExtractor handles .txt sources. Structure is minimal so a full parse
// is always achieved.
type plainExtractor struct{}

func (p *plainExtractor) extract(text string) *types.ExtractedContent {
	clean := NormalizeWhitespace(text)
	return &types.ExtractedContent{
		CleanText: clean,
		Quality:   1.0,
		Metadata: types.ContentMetadata{
			Title: firstLine(clean),
		},
	}
}
