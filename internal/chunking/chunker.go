// Package chunking partitions cleaned document text into bounded,
// semantically coherent chunks and optimizes them for embedding.
package chunking

import (
	"fmt"
	"regexp"
	"strings"

	"rag-core/internal/config"
	"rag-core/pkg/types"
)

// Strategy selects how text is partitioned.
type Strategy string

const (
	StrategyFixed    Strategy = "fixed"
	StrategySemantic Strategy = "semantic"
	StrategyAdaptive Strategy = "adaptive"
	StrategyHybrid   Strategy = "hybrid"
)

// ParseStrategy maps a string to a Strategy, defaulting to adaptive.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(s)) {
	case StrategyFixed, StrategySemantic, StrategyHybrid:
		return Strategy(strings.ToLower(s))
	default:
		return StrategyAdaptive
	}
}

// Per-kind token targets. A chunk may run up to oversizeFactor times its
// target before the adaptive splitter cuts it.
const oversizeFactor = 1.5

func targetTokens(kind types.DocumentKind, maxChunkSize int) int {
	var target int
	switch kind {
	case types.DocumentKindPDF, types.DocumentKindWord:
		target = 768
	case types.DocumentKindCode:
		target = 1024
	default:
		target = 512
	}
	if maxChunkSize > 0 && target > maxChunkSize {
		target = maxChunkSize
	}
	return target
}

var (
	headerLineRegex = regexp.MustCompile(`^#{1,6}\s`)
	listItemRegex   = regexp.MustCompile(`^(\s*[-*+]\s|\s*\d+\.\s)`)
	declLineRegex   = regexp.MustCompile(`^\s*(func\s|def\s|class\s|fn\s|pub\s+fn\s|function\s|(public|private|protected)\s)`)
)

// Chunker partitions extracted content deterministically: identical input,
// strategy, and config always produce identical chunks.
type Chunker struct {
	maxChunkSize int
	overlapRatio float64
}

// New creates a Chunker from configuration. The overlap ratio is clamped to
// [0.10, 0.20].
func New(cfg *config.ChunkingConfig) *Chunker {
	ratio := cfg.OverlapRatio
	if ratio < 0.10 {
		ratio = 0.10
	}
	if ratio > 0.20 {
		ratio = 0.20
	}
	return &Chunker{maxChunkSize: cfg.MaxChunkSize, overlapRatio: ratio}
}

// Chunk partitions content into chunks. Empty input yields an empty slice,
// never an error.
func (c *Chunker) Chunk(content *types.ExtractedContent, strategy Strategy, documentID string) ([]types.Chunk, error) {
	text := content.CleanText
	if strings.TrimSpace(text) == "" {
		return []types.Chunk{}, nil
	}

	target := targetTokens(content.Kind, c.maxChunkSize)

	var regions []region
	switch strategy {
	case StrategyFixed:
		regions = c.fixedRegions(text, target)
	case StrategySemantic:
		regions = c.semanticRegions(text, target)
	case StrategyHybrid:
		regions = c.hybridRegions(text, content.Kind, target)
	default:
		regions = c.adaptiveRegions(text, content.Kind, target)
	}

	return c.emit(documentID, text, regions)
}

// region is a chunk-to-be: a contiguous byte range of the cleaned text.
// Consecutive regions tile the text exactly.
type region struct {
	start int
	end   int
	kind  types.ChunkKind
}

// emit materializes regions into chunks, applying overlap and semantic
// scores. The overlap is prepended from the previous region's tail and
// counted only in the new chunk.
func (c *Chunker) emit(documentID, text string, regions []region) ([]types.Chunk, error) {
	chunks := make([]types.Chunk, 0, len(regions))

	for i, r := range regions {
		own := text[r.start:r.end]
		contentStart := r.start
		overlapPrev := 0

		if i > 0 {
			prev := regions[i-1]
			prevText := text[prev.start:prev.end]
			overlapPrev = int(float64(CountTokens(prevText)) * c.overlapRatio)
			if overlapPrev > 0 {
				contentStart = prev.start + lastTokensStart(prevText, overlapPrev)
			}
		}

		chunk, err := types.NewChunk(documentID, i, r.start, r.end, text[contentStart:r.end], r.kind)
		if err != nil {
			return nil, fmt.Errorf("emit chunk %d: %w", i, err)
		}
		chunk.TokenCount = CountTokens(chunk.Content)
		chunk.OverlapPrev = overlapPrev
		chunk.SemanticScore = boundaryScore(own, r.end == len(text))
		if i > 0 {
			chunks[i-1].OverlapNext = overlapPrev
		}
		chunks = append(chunks, *chunk)
	}

	return chunks, nil
}

// boundaryScore rates how cleanly a chunk ends: 1.0 at a paragraph break or
// document end, 0.8 at a single newline, 0.6 otherwise.
func boundaryScore(own string, docEnd bool) float64 {
	if docEnd {
		return 1.0
	}
	if strings.HasSuffix(own, "\n\n") {
		return 1.0
	}
	if strings.HasSuffix(own, "\n") {
		return 0.8
	}
	return 0.6
}

// fixedRegions cuts on token count only.
func (c *Chunker) fixedRegions(text string, target int) []region {
	spans := tokenize(text)
	var regions []region
	for i := 0; i < len(spans); i += target {
		last := i + target
		if last > len(spans) {
			last = len(spans)
		}
		start := 0
		if len(regions) > 0 {
			start = regions[len(regions)-1].end
		}
		end := spans[last-1].end
		if last == len(spans) {
			end = len(text)
		}
		regions = append(regions, region{start: start, end: end, kind: types.ChunkKindFixed})
	}
	return regions
}

// block is a boundary-delimited unit the semantic strategy never splits.
type block struct {
	start  int
	end    int
	tokens int
	kind   types.ChunkKind
}

// semanticRegions packs boundary blocks up to the target, cutting only at
// block edges.
func (c *Chunker) semanticRegions(text string, target int) []region {
	blocks := scanBlocks(text)
	return packBlocks(blocks, target, len(text))
}

// adaptiveRegions dispatches by document kind: markdown by header sections,
// code by declarations, prose by paragraph groups.
func (c *Chunker) adaptiveRegions(text string, kind types.DocumentKind, target int) []region {
	switch kind {
	case types.DocumentKindMarkdown:
		return c.markdownSections(text, target)
	case types.DocumentKindCode:
		return c.codeRegions(text, target)
	default:
		return packBlocks(paragraphBlocks(text), target, len(text))
	}
}

// hybridRegions runs the semantic strategy and re-splits any region past
// 1.5x the target with the adaptive strategy.
func (c *Chunker) hybridRegions(text string, kind types.DocumentKind, target int) []region {
	base := c.semanticRegions(text, target)
	limit := int(float64(target) * oversizeFactor)

	var out []region
	for _, r := range base {
		if CountTokens(text[r.start:r.end]) <= limit {
			out = append(out, r)
			continue
		}
		for _, sub := range c.adaptiveRegions(text[r.start:r.end], kind, target) {
			sub.start += r.start
			sub.end += r.start
			sub.kind = types.ChunkKindSplit
			out = append(out, sub)
		}
	}
	return out
}

// markdownSections chunks one region per header section; sections past 1.5x
// the target are split at paragraph boundaries into split_section chunks.
func (c *Chunker) markdownSections(text string, target int) []region {
	sections := splitAtLines(text, func(line string) bool {
		return headerLineRegex.MatchString(line)
	})
	limit := int(float64(target) * oversizeFactor)

	var out []region
	for _, sec := range sections {
		secText := text[sec.start:sec.end]
		if CountTokens(secText) <= limit {
			out = append(out, region{start: sec.start, end: sec.end, kind: types.ChunkKindSection})
			continue
		}
		parts := packBlocks(paragraphBlocks(secText), target, len(secText))
		for _, p := range parts {
			out = append(out, region{
				start: sec.start + p.start,
				end:   sec.start + p.end,
				kind:  types.ChunkKindSplitSection,
			})
		}
	}
	return out
}

// codeRegions packs declaration-delimited blocks up to the target.
func (c *Chunker) codeRegions(text string, target int) []region {
	decls := splitAtLines(text, func(line string) bool {
		return declLineRegex.MatchString(line)
	})
	blocks := make([]block, 0, len(decls))
	for _, d := range decls {
		blocks = append(blocks, block{
			start:  d.start,
			end:    d.end,
			tokens: CountTokens(text[d.start:d.end]),
			kind:   types.ChunkKindCode,
		})
	}
	return packBlocks(blocks, target, len(text))
}

// scanBlocks segments text at semantic boundaries in position order:
// paragraph breaks, section headers, code-fence edges, list-item starts,
// and table rows.
func scanBlocks(text string) []block {
	lines := strings.SplitAfter(text, "\n")
	var blocks []block
	cur := block{kind: types.ChunkKindParagraph}
	open := false
	inFence := false
	pos := 0

	flush := func(end int) {
		if open && end > cur.start {
			cur.end = end
			cur.tokens = CountTokens(text[cur.start:cur.end])
			blocks = append(blocks, cur)
		}
		open = false
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		fence := strings.HasPrefix(trimmed, "```")

		switch {
		case inFence:
			if fence {
				inFence = false
				flush(pos + len(line))
				pos += len(line)
				continue
			}
		case fence:
			flush(pos)
			cur = block{start: pos, kind: types.ChunkKindCode}
			open = true
			inFence = true
		case trimmed == "":
			flush(pos + len(line))
		case headerLineRegex.MatchString(trimmed):
			flush(pos)
			cur = block{start: pos, kind: types.ChunkKindSection}
			open = true
		case strings.HasPrefix(trimmed, "|"):
			if !open || cur.kind != types.ChunkKindTable {
				flush(pos)
				cur = block{start: pos, kind: types.ChunkKindTable}
				open = true
			}
		case listItemRegex.MatchString(line):
			flush(pos)
			cur = block{start: pos, kind: types.ChunkKindParagraph}
			open = true
		default:
			if !open {
				cur = block{start: pos, kind: types.ChunkKindParagraph}
				open = true
			}
		}
		pos += len(line)
	}
	flush(len(text))
	return blocks
}

// paragraphBlocks segments text at paragraph breaks only.
func paragraphBlocks(text string) []block {
	var blocks []block
	start := 0
	for start < len(text) {
		idx := strings.Index(text[start:], "\n\n")
		end := len(text)
		if idx >= 0 {
			end = start + idx + 2
		}
		if strings.TrimSpace(text[start:end]) != "" {
			blocks = append(blocks, block{
				start:  start,
				end:    end,
				tokens: CountTokens(text[start:end]),
				kind:   types.ChunkKindParagraph,
			})
		}
		start = end
	}
	return blocks
}

// packBlocks merges consecutive blocks while staying at or under the target.
// A single oversized block is its own region: boundaries are never split.
// Regions tile [0, textLen) so reconstruction is exact.
func packBlocks(blocks []block, target, textLen int) []region {
	if len(blocks) == 0 {
		if textLen == 0 {
			return nil
		}
		return []region{{start: 0, end: textLen, kind: types.ChunkKindParagraph}}
	}

	var regions []region
	cur := region{start: 0, kind: blocks[0].kind}
	tokens := 0

	for _, b := range blocks {
		if tokens > 0 && tokens+b.tokens > target {
			cur.end = b.start
			regions = append(regions, cur)
			cur = region{start: b.start, kind: b.kind}
			tokens = 0
		}
		if tokens == 0 {
			cur.kind = b.kind
		}
		tokens += b.tokens
	}
	cur.end = textLen
	regions = append(regions, cur)
	return regions
}

// lineRange is a half-open byte range covering whole lines.
type lineRange struct {
	start int
	end   int
}

// splitAtLines cuts text before every line matching the predicate. The text
// before the first match forms its own range.
func splitAtLines(text string, match func(string) bool) []lineRange {
	var cuts []int
	pos := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		if pos > 0 && match(strings.TrimRight(line, "\n")) {
			cuts = append(cuts, pos)
		}
		pos += len(line)
	}

	var out []lineRange
	prev := 0
	for _, cut := range cuts {
		if strings.TrimSpace(text[prev:cut]) != "" {
			out = append(out, lineRange{start: prev, end: cut})
		}
		prev = cut
	}
	if prev < len(text) && strings.TrimSpace(text[prev:]) != "" {
		out = append(out, lineRange{start: prev, end: len(text)})
	}
	if len(out) == 0 && len(text) > 0 {
		out = append(out, lineRange{start: 0, end: len(text)})
	}
	return out
}
