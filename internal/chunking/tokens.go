package chunking

import "unicode"

// span is a token's byte range within the source text.
type span struct {
	start int
	end   int
}

// tokenize splits text into whitespace-delimited tokens with byte offsets.
// Token counts everywhere in this package derive from this one function so
// chunk sizes, overlaps, and budgets agree.
func tokenize(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// CountTokens returns the token count of text.
func CountTokens(text string) int {
	count := 0
	inToken := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inToken = false
			continue
		}
		if !inToken {
			count++
			inToken = true
		}
	}
	return count
}

// lastTokensStart returns the byte offset where the last n tokens of text
// begin, or 0 when text has fewer than n tokens. n<=0 returns len(text).
func lastTokensStart(text string, n int) int {
	if n <= 0 {
		return len(text)
	}
	spans := tokenize(text)
	if len(spans) == 0 {
		return len(text)
	}
	if n >= len(spans) {
		return spans[0].start
	}
	return spans[len(spans)-n].start
}
