// Package conversation maintains bounded, relevance-ranked multi-turn
// context: message relevance decay, topic tracking, summarization, pruning,
// and archival.
package conversation

import (
	"math"
	"sort"
	"strings"

	"rag-core/pkg/types"
)

// maxTopicKeywords bounds the keyword multiset per topic.
const maxTopicKeywords = 10

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "they": {}, "from": {}, "what": {}, "been": {},
	"were": {}, "when": {}, "will": {}, "would": {}, "there": {}, "their": {},
	"which": {}, "about": {}, "could": {}, "should": {}, "into": {}, "than": {},
	"then": {}, "them": {}, "these": {}, "some": {}, "such": {}, "only": {},
	"over": {}, "also": {}, "your": {}, "just": {}, "like": {}, "more": {},
	"does": {}, "did": {}, "how": {}, "why": {}, "who": {}, "its": {},
}

// ExtractKeywords returns the stop-word-filtered top keywords of content by
// frequency, as a multiset. Ties break alphabetically so extraction is
// deterministic.
func ExtractKeywords(content string) []types.TopicKeyword {
	counts := make(map[string]int)
	for _, raw := range strings.Fields(strings.ToLower(content)) {
		word := strings.Trim(raw, ".,;:!?\"'()[]{}<>`*_-")
		if len(word) < 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		counts[word]++
	}

	keywords := make([]types.TopicKeyword, 0, len(counts))
	for word, count := range counts {
		keywords = append(keywords, types.TopicKeyword{Word: word, Count: count})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Count != keywords[j].Count {
			return keywords[i].Count > keywords[j].Count
		}
		return keywords[i].Word < keywords[j].Word
	})
	if len(keywords) > maxTopicKeywords {
		keywords = keywords[:maxTopicKeywords]
	}
	return keywords
}

// mergeKeywords folds new keyword counts into a topic's multiset, keeping
// the top entries.
func mergeKeywords(existing, incoming []types.TopicKeyword) []types.TopicKeyword {
	counts := make(map[string]int, len(existing)+len(incoming))
	for _, k := range existing {
		counts[k.Word] += k.Count
	}
	for _, k := range incoming {
		counts[k.Word] += k.Count
	}

	merged := make([]types.TopicKeyword, 0, len(counts))
	for word, count := range counts {
		merged = append(merged, types.TopicKeyword{Word: word, Count: count})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Count != merged[j].Count {
			return merged[i].Count > merged[j].Count
		}
		return merged[i].Word < merged[j].Word
	})
	if len(merged) > maxTopicKeywords {
		merged = merged[:maxTopicKeywords]
	}
	return merged
}

// topicName labels a topic from its strongest keywords.
func topicName(keywords []types.TopicKeyword) string {
	n := len(keywords)
	if n > 3 {
		n = 3
	}
	parts := make([]string, 0, n)
	for _, k := range keywords[:n] {
		parts = append(parts, k.Word)
	}
	if len(parts) == 0 {
		return "general"
	}
	return strings.Join(parts, " ")
}

// Cosine computes cosine similarity between two vectors; mismatched or empty
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
