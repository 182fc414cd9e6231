package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"rag-core/internal/chunking"
	"rag-core/internal/storage"
	"rag-core/pkg/types"
)

// summarize compresses the last summary-threshold messages into a
// ConversationSummary. The operation is idempotent per message-set: a
// duplicate trigger for the same set produces no second summary.
func (e *Engine) summarize(ctx context.Context, ln *lane, write *storage.ConversationWrite, now time.Time) {
	covered := lastMessages(ln, e.cfg.SummaryThreshold)
	if len(covered) == 0 {
		return
	}

	coveredIDs := make([]string, 0, len(covered))
	originalTokens := 0
	for _, m := range covered {
		coveredIDs = append(coveredIDs, m.ID)
		originalTokens += m.TokenCount
	}
	if e.alreadySummarized(ln, coveredIDs) {
		return
	}

	content := e.summaryText(ctx, covered)
	if content == "" {
		return
	}
	tokens := chunking.CountTokens(content)
	if tokens > originalTokens {
		// A summary longer than its source is useless; keep the cheaper
		// extractive form.
		content = extractiveSummary(covered)
		tokens = chunking.CountTokens(content)
	}

	topicIDs := coveredTopics(ln, coveredIDs)
	summary := &types.ConversationSummary{
		ID:                 uuid.New().String(),
		ConversationID:     ln.state.ConversationID,
		Kind:               types.SummaryPeriodic,
		Content:            content,
		CoveredMessageIDs:  coveredIDs,
		CoveredTopicIDs:    topicIDs,
		TokenCount:         tokens,
		OriginalTokenCount: originalTokens,
		Relevance:          1.0,
		CreatedAt:          now,
	}

	ln.summaries = append(ln.summaries, summary)
	ln.state.Window.ActiveSummaryIDs = append(ln.state.Window.ActiveSummaryIDs, summary.ID)
	ln.state.Window.CurrentTokens += tokens
	write.Summaries = append(write.Summaries, summary)

	e.logger.Debug("conversation summarized",
		"conversation_id", ln.state.ConversationID,
		"covered", len(coveredIDs),
		"compression", summary.CompressionRatio())
}

// lastMessages returns the most recent n messages across active and
// archived sets, in chronological order.
func lastMessages(ln *lane, n int) []*types.Message {
	all := make([]*types.Message, 0, len(ln.messages))
	for _, m := range ln.messages {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// alreadySummarized reports whether a summary for exactly this message-set
// exists.
func (e *Engine) alreadySummarized(ln *lane, coveredIDs []string) bool {
	want := make(map[string]struct{}, len(coveredIDs))
	for _, id := range coveredIDs {
		want[id] = struct{}{}
	}
	for _, s := range ln.summaries {
		if len(s.CoveredMessageIDs) != len(want) {
			continue
		}
		match := true
		for _, id := range s.CoveredMessageIDs {
			if _, ok := want[id]; !ok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// summaryText produces the summary content: generated when a generator is
// available, extractive otherwise.
func (e *Engine) summaryText(ctx context.Context, covered []*types.Message) string {
	if e.generator != nil {
		var b strings.Builder
		b.WriteString("Summarize the following conversation excerpt in at most three sentences:\n\n")
		for _, m := range covered {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		text, err := e.generator.Generate(ctx, b.String())
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			e.logger.Warn("summary generation failed, using extractive fallback", "error", err.Error())
		}
	}
	return extractiveSummary(covered)
}

// extractiveSummary joins the first sentence of each message.
func extractiveSummary(covered []*types.Message) string {
	parts := make([]string, 0, len(covered))
	for _, m := range covered {
		parts = append(parts, firstSentence(m.Content))
	}
	return strings.Join(parts, " ")
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return content[:i+1]
		}
	}
	const max = 120
	if len(content) > max {
		return content[:max]
	}
	return content
}

// coveredTopics collects the topics the covered messages touched.
func coveredTopics(ln *lane, coveredIDs []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range coveredIDs {
		rel := ln.relevance[id]
		if rel == nil {
			continue
		}
		for topicID := range rel.TopicRelevance {
			if _, ok := seen[topicID]; !ok {
				seen[topicID] = struct{}{}
				out = append(out, topicID)
			}
		}
	}
	sort.Strings(out)
	return out
}
