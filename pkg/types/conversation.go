package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority ranks a message for pruning decisions. Critical messages are never
// pruned out of the active window.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityArchive  Priority = "archive"
)

// DecayKind selects how message relevance decays during pruning.
type DecayKind string

const (
	DecayTemporal   DecayKind = "temporal"
	DecayPositional DecayKind = "positional"
	DecayCombined   DecayKind = "combined"
)

// MessageRole distinguishes user-authored messages from generated ones.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	TokenCount     int         `json:"token_count"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(conversationID string, role MessageRole, content string, tokens int) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokens,
		CreatedAt:      time.Now().UTC(),
	}
}

// MessageRelevance tracks the decaying relevance of one message.
// Current always equals Base multiplied by every decay applied so far.
type MessageRelevance struct {
	MessageID      string             `json:"message_id"`
	Base           float64            `json:"base"`
	Current        float64            `json:"current"`
	DecayFactor    float64            `json:"decay_factor"`
	LastUpdated    time.Time          `json:"last_updated"`
	TopicRelevance map[string]float64 `json:"topic_relevance,omitempty"`
	Priority       Priority           `json:"priority"`
	AccessCount    int64              `json:"access_count"`
}

// ApplyDecay multiplies the current relevance by factor, clamped to [0,1].
func (r *MessageRelevance) ApplyDecay(factor float64, now time.Time) {
	r.Current *= factor
	if r.Current < 0 {
		r.Current = 0
	}
	if r.Current > 1 {
		r.Current = 1
	}
	r.LastUpdated = now
}

// ContextWindow is the bounded active view of a conversation. Active and
// archived message sets are disjoint.
type ContextWindow struct {
	ActiveMessageIDs   []string  `json:"active_message_ids"`
	ArchivedMessageIDs []string  `json:"archived_message_ids"`
	ActiveSummaryIDs   []string  `json:"active_summary_ids"`
	CurrentTokens      int       `json:"current_tokens"`
	MaxTokens          int       `json:"max_tokens"`
	PruningThreshold   float64   `json:"pruning_threshold"` // in (0.5, 1]
	LastPrunedAt       time.Time `json:"last_pruned_at"`
	CompressionCount   int       `json:"compression_count"`
}

// Validate checks window invariants.
func (w *ContextWindow) Validate() error {
	if w.PruningThreshold <= 0.5 || w.PruningThreshold > 1 {
		return fmt.Errorf("pruning threshold %.3f out of (0.5, 1]", w.PruningThreshold)
	}
	seen := make(map[string]struct{}, len(w.ActiveMessageIDs))
	for _, id := range w.ActiveMessageIDs {
		seen[id] = struct{}{}
	}
	for _, id := range w.ArchivedMessageIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("message %s is both active and archived", id)
		}
	}
	return nil
}

// ConversationState is the root record of a multi-turn conversation.
type ConversationState struct {
	ConversationID  string        `json:"conversation_id"`
	CurrentTopicID  string        `json:"current_topic_id,omitempty"`
	PreviousTopicID string        `json:"previous_topic_id,omitempty"`
	TopicHistory    []string      `json:"topic_history"`
	MessageCount    int           `json:"message_count"`
	TurnCount       int           `json:"turn_count"`
	SessionStart    time.Time     `json:"session_start"`
	LastActivity    time.Time     `json:"last_activity"`
	Window          ContextWindow `json:"context_window"`
	Archived        bool          `json:"archived"`
}

// Validate checks the state invariants.
func (s *ConversationState) Validate() error {
	if s.TurnCount > s.MessageCount {
		return fmt.Errorf("conversation %s: turn count (%d) exceeds message count (%d)",
			s.ConversationID, s.TurnCount, s.MessageCount)
	}
	if s.CurrentTopicID != "" {
		found := false
		for _, id := range s.TopicHistory {
			if id == s.CurrentTopicID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("conversation %s: current topic %s not in history", s.ConversationID, s.CurrentTopicID)
		}
	}
	return s.Window.Validate()
}

// TopicKeyword is one keyword with its multiset count.
type TopicKeyword struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// ConversationTopic is a detected topic cluster. Subtopics form a tree held
// by stable IDs, never pointers.
type ConversationTopic struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Keywords      []TopicKeyword `json:"keywords"` // multiset semantics
	Confidence    float64        `json:"confidence"`
	FirstMention  time.Time      `json:"first_mention"`
	LastMention   time.Time      `json:"last_mention"`
	MessageCount  int            `json:"message_count"`
	Embedding     []float32      `json:"embedding,omitempty"`
	ParentTopicID string         `json:"parent_topic_id,omitempty"`
	SubtopicIDs   []string       `json:"subtopic_ids,omitempty"`
}

// SummaryKind classifies a conversation summary.
type SummaryKind string

const (
	SummaryPeriodic SummaryKind = "periodic"
	SummaryTopic    SummaryKind = "topic"
	SummarySession  SummaryKind = "session"
)

// ConversationSummary is a compressed record covering a set of messages.
// Summaries may be superseded by later summaries but are never silently
// dropped.
type ConversationSummary struct {
	ID                 string      `json:"id"`
	ConversationID     string      `json:"conversation_id"`
	Kind               SummaryKind `json:"kind"`
	Content            string      `json:"content"`
	CoveredMessageIDs  []string    `json:"covered_message_ids"`
	CoveredTopicIDs    []string    `json:"covered_topic_ids,omitempty"`
	TokenCount         int         `json:"token_count"`
	OriginalTokenCount int         `json:"original_token_count"`
	Relevance          float64     `json:"relevance"`
	CreatedAt          time.Time   `json:"created_at"`
}

// CompressionRatio is token-count over original-token-count.
func (s *ConversationSummary) CompressionRatio() float64 {
	if s.OriginalTokenCount == 0 {
		return 0
	}
	return float64(s.TokenCount) / float64(s.OriginalTokenCount)
}

// TransitionKind classifies how a conversation moved between topics.
type TransitionKind string

const (
	TransitionGradual TransitionKind = "gradual"
	TransitionAbrupt  TransitionKind = "abrupt"
	TransitionReturn  TransitionKind = "return"
	TransitionNew     TransitionKind = "new"
)

// TopicTransition is an append-only event recording a topic change.
// A "new" transition has no from-topic.
type TopicTransition struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	FromTopicID     string         `json:"from_topic_id,omitempty"`
	ToTopicID       string         `json:"to_topic_id"`
	Kind            TransitionKind `json:"kind"`
	MessageID       string         `json:"message_id"`
	Confidence      float64        `json:"confidence"`
	SimilarityScore float64        `json:"similarity_score"`
	BridgingContext string         `json:"bridging_context,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ConversationArchive is written when a conversation exceeds its maximum
// length; the live state is marked archived afterwards.
type ConversationArchive struct {
	ConversationID string    `json:"conversation_id"`
	MessageCount   int       `json:"message_count"`
	SummaryIDs     []string  `json:"summary_ids"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// RelevantContext is the best-fitting context for a new query: top active
// messages by relevance, related topics, and recent summaries.
type RelevantContext struct {
	Messages  []Message             `json:"messages"`
	Topics    []ConversationTopic   `json:"topics"`
	Summaries []ConversationSummary `json:"summaries"`
	Tokens    int                   `json:"tokens"`
}

// MemoryMetrics samples the engine state for observability.
type MemoryMetrics struct {
	ConversationID string    `json:"conversation_id"`
	ActiveMessages int       `json:"active_messages"`
	ArchivedCount  int       `json:"archived_count"`
	SummaryCount   int       `json:"summary_count"`
	TopicCount     int       `json:"topic_count"`
	CurrentTokens  int       `json:"current_tokens"`
	PruneCount     int       `json:"prune_count"`
	SampledAt      time.Time `json:"sampled_at"`
}
