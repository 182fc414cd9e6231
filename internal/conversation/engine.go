package conversation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rag-core/internal/chunking"
	"rag-core/internal/config"
	"rag-core/internal/logging"
	"rag-core/internal/storage"
	"rag-core/pkg/types"
)

// pruneTarget is the fraction of max-tokens pruning reduces the window to.
const pruneTarget = 0.7

// topicMatchFloor is the minimum cosine similarity for a topic to be
// surfaced in relevant context.
const topicMatchFloor = 0.5

// Embedder is the embedding capability the engine consumes for topics.
type Embedder interface {
	Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error)
}

// Generator produces summary text. A nil generator falls back to extractive
// summaries.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Store is the persistence the engine needs; storage.ConversationStore is
// the production implementation.
type Store interface {
	Apply(ctx context.Context, w *storage.ConversationWrite) error
	LoadState(ctx context.Context, conversationID string) (*types.ConversationState, error)
	LoadMessages(ctx context.Context, ids []string) ([]types.Message, error)
	LoadRelevance(ctx context.Context, conversationID string) (map[string]*types.MessageRelevance, error)
	LoadTopics(ctx context.Context, conversationID string) ([]*types.ConversationTopic, error)
	LoadSummaries(ctx context.Context, conversationID string, limit int) ([]*types.ConversationSummary, error)
}

// lane is the in-memory working set of one conversation. Each conversation
// is a single logical lane: operations on it are serialized by its mutex,
// while distinct lanes proceed independently.
type lane struct {
	mu        sync.Mutex
	state     *types.ConversationState
	messages  map[string]*types.Message
	relevance map[string]*types.MessageRelevance
	topics    []*types.ConversationTopic
	summaries []*types.ConversationSummary
}

// Engine is the conversation memory engine.
type Engine struct {
	cfg            *config.MemoryConfig
	store          Store
	embedder       Embedder
	generator      Generator
	embeddingModel string
	logger         logging.Logger

	mu    sync.Mutex
	lanes map[string]*lane

	now func() time.Time
}

// NewEngine creates an Engine. embedder and generator may be nil; topic
// embeddings and generated summaries degrade gracefully without them.
func NewEngine(cfg *config.MemoryConfig, store Store, embedder Embedder, generator Generator, embeddingModel string, logger logging.Logger) *Engine {
	return &Engine{
		cfg:            cfg,
		store:          store,
		embedder:       embedder,
		generator:      generator,
		embeddingModel: embeddingModel,
		logger:         logger.WithComponent("conversation"),
		lanes:          make(map[string]*lane),
		now:            time.Now,
	}
}

// AddMessage runs the per-message lifecycle: relevance assignment, window
// append, topic tracking, pruning, summarization, and archival, persisted as
// one transaction.
func (e *Engine) AddMessage(ctx context.Context, conversationID string, role types.MessageRole, content string) (*types.Message, error) {
	ln, err := e.lane(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	if ln.state.Archived {
		return nil, types.NewError(types.ErrorCodeConversationArchived,
			fmt.Sprintf("conversation %s", conversationID), types.ErrConversationArchived)
	}

	now := e.now().UTC()
	msg := types.NewMessage(conversationID, role, content, chunking.CountTokens(content))
	msg.CreatedAt = now

	priority := types.PriorityMedium
	if role == types.RoleUser {
		priority = types.PriorityHigh
	}
	rel := &types.MessageRelevance{
		MessageID:   msg.ID,
		Base:        1.0,
		Current:     1.0,
		DecayFactor: e.cfg.RelevanceDecayFactor,
		LastUpdated: now,
		Priority:    priority,
	}

	ln.messages[msg.ID] = msg
	ln.relevance[msg.ID] = rel
	ln.state.Window.ActiveMessageIDs = append(ln.state.Window.ActiveMessageIDs, msg.ID)
	ln.state.Window.CurrentTokens += msg.TokenCount
	ln.state.MessageCount++
	if role == types.RoleUser {
		ln.state.TurnCount++
	}
	ln.state.LastActivity = now

	write := &storage.ConversationWrite{
		State:     ln.state,
		Messages:  []*types.Message{msg},
		Relevance: []*types.MessageRelevance{rel},
	}

	e.trackTopic(ctx, ln, msg, rel, write, now)

	if float64(ln.state.Window.CurrentTokens) > float64(ln.state.Window.MaxTokens)*ln.state.Window.PruningThreshold {
		e.prune(ln, write, now)
	}

	if e.cfg.SummaryThreshold > 0 && ln.state.MessageCount%e.cfg.SummaryThreshold == 0 {
		e.summarize(ctx, ln, write, now)
	}

	if ln.state.MessageCount > e.cfg.MaxConversationLength {
		e.archive(ln, write, now)
	}

	if err := e.store.Apply(ctx, write); err != nil {
		return nil, err
	}
	return msg, nil
}

// lane returns the working set for a conversation, loading persisted state
// on first touch.
func (e *Engine) lane(ctx context.Context, conversationID string) (*lane, error) {
	e.mu.Lock()
	if ln, ok := e.lanes[conversationID]; ok {
		e.mu.Unlock()
		return ln, nil
	}
	e.mu.Unlock()

	ln, err := e.loadLane(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.lanes[conversationID]; ok {
		return existing, nil
	}
	e.lanes[conversationID] = ln
	return ln, nil
}

func (e *Engine) loadLane(ctx context.Context, conversationID string) (*lane, error) {
	state, err := e.store.LoadState(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if state == nil {
		state = &types.ConversationState{
			ConversationID: conversationID,
			SessionStart:   now,
			LastActivity:   now,
			Window: types.ContextWindow{
				MaxTokens:        e.cfg.MaxContextTokens,
				PruningThreshold: e.cfg.PruningThreshold,
			},
		}
		return &lane{
			state:     state,
			messages:  make(map[string]*types.Message),
			relevance: make(map[string]*types.MessageRelevance),
		}, nil
	}

	ln := &lane{
		state:     state,
		messages:  make(map[string]*types.Message),
		relevance: make(map[string]*types.MessageRelevance),
	}

	ids := append(append([]string{}, state.Window.ActiveMessageIDs...), state.Window.ArchivedMessageIDs...)
	messages, err := e.store.LoadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		m := messages[i]
		ln.messages[m.ID] = &m
	}

	if ln.relevance, err = e.store.LoadRelevance(ctx, conversationID); err != nil {
		return nil, err
	}
	if ln.topics, err = e.store.LoadTopics(ctx, conversationID); err != nil {
		return nil, err
	}
	if ln.summaries, err = e.store.LoadSummaries(ctx, conversationID, 50); err != nil {
		return nil, err
	}
	return ln, nil
}

// trackTopic extracts keywords, embeds them, and merges with an existing
// topic or opens a new one, recording the transition.
func (e *Engine) trackTopic(ctx context.Context, ln *lane, msg *types.Message, rel *types.MessageRelevance, write *storage.ConversationWrite, now time.Time) {
	keywords := ExtractKeywords(msg.Content)
	if len(keywords) == 0 {
		return
	}

	var embedding []float32
	if e.embedder != nil {
		v, err := e.embedder.Embed(ctx, msg.Content, e.embeddingModel, "CLUSTERING")
		if err != nil {
			e.logger.Warn("topic embedding failed, keyword-only matching",
				"conversation_id", msg.ConversationID, "error", err.Error())
		} else {
			embedding = v
		}
	}

	best, bestSim := e.closestTopic(ln, keywords, embedding)

	if best != nil && bestSim >= e.cfg.TopicSimilarityThreshold {
		best.Keywords = mergeKeywords(best.Keywords, keywords)
		best.LastMention = now
		best.MessageCount++
		if best.Confidence < 1.0 {
			best.Confidence = math.Min(1.0, best.Confidence+0.05)
		}
		write.Topics = append(write.Topics, best)
		rel.TopicRelevance = map[string]float64{best.ID: bestSim}
		e.switchTopic(ln, write, best.ID, msg.ID, bestSim, now)
		return
	}

	topic := &types.ConversationTopic{
		ID:           uuid.New().String(),
		Name:         topicName(keywords),
		Keywords:     keywords,
		Confidence:   0.6,
		FirstMention: now,
		LastMention:  now,
		MessageCount: 1,
		Embedding:    embedding,
	}
	ln.topics = append(ln.topics, topic)
	write.Topics = append(write.Topics, topic)
	rel.TopicRelevance = map[string]float64{topic.ID: 1.0}
	e.switchTopic(ln, write, topic.ID, msg.ID, bestSim, now)
}

// closestTopic finds the most similar existing topic, by embedding cosine
// when available, else keyword overlap.
func (e *Engine) closestTopic(ln *lane, keywords []types.TopicKeyword, embedding []float32) (*types.ConversationTopic, float64) {
	var best *types.ConversationTopic
	bestSim := 0.0
	for _, t := range ln.topics {
		var sim float64
		if len(embedding) > 0 && len(t.Embedding) > 0 {
			sim = Cosine(embedding, t.Embedding)
		} else {
			sim = keywordOverlap(keywords, t.Keywords)
		}
		if sim > bestSim {
			best = t
			bestSim = sim
		}
	}
	return best, bestSim
}

func keywordOverlap(a, b []types.TopicKeyword) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, k := range b {
		set[k.Word] = struct{}{}
	}
	shared := 0
	for _, k := range a {
		if _, ok := set[k.Word]; ok {
			shared++
		}
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return float64(shared) / float64(max)
}

// switchTopic updates the current-topic pointers and records a transition
// when the topic actually changed.
func (e *Engine) switchTopic(ln *lane, write *storage.ConversationWrite, topicID, messageID string, similarity float64, now time.Time) {
	if ln.state.CurrentTopicID == topicID {
		return
	}

	kind := types.TransitionNew
	switch {
	case ln.state.CurrentTopicID == "":
		kind = types.TransitionNew
	case inHistory(ln.state.TopicHistory, topicID):
		kind = types.TransitionReturn
	case similarity >= e.cfg.TopicSimilarityThreshold/2:
		kind = types.TransitionGradual
	default:
		kind = types.TransitionAbrupt
	}

	transition := &types.TopicTransition{
		ID:              uuid.New().String(),
		ConversationID:  ln.state.ConversationID,
		ToTopicID:       topicID,
		Kind:            kind,
		MessageID:       messageID,
		Confidence:      0.8,
		SimilarityScore: similarity,
		CreatedAt:       now,
	}
	if kind != types.TransitionNew {
		transition.FromTopicID = ln.state.CurrentTopicID
	}
	write.Transitions = append(write.Transitions, transition)

	ln.state.PreviousTopicID = ln.state.CurrentTopicID
	ln.state.CurrentTopicID = topicID
	if !inHistory(ln.state.TopicHistory, topicID) {
		ln.state.TopicHistory = append(ln.state.TopicHistory, topicID)
	}
}

func inHistory(history []string, id string) bool {
	for _, h := range history {
		if h == id {
			return true
		}
	}
	return false
}

// prune decays active relevances and archives the lowest until the window
// fits under pruneTarget of max-tokens. Critical and high priority messages
// are never archived.
func (e *Engine) prune(ln *lane, write *storage.ConversationWrite, now time.Time) {
	decay := types.DecayKind(e.cfg.DecayKind)

	for _, id := range ln.state.Window.ActiveMessageIDs {
		rel := ln.relevance[id]
		msg := ln.messages[id]
		if rel == nil || msg == nil {
			continue
		}
		factor := 1.0
		if decay == types.DecayTemporal || decay == types.DecayCombined {
			ageHours := now.Sub(msg.CreatedAt).Hours()
			factor *= math.Exp(-ageHours / e.cfg.TemporalDecayHours)
		}
		if decay == types.DecayPositional || decay == types.DecayCombined {
			factor *= e.cfg.RelevanceDecayFactor
		}
		rel.ApplyDecay(factor, now)
		write.Relevance = appendRelevance(write.Relevance, rel)
	}

	ordered := append([]string{}, ln.state.Window.ActiveMessageIDs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return relevanceOf(ln, ordered[i]) < relevanceOf(ln, ordered[j])
	})

	target := int(float64(ln.state.Window.MaxTokens) * pruneTarget)
	archived := make(map[string]struct{})
	for _, id := range ordered {
		if ln.state.Window.CurrentTokens <= target {
			break
		}
		rel := ln.relevance[id]
		msg := ln.messages[id]
		if rel == nil || msg == nil {
			continue
		}
		if rel.Priority == types.PriorityCritical || rel.Priority == types.PriorityHigh {
			continue
		}
		archived[id] = struct{}{}
		ln.state.Window.ArchivedMessageIDs = append(ln.state.Window.ArchivedMessageIDs, id)
		ln.state.Window.CurrentTokens -= msg.TokenCount
	}
	if len(archived) == 0 {
		return
	}

	kept := ln.state.Window.ActiveMessageIDs[:0]
	for _, id := range ln.state.Window.ActiveMessageIDs {
		if _, gone := archived[id]; !gone {
			kept = append(kept, id)
		}
	}
	ln.state.Window.ActiveMessageIDs = kept
	ln.state.Window.LastPrunedAt = now
	ln.state.Window.CompressionCount++

	e.logger.Debug("context window pruned",
		"conversation_id", ln.state.ConversationID,
		"archived", len(archived),
		"current_tokens", ln.state.Window.CurrentTokens)
}

func relevanceOf(ln *lane, id string) float64 {
	if rel := ln.relevance[id]; rel != nil {
		return rel.Current
	}
	return 0
}

func appendRelevance(list []*types.MessageRelevance, rel *types.MessageRelevance) []*types.MessageRelevance {
	for _, r := range list {
		if r.MessageID == rel.MessageID {
			return list
		}
	}
	return append(list, rel)
}

// archive writes the archive record and marks the state; later writes fail
// with ConversationArchived.
func (e *Engine) archive(ln *lane, write *storage.ConversationWrite, now time.Time) {
	ln.state.Archived = true
	e.logger.Info("conversation archived",
		"conversation_id", ln.state.ConversationID,
		"messages", ln.state.MessageCount)
	write.Archive = &types.ConversationArchive{
		ConversationID: ln.state.ConversationID,
		MessageCount:   ln.state.MessageCount,
		SummaryIDs:     ln.state.Window.ActiveSummaryIDs,
		ArchivedAt:     now,
	}
	write.Metrics = e.metricsLocked(ln, now)
}

// RelevantContext returns the best-fitting context for a query: top active
// messages by relevance within the token budget, up to five similar topics,
// and up to three recent summaries.
func (e *Engine) RelevantContext(ctx context.Context, conversationID, query string, maxTokens int) (*types.RelevantContext, error) {
	ln, err := e.lane(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	out := &types.RelevantContext{}

	ordered := append([]string{}, ln.state.Window.ActiveMessageIDs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return relevanceOf(ln, ordered[i]) > relevanceOf(ln, ordered[j])
	})
	budget := maxTokens
	for _, id := range ordered {
		msg := ln.messages[id]
		if msg == nil {
			continue
		}
		if budget-msg.TokenCount < 0 {
			break
		}
		budget -= msg.TokenCount
		out.Messages = append(out.Messages, *msg)
		out.Tokens += msg.TokenCount
	}

	if e.embedder != nil && query != "" && len(ln.topics) > 0 {
		queryVec, err := e.embedder.Embed(ctx, query, e.embeddingModel, "RETRIEVAL_QUERY")
		if err != nil {
			e.logger.Warn("query embedding failed, skipping topic matching",
				"conversation_id", conversationID, "error", err.Error())
		} else {
			type scored struct {
				topic *types.ConversationTopic
				sim   float64
			}
			var matches []scored
			for _, t := range ln.topics {
				if sim := Cosine(queryVec, t.Embedding); sim >= topicMatchFloor {
					matches = append(matches, scored{topic: t, sim: sim})
				}
			}
			sort.Slice(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
			for i := 0; i < len(matches) && i < 5; i++ {
				out.Topics = append(out.Topics, *matches[i].topic)
			}
		}
	}

	summaries := ln.summaries
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	for i := 0; i < len(summaries) && i < 3; i++ {
		out.Summaries = append(out.Summaries, *summaries[i])
	}

	return out, nil
}

// State returns a copy of the conversation state.
func (e *Engine) State(ctx context.Context, conversationID string) (*types.ConversationState, error) {
	ln, err := e.lane(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	state := *ln.state
	return &state, nil
}

// Metrics samples one conversation's memory counters.
func (e *Engine) Metrics(ctx context.Context, conversationID string) (*types.MemoryMetrics, error) {
	ln, err := e.lane(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return e.metricsLocked(ln, e.now().UTC()), nil
}

func (e *Engine) metricsLocked(ln *lane, now time.Time) *types.MemoryMetrics {
	return &types.MemoryMetrics{
		ConversationID: ln.state.ConversationID,
		ActiveMessages: len(ln.state.Window.ActiveMessageIDs),
		ArchivedCount:  len(ln.state.Window.ArchivedMessageIDs),
		SummaryCount:   len(ln.state.Window.ActiveSummaryIDs),
		TopicCount:     len(ln.topics),
		CurrentTokens:  ln.state.Window.CurrentTokens,
		PruneCount:     ln.state.Window.CompressionCount,
		SampledAt:      now,
	}
}
