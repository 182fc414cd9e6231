package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/config"
	"rag-core/internal/conversation"
	"rag-core/internal/intervention"
	"rag-core/internal/logging"
	"rag-core/internal/relevance"
	"rag-core/internal/storage"
	"rag-core/pkg/types"
)

// convStore backs the engine with canned states; writes are kept for
// assertions.
type convStore struct {
	states map[string]*types.ConversationState
	writes []*storage.ConversationWrite
}

func newConvStore() *convStore {
	return &convStore{states: make(map[string]*types.ConversationState)}
}

func (s *convStore) Apply(_ context.Context, w *storage.ConversationWrite) error {
	s.writes = append(s.writes, w)
	return nil
}

func (s *convStore) LoadState(_ context.Context, conversationID string) (*types.ConversationState, error) {
	return s.states[conversationID], nil
}

func (s *convStore) LoadMessages(context.Context, []string) ([]types.Message, error) {
	return nil, nil
}

func (s *convStore) LoadRelevance(context.Context, string) (map[string]*types.MessageRelevance, error) {
	return nil, nil
}

func (s *convStore) LoadTopics(context.Context, string) ([]*types.ConversationTopic, error) {
	return nil, nil
}

func (s *convStore) LoadSummaries(context.Context, string, int) ([]*types.ConversationSummary, error) {
	return nil, nil
}

// recordedMessages flattens every message the engine persisted.
func (s *convStore) recordedMessages() []*types.Message {
	var out []*types.Message
	for _, w := range s.writes {
		out = append(out, w.Messages...)
	}
	return out
}

type fakeGenerator struct {
	reply   string
	err     error
	prompts []string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

// fakeAnalyzer serves canned analyses by path.
type fakeAnalyzer struct {
	analyses map[string]*types.DocumentAnalysis
	errs     map[string]error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, path string, _ int, _ bool) (*types.DocumentAnalysis, error) {
	if err := a.errs[path]; err != nil {
		return nil, err
	}
	if analysis, ok := a.analyses[path]; ok {
		return analysis, nil
	}
	return &types.DocumentAnalysis{Path: path, Kind: types.KindFromPath(path)}, nil
}

// fakeCatalog knows documents by filename and denies the listed IDs.
type fakeCatalog struct {
	docs    map[string]*Document
	denied  map[string]bool
	similar []string
}

func (c *fakeCatalog) FindByFilename(_ context.Context, name, _ string) (*Document, error) {
	return c.docs[name], nil
}

func (c *fakeCatalog) Similar(context.Context, string, string, int) ([]string, error) {
	return c.similar, nil
}

func (c *fakeCatalog) AccessAllowed(_ context.Context, docID, _, _ string) (bool, error) {
	return !c.denied[docID], nil
}

// taskStore is an in-memory intervention.Store.
type taskStore struct {
	tasks map[string]*types.InterventionTask
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: make(map[string]*types.InterventionTask)}
}

func (s *taskStore) Save(_ context.Context, task *types.InterventionTask) error {
	s.tasks[task.ID] = task
	return nil
}

func (s *taskStore) Get(_ context.Context, id string) (*types.InterventionTask, error) {
	return s.tasks[id], nil
}

func (s *taskStore) List(context.Context, types.TaskStatus, int) ([]*types.InterventionTask, error) {
	return nil, nil
}

func (s *taskStore) PendingCount(context.Context) (int64, error) {
	return int64(len(s.tasks)), nil
}

func (s *taskStore) PruneOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func testService(t *testing.T, generator Generator, analyzer Analyzer, catalog Catalog, queue *intervention.Queue) (*Service, *convStore) {
	t.Helper()
	logger := logging.NewNop()
	store := newConvStore()

	engine := conversation.NewEngine(&config.MemoryConfig{
		MaxContextTokens:         1000,
		PruningThreshold:         0.8,
		RelevanceDecayFactor:     0.9,
		TemporalDecayHours:       24,
		DecayKind:                "combined",
		TopicSimilarityThreshold: 0.7,
		MaxConversationLength:    100,
	}, store, nil, nil, "embed-001", logger)

	selector := relevance.New(&config.SelectorConfig{
		TagWeight:        0.4,
		SemanticWeight:   0.3,
		ContentWeight:    0.15,
		StructuralWeight: 0.05,
		FreshnessWeight:  0.1,
		MaxResults:       5,
	}, logger)

	svc := New(engine, selector, analyzer, nil, generator, catalog, queue, "embed-001", 500, logger)
	return svc, store
}

func writeCandidate(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("candidate body"), 0o600))
	return path
}

func stepNames(resp *Response) []string {
	names := make([]string, 0, len(resp.AgentSteps))
	for _, step := range resp.AgentSteps {
		names = append(names, step.Name)
	}
	return names
}

func TestService_RejectsEmptyMessage(t *testing.T) {
	svc, _ := testService(t, &fakeGenerator{reply: "hi"}, nil, nil, nil)

	_, err := svc.Chat(context.Background(), Request{Message: "   "})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestService_ChatRecordsBothSides(t *testing.T) {
	generator := &fakeGenerator{reply: "  The cache warms from tier two.  "}
	svc, store := testService(t, generator, nil, nil, nil)

	resp, err := svc.Chat(context.Background(), Request{
		ConversationID: "conv-7",
		Message:        "How does the cache warm up?",
	})
	require.NoError(t, err)

	assert.Equal(t, "conv-7", resp.ConversationID)
	assert.Equal(t, "The cache warms from tier two.", resp.Reply)
	assert.False(t, resp.Partial)
	assert.Empty(t, resp.InterventionID)

	assert.Equal(t, []string{"record-message", "gather-context", "generate-reply", "record-reply"},
		stepNames(resp))
	for _, step := range resp.AgentSteps {
		assert.Equal(t, "completed", step.Status, step.Name)
	}

	messages := store.recordedMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
	assert.Equal(t, resp.Reply, messages[1].Content)

	require.Len(t, generator.prompts, 1)
	assert.Contains(t, generator.prompts[0], "Question: How does the cache warm up?")
}

func TestService_GeneratesConversationID(t *testing.T) {
	svc, _ := testService(t, &fakeGenerator{reply: "ok"}, nil, nil, nil)

	resp, err := svc.Chat(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ConversationID)
}

func TestService_ArchivedConversationFailsHard(t *testing.T) {
	svc, store := testService(t, &fakeGenerator{reply: "ok"}, nil, nil, nil)

	now := time.Now().UTC()
	store.states["conv-9"] = &types.ConversationState{
		ConversationID: "conv-9",
		SessionStart:   now,
		LastActivity:   now,
		Archived:       true,
		Window: types.ContextWindow{
			MaxTokens:        1000,
			PruningThreshold: 0.8,
		},
	}

	_, err := svc.Chat(context.Background(), Request{ConversationID: "conv-9", Message: "anyone home?"})
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeConversationArchived, types.CodeOf(err))
	assert.ErrorIs(t, err, types.ErrConversationArchived)
}

func TestService_GenerationFailureFallsBack(t *testing.T) {
	queue := intervention.NewQueue(newTaskStore(), logging.NewNop(),
		map[types.ErrorCode]int{types.ErrorCodeProviderTransient: 1})
	svc, store := testService(t, &fakeGenerator{err: errors.New("model overloaded")}, nil, nil, queue)

	resp, err := svc.Chat(context.Background(), Request{Message: "summarize the rollout"})
	require.NoError(t, err)

	assert.True(t, resp.Partial)
	assert.NotEmpty(t, resp.InterventionID)
	assert.Equal(t, "I could not complete a full answer right now. Please try again.", resp.Reply)

	var genStep *AgentStep
	for i := range resp.AgentSteps {
		if resp.AgentSteps[i].Name == "generate-reply" {
			genStep = &resp.AgentSteps[i]
		}
	}
	require.NotNil(t, genStep)
	assert.Equal(t, "failed", genStep.Status)

	// The fallback reply still lands in the conversation record.
	messages := store.recordedMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
	assert.Equal(t, resp.Reply, messages[1].Content)
}

func TestService_SelectsDocumentsWithAccessControl(t *testing.T) {
	dir := t.TempDir()
	pathA := writeCandidate(t, dir, "a.md")
	pathB := writeCandidate(t, dir, "b.md")
	pathC := writeCandidate(t, dir, "c.md")

	analyzer := &fakeAnalyzer{analyses: map[string]*types.DocumentAnalysis{
		pathA: {Path: pathA, Tags: []types.Tag{
			{Name: "cache", Confidence: 0.9, Category: "keyword"},
			{Name: "warming", Confidence: 0.8, Category: "keyword"},
		}},
		pathB: {Path: pathB, Tags: []types.Tag{
			{Name: "cache", Confidence: 0.7, Category: "keyword"},
		}},
	}}
	catalog := &fakeCatalog{
		docs:   map[string]*Document{"c.md": {ID: "doc-c", Name: "c.md", Org: "acme"}},
		denied: map[string]bool{"doc-c": true},
	}

	svc, _ := testService(t, &fakeGenerator{reply: "ok"}, analyzer, catalog, nil)

	resp, err := svc.Chat(context.Background(), Request{
		Message:        "cache warming details",
		DocPaths:       []string{pathA, pathB, pathC},
		IncludeSources: true,
		Org:            "acme",
		User:           "dana",
	})
	require.NoError(t, err)
	assert.False(t, resp.Partial)

	// The denied document never reaches the selector; the richer match wins.
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, pathA, resp.Sources[0].Path)
	assert.Equal(t, pathB, resp.Sources[1].Path)
	assert.Greater(t, resp.Sources[0].Score, resp.Sources[1].Score)

	assert.Contains(t, stepNames(resp), "select-documents")
}

func TestService_MaxDocsTruncates(t *testing.T) {
	dir := t.TempDir()
	pathA := writeCandidate(t, dir, "a.md")
	pathB := writeCandidate(t, dir, "b.md")

	analyzer := &fakeAnalyzer{analyses: map[string]*types.DocumentAnalysis{
		pathA: {Path: pathA, Tags: []types.Tag{{Name: "cache", Confidence: 0.9, Category: "keyword"}}},
		pathB: {Path: pathB, Tags: []types.Tag{{Name: "cache", Confidence: 0.8, Category: "keyword"}}},
	}}

	svc, _ := testService(t, &fakeGenerator{reply: "ok"}, analyzer, nil, nil)

	resp, err := svc.Chat(context.Background(), Request{
		Message:        "cache behaviour",
		DocPaths:       []string{pathA, pathB},
		IncludeSources: true,
		MaxDocs:        1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, pathA, resp.Sources[0].Path)
}

func TestService_CandidateAnalysisFailuresSkip(t *testing.T) {
	dir := t.TempDir()
	pathA := writeCandidate(t, dir, "a.md")
	pathB := writeCandidate(t, dir, "b.md")

	analyzer := &fakeAnalyzer{
		analyses: map[string]*types.DocumentAnalysis{
			pathA: {Path: pathA, Tags: []types.Tag{{Name: "cache", Confidence: 0.9, Category: "keyword"}}},
		},
		errs: map[string]error{pathB: errors.New("unreadable")},
	}

	svc, _ := testService(t, &fakeGenerator{reply: "ok"}, analyzer, nil, nil)

	resp, err := svc.Chat(context.Background(), Request{
		Message:        "cache behaviour",
		DocPaths:       []string{pathA, pathB},
		IncludeSources: true,
	})
	require.NoError(t, err)

	// A broken candidate is skipped, never a turn failure.
	assert.False(t, resp.Partial)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, pathA, resp.Sources[0].Path)
}

func TestService_SuggestionsFromCatalog(t *testing.T) {
	catalog := &fakeCatalog{similar: []string{"runbook.md", "playbook.md"}}
	svc, _ := testService(t, &fakeGenerator{reply: "ok"}, nil, catalog, nil)

	resp, err := svc.Chat(context.Background(), Request{
		Message:  "deployment checklist",
		DocPaths: []string{"/docs/guide.md"},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Suggestions, "Also analyze runbook.md")
	assert.Contains(t, resp.Suggestions, "Also analyze playbook.md")
	assert.LessOrEqual(t, len(resp.Suggestions), maxSuggestions)
}

func TestKeywordTags(t *testing.T) {
	tags := keywordTags("the cache cache warming")
	require.Len(t, tags, 2)
	assert.Equal(t, types.Tag{Name: "cache", Confidence: 1.0, Category: "keyword"}, tags[0])
	assert.Equal(t, types.Tag{Name: "warming", Confidence: 0.75, Category: "keyword"}, tags[1])

	assert.Nil(t, keywordTags("a an the of"))
}

func TestBuildPrompt(t *testing.T) {
	rctx := &types.RelevantContext{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "how do retries work"},
		},
		Summaries: []types.ConversationSummary{
			{Content: "Discussed the retry policy."},
		},
	}
	sources := []types.ScoredDocument{{Path: "/docs/retries.md", Score: 0.85}}

	prompt := buildPrompt("and the breaker?", rctx, sources)
	assert.Contains(t, prompt, "Conversation so far:\n- Discussed the retry policy.")
	assert.Contains(t, prompt, "user: how do retries work")
	assert.Contains(t, prompt, "/docs/retries.md (relevance 0.85)")
	assert.Contains(t, prompt, "Question: and the breaker?")
}

func TestFallbackReply(t *testing.T) {
	withSummary := &types.RelevantContext{
		Summaries: []types.ConversationSummary{{Content: "We covered chunk sizing."}},
	}
	assert.Contains(t, fallbackReply(withSummary, nil), "We covered chunk sizing.")

	sources := []types.ScoredDocument{{Path: "/docs/a.md"}, {Path: "/docs/b.md"}}
	assert.Contains(t, fallbackReply(nil, sources), "/docs/a.md, /docs/b.md")

	assert.Equal(t, "I could not complete a full answer right now. Please try again.",
		fallbackReply(nil, nil))
}
