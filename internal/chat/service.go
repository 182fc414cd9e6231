// Package chat composes the conversation engine, relevance selector, and
// generation provider into the conversational query operation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"rag-core/internal/conversation"
	"rag-core/internal/intervention"
	"rag-core/internal/logging"
	"rag-core/internal/relevance"
	"rag-core/pkg/types"
)

// ErrEmptyMessage rejects requests without a message; the dispatcher maps it
// to a client error.
var ErrEmptyMessage = errors.New("chat message is required")

// maxSuggestions bounds the follow-up suggestions per reply.
const maxSuggestions = 5

// Embedder is the embedding capability used for query vectors.
type Embedder interface {
	Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error)
}

// Generator produces the reply text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Analyzer labels candidate documents so the selector can rank them.
type Analyzer interface {
	Analyze(ctx context.Context, path string, maxTags int, withSummary bool) (*types.DocumentAnalysis, error)
}

// Catalog is the read-only document catalog capability. All methods are
// optional from the service's perspective; a nil catalog disables
// access checks and similar-document suggestions.
type Catalog interface {
	FindByFilename(ctx context.Context, name, org string) (*Document, error)
	Similar(ctx context.Context, name, org string, limit int) ([]string, error)
	AccessAllowed(ctx context.Context, docID, org, user string) (bool, error)
}

// Document is a catalog record.
type Document struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Org  string `json:"org"`
	Path string `json:"path"`
}

// Request is one chat turn.
type Request struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	DocPaths       []string `json:"doc_paths,omitempty"`
	IncludeSources bool     `json:"include_sources,omitempty"`
	MaxDocs        int      `json:"max_docs,omitempty"`
	Org            string   `json:"org,omitempty"`
	User           string   `json:"user,omitempty"`
}

// AgentStep records one stage of the turn for observability.
type AgentStep struct {
	Name          string `json:"name"`
	Status        string `json:"status"` // completed, failed, skipped
	ElapsedMillis int64  `json:"elapsed_ms"`
	Detail        string `json:"detail,omitempty"`
}

// Response is the outcome of one chat turn. Partial is set when any stage
// degraded; InterventionID then points at the queued task, if one was raised.
type Response struct {
	ConversationID string                 `json:"conversation_id"`
	Reply          string                 `json:"reply"`
	Sources        []types.ScoredDocument `json:"sources,omitempty"`
	AgentSteps     []AgentStep            `json:"agent_steps"`
	Suggestions    []string               `json:"suggestions,omitempty"`
	Elapsed        time.Duration          `json:"elapsed"`
	Partial        bool                   `json:"partial,omitempty"`
	InterventionID string                 `json:"intervention_id,omitempty"`
}

// Service executes chat turns.
type Service struct {
	engine         *conversation.Engine
	selector       *relevance.Selector
	analyzer       Analyzer
	embedder       Embedder
	generator      Generator
	catalog        Catalog
	interventions  *intervention.Queue
	embeddingModel string
	contextTokens  int
	logger         logging.Logger

	now func() time.Time
}

// New creates a Service. catalog and interventions may be nil.
func New(engine *conversation.Engine, selector *relevance.Selector, analyzer Analyzer,
	embedder Embedder, generator Generator, catalog Catalog,
	interventions *intervention.Queue, embeddingModel string, contextTokens int,
	logger logging.Logger) *Service {
	return &Service{
		engine:         engine,
		selector:       selector,
		analyzer:       analyzer,
		embedder:       embedder,
		generator:      generator,
		catalog:        catalog,
		interventions:  interventions,
		embeddingModel: embeddingModel,
		contextTokens:  contextTokens,
		logger:         logger.WithComponent("chat"),
		now:            time.Now,
	}
}

// Chat runs one turn: record the user message, gather conversation context,
// select supporting documents, generate the reply, and record it. Stage
// failures degrade the turn to partial instead of failing it, except for an
// archived conversation, which is a hard error.
func (s *Service) Chat(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	start := s.now()
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	resp := &Response{ConversationID: conversationID}

	if _, err := s.step(resp, "record-message", func() (string, error) {
		_, err := s.engine.AddMessage(ctx, conversationID, types.RoleUser, req.Message)
		return "", err
	}); err != nil {
		if types.CodeOf(err) == types.ErrorCodeConversationArchived {
			return nil, err
		}
		s.degrade(ctx, resp, "record-message", err)
	}

	var rctx *types.RelevantContext
	if _, err := s.step(resp, "gather-context", func() (string, error) {
		var err error
		rctx, err = s.engine.RelevantContext(ctx, conversationID, req.Message, s.contextTokens)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d messages, %d topics, %d summaries",
			len(rctx.Messages), len(rctx.Topics), len(rctx.Summaries)), nil
	}); err != nil {
		s.degrade(ctx, resp, "gather-context", err)
	}

	sources := s.selectDocuments(ctx, resp, req)
	if req.IncludeSources {
		resp.Sources = sources
	}

	reply, genErr := s.generateReply(ctx, resp, req, rctx, sources)
	resp.Reply = reply
	if genErr != nil {
		s.degrade(ctx, resp, "generate-reply", genErr)
	}

	if _, err := s.step(resp, "record-reply", func() (string, error) {
		_, err := s.engine.AddMessage(ctx, conversationID, types.RoleAssistant, reply)
		return "", err
	}); err != nil && types.CodeOf(err) != types.ErrorCodeConversationArchived {
		s.degrade(ctx, resp, "record-reply", err)
	}

	resp.Suggestions = s.suggestions(ctx, req, rctx)
	resp.Elapsed = s.now().Sub(start)
	return resp, nil
}

// selectDocuments ranks the requested documents against the message keywords.
// Candidate analysis failures skip the candidate; they never fail the turn.
func (s *Service) selectDocuments(ctx context.Context, resp *Response, req Request) []types.ScoredDocument {
	if len(req.DocPaths) == 0 || s.analyzer == nil {
		return nil
	}

	var selected []types.ScoredDocument
	_, err := s.step(resp, "select-documents", func() (string, error) {
		targets := keywordTags(req.Message)
		if len(targets) == 0 {
			return "no target tags", nil
		}

		candidates := make([]relevance.Candidate, 0, len(req.DocPaths))
		for _, path := range req.DocPaths {
			if !s.accessAllowed(ctx, path, req.Org, req.User) {
				s.logger.Warn("document access denied", "path", path, "org", req.Org)
				continue
			}
			analysis, err := s.analyzer.Analyze(ctx, path, 0, false)
			if err != nil {
				s.logger.Warn("candidate analysis failed, skipping",
					"path", path, "error", err.Error())
				continue
			}
			candidates = append(candidates, relevance.Candidate{
				Path:         path,
				Tags:         analysis.Tags,
				Quality:      analysis.Quality,
				Structure:    analysis.Structure,
				LastAnalyzed: s.now(),
			})
		}

		var queryVec []float32
		if s.embedder != nil {
			if v, err := s.embedder.Embed(ctx, req.Message, s.embeddingModel, "RETRIEVAL_QUERY"); err == nil {
				queryVec = v
			} else {
				s.logger.Warn("query embedding failed, tag-only selection", "error", err.Error())
			}
		}

		selected = s.selector.Select(targets, candidates, queryVec, nil)
		if req.MaxDocs > 0 && len(selected) > req.MaxDocs {
			selected = selected[:req.MaxDocs]
		}
		return fmt.Sprintf("%d of %d candidates", len(selected), len(candidates)), nil
	})
	if err != nil {
		s.degrade(ctx, resp, "select-documents", err)
	}
	return selected
}

// generateReply produces the reply text, falling back to an extractive
// best-effort reply when the provider fails.
func (s *Service) generateReply(ctx context.Context, resp *Response, req Request, rctx *types.RelevantContext, sources []types.ScoredDocument) (string, error) {
	var genErr error
	reply := ""
	_, _ = s.step(resp, "generate-reply", func() (string, error) {
		text, err := s.generator.Generate(ctx, buildPrompt(req.Message, rctx, sources))
		if err != nil {
			genErr = err
			reply = fallbackReply(rctx, sources)
			return "fallback reply", err
		}
		reply = strings.TrimSpace(text)
		return "", nil
	})
	return reply, genErr
}

// step runs one stage and records its outcome.
func (s *Service) step(resp *Response, name string, fn func() (string, error)) (string, error) {
	start := s.now()
	detail, err := fn()
	step := AgentStep{
		Name:          name,
		Status:        "completed",
		ElapsedMillis: s.now().Sub(start).Milliseconds(),
		Detail:        detail,
	}
	if err != nil {
		step.Status = "failed"
		step.Detail = err.Error()
	}
	resp.AgentSteps = append(resp.AgentSteps, step)
	return detail, err
}

// degrade marks the turn partial and reports the failure.
func (s *Service) degrade(ctx context.Context, resp *Response, stage string, cause error) {
	resp.Partial = true
	s.logger.Warn("chat stage degraded", "stage", stage, "error", cause.Error())

	if s.interventions == nil {
		return
	}
	code := types.CodeOf(cause)
	if code == "" {
		code = types.ErrorCodeProviderTransient
	}
	task, err := s.interventions.Report(ctx, types.ErrorReport{
		Code:      code,
		Message:   cause.Error(),
		Component: "chat",
		Source:    stage,
	})
	if err != nil {
		s.logger.Error("intervention report failed", "stage", stage, "error", err.Error())
		return
	}
	if task != nil && resp.InterventionID == "" {
		resp.InterventionID = task.ID
	}
}

// accessAllowed consults the catalog when one is wired; otherwise every
// document is allowed.
func (s *Service) accessAllowed(ctx context.Context, path, org, user string) bool {
	if s.catalog == nil || org == "" {
		return true
	}
	doc, err := s.catalog.FindByFilename(ctx, filepath.Base(path), org)
	if err != nil || doc == nil {
		// Unknown to the catalog means unmanaged, not forbidden.
		return true
	}
	allowed, err := s.catalog.AccessAllowed(ctx, doc.ID, org, user)
	if err != nil {
		s.logger.Warn("access check failed, denying", "path", path, "error", err.Error())
		return false
	}
	return allowed
}

// suggestions proposes follow-ups from active topics and similar catalog
// documents.
func (s *Service) suggestions(ctx context.Context, req Request, rctx *types.RelevantContext) []string {
	var out []string
	if rctx != nil {
		for _, t := range rctx.Topics {
			out = append(out, "Tell me more about "+t.Name)
			if len(out) == maxSuggestions {
				return out
			}
		}
	}
	if s.catalog != nil && len(req.DocPaths) > 0 {
		similar, err := s.catalog.Similar(ctx, filepath.Base(req.DocPaths[0]), req.Org, 3)
		if err == nil {
			for _, name := range similar {
				out = append(out, "Also analyze "+name)
				if len(out) == maxSuggestions {
					return out
				}
			}
		}
	}
	return out
}

// keywordTags turns the message keywords into selector targets.
func keywordTags(message string) []types.Tag {
	keywords := conversation.ExtractKeywords(message)
	if len(keywords) == 0 {
		return nil
	}
	top := float64(keywords[0].Count)
	tags := make([]types.Tag, 0, len(keywords))
	for _, k := range keywords {
		tags = append(tags, types.Tag{
			Name:       k.Word,
			Confidence: 0.5 + 0.5*float64(k.Count)/top,
			Category:   "keyword",
		})
	}
	return tags
}

// buildPrompt assembles the generation prompt from context and sources.
func buildPrompt(message string, rctx *types.RelevantContext, sources []types.ScoredDocument) string {
	var b strings.Builder
	b.WriteString("You are answering a question about the user's documents.\n")

	if rctx != nil {
		if len(rctx.Summaries) > 0 {
			b.WriteString("\nConversation so far:\n")
			for _, sum := range rctx.Summaries {
				b.WriteString("- " + sum.Content + "\n")
			}
		}
		if len(rctx.Messages) > 0 {
			b.WriteString("\nRecent messages:\n")
			for _, m := range rctx.Messages {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
			}
		}
	}
	if len(sources) > 0 {
		b.WriteString("\nRelevant documents:\n")
		for _, src := range sources {
			fmt.Fprintf(&b, "- %s (relevance %.2f)\n", src.Path, src.Score)
		}
	}
	b.WriteString("\nQuestion: " + message + "\n")
	return b.String()
}

// fallbackReply is the best-effort reply when generation fails: the freshest
// summary when one exists, else a pointer at the selected documents.
func fallbackReply(rctx *types.RelevantContext, sources []types.ScoredDocument) string {
	if rctx != nil && len(rctx.Summaries) > 0 {
		return "I could not complete a full answer right now. From the conversation so far: " +
			rctx.Summaries[0].Content
	}
	if len(sources) > 0 {
		paths := make([]string, 0, len(sources))
		for _, src := range sources {
			paths = append(paths, src.Path)
		}
		return "I could not complete a full answer right now. These documents look most relevant: " +
			strings.Join(paths, ", ")
	}
	return "I could not complete a full answer right now. Please try again."
}
