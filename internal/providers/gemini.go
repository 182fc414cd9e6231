// Package providers implements the consumed vendor capabilities: the Gemini
// adapter for production and a deterministic mock for tests and offline runs.
package providers

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"rag-core/pkg/types"
)

// Gemini adapts the Google GenAI SDK to the embedding and generation
// capabilities the core consumes.
type Gemini struct {
	client          *genai.Client
	generationModel string
}

// NewGemini creates a Gemini adapter.
func NewGemini(ctx context.Context, apiKey, generationModel string) (*Gemini, error) {
	if apiKey == "" {
		return nil, types.NewError(types.ErrorCodeConfiguration, "gemini api key is required", nil)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, types.NewError(types.ErrorCodeToolInit, "create genai client", err)
	}
	if generationModel == "" {
		generationModel = "gemini-2.0-flash"
	}
	return &Gemini{client: client, generationModel: generationModel}, nil
}

// Embed generates one embedding vector. Idempotent per (content, model-id).
func (g *Gemini) Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(content, genai.RoleUser)}

	result, err := g.client.Models.EmbedContent(ctx, modelID, contents, &genai.EmbedContentConfig{
		TaskType: parseTaskType(taskType),
	})
	if err != nil {
		return nil, classify(err, "embed content")
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, types.NewError(types.ErrorCodeProviderTransient, "provider returned no embedding", nil)
	}
	return result.Embeddings[0].Values, nil
}

// Generate produces text for a prompt; used for summaries and chat replies.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx, g.generationModel,
		genai.Text(prompt), nil)
	if err != nil {
		return "", classify(err, "generate content")
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", types.NewError(types.ErrorCodeProviderTransient, "provider returned empty text", nil)
	}
	return text, nil
}

func parseTaskType(taskType string) string {
	switch taskType {
	case "RETRIEVAL_DOCUMENT":
		return "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		return "RETRIEVAL_QUERY"
	case "CLUSTERING":
		return "CLUSTERING"
	case "CLASSIFICATION":
		return "CLASSIFICATION"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// classify maps vendor errors onto the core taxonomy: quota and auth
// failures must not be retried, everything else is transient.
func classify(err error, op string) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "permission") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "403") {
		return types.NewError(types.ErrorCodeProviderQuotaOrAuth, op, err)
	}
	return types.NewError(types.ErrorCodeProviderTransient, fmt.Sprintf("%s failed", op), err)
}
