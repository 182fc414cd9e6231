// Package embeddings implements the two-tier embedding cache and the
// adaptive batcher that feeds it.
package embeddings

import (
	"context"

	"rag-core/pkg/types"
)

// EmbeddingProvider is the consumed vendor capability. Implementations must
// be idempotent per (content, model-id).
type EmbeddingProvider interface {
	Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error)
}

// Tier2 is the persistent cache tier. Reads must update access counters in
// the same transaction.
type Tier2 interface {
	Get(ctx context.Context, key string) (*types.EmbeddingEntry, error)
	Put(ctx context.Context, key string, entry *types.EmbeddingEntry) error
	TopAccessed(ctx context.Context, minAccess int64, limit int) ([]*types.EmbeddingEntry, error)
	ByDocPath(ctx context.Context, docPath string, limit int) ([]*types.EmbeddingEntry, error)
}
