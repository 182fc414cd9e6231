package di

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/chat"
	"rag-core/internal/config"
	"rag-core/internal/logging"
	"rag-core/internal/providers"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "core.db")
	cfg.Provider.APIKey = ""
	return cfg
}

func testContainer(t *testing.T) *Container {
	t.Helper()
	c, err := NewContainer(context.Background(), testConfig(t), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewContainer_WiresGraph(t *testing.T) {
	c := testContainer(t)

	assert.NotNil(t, c.DB)
	assert.NotNil(t, c.EmbeddingStore)
	assert.NotNil(t, c.ConversationStore)
	assert.NotNil(t, c.InterventionStore)
	assert.NotNil(t, c.Cache)
	assert.NotNil(t, c.Batcher)
	assert.NotNil(t, c.Extractor)
	assert.NotNil(t, c.Chunker)
	assert.NotNil(t, c.Optimizer)
	assert.NotNil(t, c.Engine)
	assert.NotNil(t, c.Selector)
	assert.NotNil(t, c.Interventions)
	assert.NotNil(t, c.Analyzer)
	assert.NotNil(t, c.Pipeline)
	assert.NotNil(t, c.Chat)

	// Without an API key the deterministic offline provider backs the graph.
	_, ok := c.Provider.(*providers.Mock)
	assert.True(t, ok)
}

func TestContainer_MetricsSamplesEveryComponent(t *testing.T) {
	c := testContainer(t)

	snap := c.Metrics(context.Background())
	// One breaker per provider capability.
	assert.Len(t, snap.Breakers, 2)
	assert.Zero(t, snap.PendingInterventions)
	assert.GreaterOrEqual(t, snap.MemoryPressure, 0.0)
}

func TestContainer_WarmupRespectsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.WarmupOnStart = true

	c, err := NewContainer(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// An empty persistent tier warms nothing but must not fail startup.
	require.NoError(t, c.Warmup(context.Background()))
	assert.Zero(t, c.Cache.Stats().Tier1Size)
}

func TestContainer_ChatThroughMockProvider(t *testing.T) {
	c := testContainer(t)

	resp, err := c.Chat.Chat(context.Background(), chat.Request{
		Message: "how are documents chunked?",
	})
	require.NoError(t, err)
	assert.False(t, resp.Partial)
	assert.True(t, strings.HasPrefix(resp.Reply, "mock response "), resp.Reply)
	assert.NotEmpty(t, resp.ConversationID)
}
