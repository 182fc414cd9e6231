// Package di wires the application graph: configuration, storage, providers,
// resilience wrappers, and the domain services, in dependency order.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rag-core/internal/chat"
	"rag-core/internal/chunking"
	"rag-core/internal/circuitbreaker"
	"rag-core/internal/config"
	"rag-core/internal/conversation"
	"rag-core/internal/embeddings"
	"rag-core/internal/extraction"
	"rag-core/internal/intervention"
	"rag-core/internal/logging"
	"rag-core/internal/pipeline"
	"rag-core/internal/providers"
	"rag-core/internal/relevance"
	"rag-core/internal/retry"
	"rag-core/internal/storage"
	"rag-core/pkg/types"
)

// Provider is the combined vendor capability: both adapters in
// internal/providers satisfy it.
type Provider interface {
	Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Container holds the application dependencies.
type Container struct {
	Config *config.Config
	Logger logging.Logger

	DB                *storage.DB
	EmbeddingStore    *storage.EmbeddingStore
	ConversationStore *storage.ConversationStore
	InterventionStore *storage.InterventionStore

	Breakers *circuitbreaker.Registry
	Provider Provider // unwrapped adapter

	EmbeddingProvider embeddings.EmbeddingProvider // retry + breaker wrapped
	Generator         conversation.Generator       // retry + breaker wrapped

	Cache         *embeddings.Cache
	Batcher       *embeddings.Batcher
	Extractor     *extraction.Extractor
	Chunker       *chunking.Chunker
	Optimizer     *chunking.Optimizer
	Engine        *conversation.Engine
	Selector      *relevance.Selector
	Interventions *intervention.Queue
	Analyzer      *pipeline.Analyzer
	Pipeline      *pipeline.Pipeline
	Chat          *chat.Service
}

// NewContainer builds the graph in dependency order.
func NewContainer(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Breakers: circuitbreaker.NewRegistry(),
	}

	if err := c.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := c.initProviders(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	if err := c.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return c, nil
}

func (c *Container) initStorage() error {
	db, err := storage.Open(c.Config.Storage.DBPath)
	if err != nil {
		return err
	}
	c.DB = db
	c.EmbeddingStore = storage.NewEmbeddingStore(db)
	c.ConversationStore = storage.NewConversationStore(db)
	c.InterventionStore = storage.NewInterventionStore(db)
	return nil
}

func (c *Container) initProviders(ctx context.Context) error {
	if c.Config.Provider.APIKey != "" {
		gemini, err := providers.NewGemini(ctx, c.Config.Provider.APIKey, c.Config.Provider.GenerationModel)
		if err != nil {
			return err
		}
		c.Provider = gemini
	} else {
		c.Logger.Warn("no provider api key configured, using deterministic mock provider")
		c.Provider = providers.NewMock()
	}

	breakerCfg := c.breakerConfig()
	embeddingBreaker := c.Breakers.Register("embedding", breakerCfg)
	generationBreaker := c.Breakers.Register("generation", breakerCfg)

	// Retries sit inside the breaker so it only sees final failures.
	retried := embeddings.WithRetry(c.Provider,
		c.Config.Provider.EmbeddingRetryAttempts, c.Config.RequestDelay())
	c.EmbeddingProvider = embeddings.WithBreaker(retried, embeddingBreaker)

	c.Generator = &resilientGenerator{
		inner:   c.Provider,
		retrier: retry.New(retry.FixedDelayConfig(c.Config.Provider.EmbeddingRetryAttempts, c.Config.RequestDelay())),
		breaker: generationBreaker,
	}
	return nil
}

func (c *Container) initServices() error {
	cfg := c.Config

	strategy := embeddings.NewStrategy(cfg.Cache.Tier1Strategy,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	c.Cache = embeddings.NewCache(cfg.Cache.Tier1Capacity, strategy, c.EmbeddingStore, c.Logger)
	c.Batcher = embeddings.NewBatcher(c.Cache, c.EmbeddingProvider,
		cfg.Cache.MaxBatchSize, cfg.Cache.MaxConcurrentBatches, c.Logger)

	c.Extractor = extraction.New(c.Logger)
	c.Chunker = chunking.New(&cfg.Chunking)

	optimizer, err := chunking.NewOptimizer(c.Logger, cfg.Chunking.OptimizerCacheCap, cfg.Chunking.MemoryPressure)
	if err != nil {
		return err
	}
	c.Optimizer = optimizer

	c.Engine = conversation.NewEngine(&cfg.Memory, c.ConversationStore,
		c.EmbeddingProvider, c.Generator, cfg.Provider.EmbeddingModel, c.Logger)
	c.Selector = relevance.New(&cfg.Selector, c.Logger)
	c.Interventions = intervention.NewQueue(c.InterventionStore, c.Logger, nil)

	c.Analyzer = pipeline.NewAnalyzer(c.Extractor, c.Generator, c.Logger)
	c.Pipeline = pipeline.New(&cfg.Pipeline, c.Extractor, c.Chunker, c.Optimizer,
		c.Batcher, c.Interventions, c.Logger)

	c.Chat = chat.New(c.Engine, c.Selector, c.Analyzer, c.EmbeddingProvider,
		c.Generator, nil, c.Interventions,
		cfg.Provider.EmbeddingModel, cfg.Memory.MaxContextTokens, c.Logger)
	return nil
}

func (c *Container) breakerConfig() *circuitbreaker.Config {
	b := c.Config.Breaker
	return &circuitbreaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		RecoveryTimeout:  time.Duration(b.RecoveryTimeoutSec) * time.Second,
		Timeout:          time.Duration(b.TimeoutSeconds) * time.Second,
		RollingWindow:    time.Duration(b.RollingWindowSeconds) * time.Second,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			c.Logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Warmup preloads the embedding cache from the persistent tier when
// configured.
func (c *Container) Warmup(ctx context.Context) error {
	if !c.Config.Storage.WarmupOnStart {
		return nil
	}
	n, err := c.Cache.WarmPopular(ctx, c.Config.Storage.WarmupPopularMinimum)
	if err != nil {
		return fmt.Errorf("cache warm-up: %w", err)
	}
	c.Logger.Info("cache warmed on start", "entries", n)
	return nil
}

// Close releases held resources.
func (c *Container) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// MetricsSnapshot aggregates the observable state of the core.
type MetricsSnapshot struct {
	Cache                embeddings.CacheStats   `json:"cache"`
	Batcher              embeddings.BatcherStats `json:"batcher"`
	Breakers             []circuitbreaker.Stats  `json:"breakers"`
	OptimizerHitRatio    float64                 `json:"optimizer_hit_ratio"`
	MemoryPressure       float64                 `json:"memory_pressure"`
	PendingInterventions int64                   `json:"pending_interventions"`
}

// Metrics samples every observable component.
func (c *Container) Metrics(ctx context.Context) MetricsSnapshot {
	pending, err := c.Interventions.PendingDepth(ctx)
	if err != nil {
		c.Logger.Error("pending intervention count failed", "error", err.Error())
	}
	return MetricsSnapshot{
		Cache:                c.Cache.Stats(),
		Batcher:              c.Batcher.Stats(),
		Breakers:             c.Breakers.Stats(),
		OptimizerHitRatio:    c.Optimizer.HitRatio(),
		MemoryPressure:       chunking.MemoryPressure(),
		PendingInterventions: pending,
	}
}

// resilientGenerator wraps generation with retry inside a circuit breaker,
// mirroring the embedding wrappers.
type resilientGenerator struct {
	inner   Provider
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
}

func (g *resilientGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var text string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.retrier.Do(ctx, func(ctx context.Context) error {
			t, err := g.inner.Generate(ctx, prompt)
			if err != nil {
				if types.CodeOf(err) == types.ErrorCodeProviderQuotaOrAuth {
					return retry.Permanent(err)
				}
				return err
			}
			text = t
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "", types.NewError(types.ErrorCodeCircuitOpen, "generation provider circuit open", err)
		}
		return "", err
	}
	return text, nil
}
