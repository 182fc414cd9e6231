// Package config loads and validates the application configuration from
// defaults, an optional YAML file, a .env file, and RAG_-prefixed
// environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	Chunking ChunkingConfig `yaml:"chunking" json:"chunking"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	Selector SelectorConfig `yaml:"selector" json:"selector"`
	Breaker  BreakerConfig  `yaml:"breaker" json:"breaker"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig holds the HTTP dispatcher settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
}

// StorageConfig holds the embedded store settings.
type StorageConfig struct {
	DBPath               string `yaml:"db_path" json:"db_path"`
	InterventionMaxAge   int    `yaml:"intervention_max_age_days" json:"intervention_max_age_days"`
	WarmupOnStart        bool   `yaml:"warmup_on_start" json:"warmup_on_start"`
	WarmupPopularMinimum int64  `yaml:"warmup_popular_minimum" json:"warmup_popular_minimum"`
}

// ProviderConfig holds embedding/generation provider settings.
type ProviderConfig struct {
	APIKey                  string `yaml:"-" json:"-"` // never serialized
	EmbeddingModel          string `yaml:"embedding_model" json:"embedding_model"`
	GenerationModel         string `yaml:"generation_model" json:"generation_model"`
	EmbeddingRetryAttempts  int    `yaml:"embedding_retry_attempts" json:"embedding_retry_attempts"`
	RequestDelayMillis      int    `yaml:"request_delay_ms" json:"request_delay_ms"`
	EmbeddingTimeoutSeconds int    `yaml:"embedding_timeout_seconds" json:"embedding_timeout_seconds"`
}

// ChunkingConfig holds chunker and optimizer defaults.
type ChunkingConfig struct {
	MaxChunkSize      int     `yaml:"max_chunk_size" json:"max_chunk_size"`
	OverlapRatio      float64 `yaml:"chunk_overlap_ratio" json:"chunk_overlap_ratio"`
	DefaultStrategy   string  `yaml:"default_strategy" json:"default_strategy"`
	MemoryPressure    float64 `yaml:"memory_pressure_threshold" json:"memory_pressure_threshold"`
	OptimizerCacheCap int     `yaml:"optimizer_cache_capacity" json:"optimizer_cache_capacity"`
}

// CacheConfig holds embedding cache and batcher settings.
type CacheConfig struct {
	Tier1Capacity        int    `yaml:"tier1_capacity" json:"tier1_capacity"`
	Tier1Strategy        string `yaml:"tier1_strategy" json:"tier1_strategy"` // lru, ttl, hybrid
	TTLSeconds           int    `yaml:"ttl_seconds" json:"ttl_seconds"`
	MaxBatchSize         int    `yaml:"max_batch_size" json:"max_batch_size"`
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`
}

// MemoryConfig holds conversation memory engine settings.
type MemoryConfig struct {
	MaxContextTokens         int     `yaml:"max_context_tokens" json:"max_context_tokens"`
	PruningThreshold         float64 `yaml:"pruning_threshold" json:"pruning_threshold"`
	RelevanceDecayFactor     float64 `yaml:"relevance_decay_factor" json:"relevance_decay_factor"`
	TemporalDecayHours       float64 `yaml:"temporal_decay_hours" json:"temporal_decay_hours"`
	DecayKind                string  `yaml:"decay_kind" json:"decay_kind"`
	SummaryThreshold         int     `yaml:"summary_threshold" json:"summary_threshold"`
	TopicSimilarityThreshold float64 `yaml:"topic_similarity_threshold" json:"topic_similarity_threshold"`
	MaxConversationLength    int     `yaml:"max_conversation_length" json:"max_conversation_length"`
}

// SelectorConfig holds relevance selector weights. The five weights must sum
// to 1.0 within ±0.01 or configuration load fails.
type SelectorConfig struct {
	TagWeight        float64 `yaml:"tag_weight" json:"tag_weight"`
	SemanticWeight   float64 `yaml:"semantic_weight" json:"semantic_weight"`
	ContentWeight    float64 `yaml:"content_weight" json:"content_weight"`
	StructuralWeight float64 `yaml:"structural_weight" json:"structural_weight"`
	FreshnessWeight  float64 `yaml:"freshness_weight" json:"freshness_weight"`
	MaxResults       int     `yaml:"max_results" json:"max_results"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold     int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold     int `yaml:"success_threshold" json:"success_threshold"`
	RecoveryTimeoutSec   int `yaml:"recovery_timeout_seconds" json:"recovery_timeout_seconds"`
	TimeoutSeconds       int `yaml:"timeout_seconds" json:"timeout_seconds"`
	RollingWindowSeconds int `yaml:"rolling_window_seconds" json:"rolling_window_seconds"`
}

// PipelineConfig holds batch orchestration settings.
type PipelineConfig struct {
	MaxConcurrency           int `yaml:"max_concurrency" json:"max_concurrency"`
	ProcessingTimeoutSeconds int `yaml:"processing_timeout_seconds" json:"processing_timeout_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			DBPath:               "./data/rag-core.db",
			InterventionMaxAge:   30,
			WarmupOnStart:        false,
			WarmupPopularMinimum: 3,
		},
		Provider: ProviderConfig{
			EmbeddingModel:          "gemini-embedding-001",
			GenerationModel:         "gemini-2.0-flash",
			EmbeddingRetryAttempts:  3,
			RequestDelayMillis:      200,
			EmbeddingTimeoutSeconds: 30,
		},
		Chunking: ChunkingConfig{
			MaxChunkSize:      1024,
			OverlapRatio:      0.10,
			DefaultStrategy:   "adaptive",
			MemoryPressure:    0.8,
			OptimizerCacheCap: 512,
		},
		Cache: CacheConfig{
			Tier1Capacity:        2048,
			Tier1Strategy:        "hybrid",
			TTLSeconds:           24 * 3600,
			MaxBatchSize:         64,
			MaxConcurrentBatches: 3,
		},
		Memory: MemoryConfig{
			MaxContextTokens:         8000,
			PruningThreshold:         0.8,
			RelevanceDecayFactor:     0.9,
			TemporalDecayHours:       24,
			DecayKind:                "combined",
			SummaryThreshold:         10,
			TopicSimilarityThreshold: 0.75,
			MaxConversationLength:    500,
		},
		Selector: SelectorConfig{
			TagWeight:        0.4,
			SemanticWeight:   0.3,
			ContentWeight:    0.1,
			StructuralWeight: 0.1,
			FreshnessWeight:  0.1,
			MaxResults:       5,
		},
		Breaker: BreakerConfig{
			FailureThreshold:     5,
			SuccessThreshold:     2,
			RecoveryTimeoutSec:   30,
			TimeoutSeconds:       120,
			RollingWindowSeconds: 60,
		},
		Pipeline: PipelineConfig{
			MaxConcurrency:           4,
			ProcessingTimeoutSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the RAG_CONFIG_FILE YAML if
// set, then .env, then environment overrides. Validation failures abort the
// load and therefore the process.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()

	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Server.Host, "RAG_HOST")
	setInt(&cfg.Server.Port, "RAG_PORT")
	setInt(&cfg.Server.ReadTimeout, "RAG_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeout, "RAG_WRITE_TIMEOUT_SECONDS")

	setString(&cfg.Storage.DBPath, "RAG_DB_PATH")
	setInt(&cfg.Storage.InterventionMaxAge, "RAG_INTERVENTION_MAX_AGE_DAYS")
	setBool(&cfg.Storage.WarmupOnStart, "RAG_CACHE_WARMUP_ON_START")
	setInt64(&cfg.Storage.WarmupPopularMinimum, "RAG_CACHE_WARMUP_POPULAR_MINIMUM")

	setString(&cfg.Provider.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Provider.EmbeddingModel, "RAG_EMBEDDING_MODEL")
	setString(&cfg.Provider.GenerationModel, "RAG_GENERATION_MODEL")
	setInt(&cfg.Provider.EmbeddingRetryAttempts, "RAG_EMBEDDING_RETRY_ATTEMPTS")
	setInt(&cfg.Provider.RequestDelayMillis, "RAG_GEMINI_REQUEST_DELAY_MS")
	setInt(&cfg.Provider.EmbeddingTimeoutSeconds, "RAG_EMBEDDING_TIMEOUT_SECONDS")

	setInt(&cfg.Chunking.MaxChunkSize, "RAG_MAX_CHUNK_SIZE")
	setFloat(&cfg.Chunking.OverlapRatio, "RAG_CHUNK_OVERLAP_RATIO")
	setString(&cfg.Chunking.DefaultStrategy, "RAG_CHUNK_STRATEGY")
	setFloat(&cfg.Chunking.MemoryPressure, "RAG_MEMORY_PRESSURE_THRESHOLD")
	setInt(&cfg.Chunking.OptimizerCacheCap, "RAG_OPTIMIZER_CACHE_CAPACITY")

	setInt(&cfg.Cache.Tier1Capacity, "RAG_CACHE_TIER1_CAPACITY")
	setString(&cfg.Cache.Tier1Strategy, "RAG_CACHE_TIER1_STRATEGY")
	setInt(&cfg.Cache.TTLSeconds, "RAG_CACHE_TTL_SECONDS")
	setInt(&cfg.Cache.MaxBatchSize, "RAG_MAX_BATCH_SIZE")
	setInt(&cfg.Cache.MaxConcurrentBatches, "RAG_MAX_CONCURRENT_BATCHES")

	setInt(&cfg.Memory.MaxContextTokens, "RAG_MAX_CONTEXT_TOKENS")
	setFloat(&cfg.Memory.PruningThreshold, "RAG_PRUNING_THRESHOLD")
	setFloat(&cfg.Memory.RelevanceDecayFactor, "RAG_RELEVANCE_DECAY_FACTOR")
	setFloat(&cfg.Memory.TemporalDecayHours, "RAG_TEMPORAL_DECAY_HOURS")
	setString(&cfg.Memory.DecayKind, "RAG_DECAY_KIND")
	setInt(&cfg.Memory.SummaryThreshold, "RAG_SUMMARY_THRESHOLD")
	setFloat(&cfg.Memory.TopicSimilarityThreshold, "RAG_TOPIC_SIMILARITY_THRESHOLD")
	setInt(&cfg.Memory.MaxConversationLength, "RAG_MAX_CONVERSATION_LENGTH")

	setFloat(&cfg.Selector.TagWeight, "RAG_TAG_WEIGHT")
	setFloat(&cfg.Selector.SemanticWeight, "RAG_SEMANTIC_WEIGHT")
	setFloat(&cfg.Selector.ContentWeight, "RAG_CONTENT_WEIGHT")
	setFloat(&cfg.Selector.StructuralWeight, "RAG_STRUCTURAL_WEIGHT")
	setFloat(&cfg.Selector.FreshnessWeight, "RAG_FRESHNESS_WEIGHT")
	setInt(&cfg.Selector.MaxResults, "RAG_MAX_RESULTS")

	setInt(&cfg.Breaker.FailureThreshold, "RAG_FAILURE_THRESHOLD")
	setInt(&cfg.Breaker.SuccessThreshold, "RAG_SUCCESS_THRESHOLD")
	setInt(&cfg.Breaker.RecoveryTimeoutSec, "RAG_RECOVERY_TIMEOUT_SECONDS")
	setInt(&cfg.Breaker.TimeoutSeconds, "RAG_TIMEOUT_SECONDS")
	setInt(&cfg.Breaker.RollingWindowSeconds, "RAG_ROLLING_WINDOW_SECONDS")

	setInt(&cfg.Pipeline.MaxConcurrency, "RAG_MAX_CONCURRENCY")
	setInt(&cfg.Pipeline.ProcessingTimeoutSeconds, "RAG_PROCESSING_TIMEOUT_SECONDS")

	setString(&cfg.Logging.Level, "RAG_LOG_LEVEL")
	setString(&cfg.Logging.Format, "RAG_LOG_FORMAT")
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage db path cannot be empty")
	}
	if c.Chunking.OverlapRatio < 0 || c.Chunking.OverlapRatio > 1 {
		return fmt.Errorf("chunk overlap ratio %.3f out of [0,1]", c.Chunking.OverlapRatio)
	}
	if c.Chunking.MaxChunkSize <= 0 {
		return fmt.Errorf("max chunk size must be positive")
	}
	if c.Memory.RelevanceDecayFactor < 0.1 || c.Memory.RelevanceDecayFactor > 1.0 {
		return fmt.Errorf("relevance decay factor %.3f out of [0.1,1.0]", c.Memory.RelevanceDecayFactor)
	}
	if c.Memory.SummaryThreshold < 5 {
		return fmt.Errorf("summary threshold must be at least 5, got %d", c.Memory.SummaryThreshold)
	}
	if c.Memory.PruningThreshold <= 0.5 || c.Memory.PruningThreshold > 1 {
		return fmt.Errorf("pruning threshold %.3f out of (0.5,1]", c.Memory.PruningThreshold)
	}
	if c.Memory.TopicSimilarityThreshold < 0 || c.Memory.TopicSimilarityThreshold > 1 {
		return fmt.Errorf("topic similarity threshold %.3f out of [0,1]", c.Memory.TopicSimilarityThreshold)
	}
	sum := c.Selector.TagWeight + c.Selector.SemanticWeight + c.Selector.ContentWeight +
		c.Selector.StructuralWeight + c.Selector.FreshnessWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("selector weights must sum to 1.0 (±0.01), got %.4f", sum)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.RollingWindowSeconds <= 0 {
		return fmt.Errorf("breaker rolling window must be positive")
	}
	if c.Cache.Tier1Capacity <= 0 {
		return fmt.Errorf("tier1 capacity must be positive")
	}
	switch c.Cache.Tier1Strategy {
	case "lru", "ttl", "hybrid":
	default:
		return fmt.Errorf("unknown tier1 strategy: %s", c.Cache.Tier1Strategy)
	}
	if c.Cache.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("max concurrent batches must be positive")
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		return fmt.Errorf("pipeline max concurrency must be positive")
	}
	return nil
}

// EmbeddingTimeout returns the per-provider-call timeout.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Provider.EmbeddingTimeoutSeconds) * time.Second
}

// ProcessingTimeout returns the whole-batch timeout.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.Pipeline.ProcessingTimeoutSeconds) * time.Second
}

// RequestDelay returns the inter-attempt delay for provider retries.
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.Provider.RequestDelayMillis) * time.Millisecond
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
