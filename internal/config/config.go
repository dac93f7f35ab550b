// Package config loads the worker configuration from defaults, an
// optional --config file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full set of environment variables recognized by both
// worker binaries (spec §6's "Environment variables" list).
type Config struct {
	QueueURL      string `mapstructure:"queue_url"`
	RelationalURL string `mapstructure:"relational_url"`
	VectorURL     string `mapstructure:"vector_url"`

	LLMProvider    string  `mapstructure:"llm_provider"`
	LLMModel       string  `mapstructure:"llm_model"`
	LLMAPIKey      string  `mapstructure:"llm_api_key"`
	LLMTimeoutS    int     `mapstructure:"llm_timeout_s"`
	LLMMaxRetries  int     `mapstructure:"llm_max_retries"`
	LLMTemperature float64 `mapstructure:"llm_temperature"`

	EmbeddingProvider        string `mapstructure:"embedding_provider"`
	EmbeddingModel           string `mapstructure:"embedding_model"`
	EmbeddingDimensions      int    `mapstructure:"embedding_dimensions"`
	EmbeddingBatchSize       int    `mapstructure:"embedding_batch_size"`
	EmbeddingMaxInputTokens  int    `mapstructure:"embedding_max_input_tokens"`

	ExtractionMinEvents      int     `mapstructure:"extraction_min_events"`
	ExtractionMaxFacts       int     `mapstructure:"extraction_max_facts"`
	ExtractionMinConfidence  float64 `mapstructure:"extraction_min_confidence"`

	ConsolidationMergeThreshold    float64 `mapstructure:"consolidation_merge_threshold"`
	ConsolidationConflictThreshold float64 `mapstructure:"consolidation_conflict_threshold"`
	ConsolidationMergeStrategy     string  `mapstructure:"consolidation_merge_strategy"`
	ConsolidationConfidenceBoost   float64 `mapstructure:"consolidation_confidence_boost"`
	ConsolidationMaxBatch          int     `mapstructure:"consolidation_max_batch"`

	WorkerPrefetch       int `mapstructure:"worker_prefetch"`
	WorkerConcurrency    int `mapstructure:"worker_concurrency"`
	WorkerDrainTimeoutS  int `mapstructure:"worker_drain_timeout_s"`
	DeadLetterAfter      int `mapstructure:"dead_letter_after"`

	SessionsServiceURL string `mapstructure:"sessions_service_url"`
	LogLevel           string `mapstructure:"log_level"`
	WorkerName         string `mapstructure:"worker_name"`
}

// recognizedKeys lists every mapstructure tag on Config. viper's
// Unmarshal only decodes keys returned by AllKeys(), which omits
// anything known solely through AutomaticEnv — so every key, not just
// the ones with a default, must be bound explicitly or it reads back
// empty even when its MEMORYD_-prefixed environment variable is set.
var recognizedKeys = []string{
	"queue_url", "relational_url", "vector_url",
	"llm_provider", "llm_model", "llm_api_key", "llm_timeout_s", "llm_max_retries", "llm_temperature",
	"embedding_provider", "embedding_model", "embedding_dimensions", "embedding_batch_size", "embedding_max_input_tokens",
	"extraction_min_events", "extraction_max_facts", "extraction_min_confidence",
	"consolidation_merge_threshold", "consolidation_conflict_threshold", "consolidation_merge_strategy", "consolidation_confidence_boost", "consolidation_max_batch",
	"worker_prefetch", "worker_concurrency", "worker_drain_timeout_s", "dead_letter_after",
	"sessions_service_url", "log_level", "worker_name",
}

func bindEnv(v *viper.Viper) {
	for _, key := range recognizedKeys {
		_ = v.BindEnv(key)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue_url", "nats://127.0.0.1:4222")
	v.SetDefault("llm_timeout_s", 30)
	v.SetDefault("llm_max_retries", 3)
	v.SetDefault("llm_temperature", 0.1)
	v.SetDefault("embedding_dimensions", 1536)
	v.SetDefault("embedding_batch_size", 64)
	v.SetDefault("embedding_max_input_tokens", 8191)
	v.SetDefault("extraction_min_events", 2)
	v.SetDefault("extraction_max_facts", 20)
	v.SetDefault("extraction_min_confidence", 0.5)
	v.SetDefault("consolidation_merge_threshold", 0.85)
	v.SetDefault("consolidation_conflict_threshold", 0.70)
	v.SetDefault("consolidation_merge_strategy", "highest_confidence")
	v.SetDefault("consolidation_confidence_boost", 0.10)
	v.SetDefault("consolidation_max_batch", 500)
	v.SetDefault("worker_prefetch", 10)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_drain_timeout_s", 30)
	v.SetDefault("dead_letter_after", 5)
	v.SetDefault("log_level", "info")
}

// Load builds a Config from defaults, the optional file at path (if
// non-empty), and MEMORYD_-prefixed environment variables, the latter
// always winning.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEMORYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the bounds §6 names for a handful of fields whose
// range matters for correctness (embedding dimension/batch size).
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("llm_api_key is required")
	}
	if c.EmbeddingDimensions < 256 || c.EmbeddingDimensions > 3072 {
		return fmt.Errorf("embedding_dimensions must be in [256, 3072], got %d", c.EmbeddingDimensions)
	}
	if c.EmbeddingBatchSize < 1 || c.EmbeddingBatchSize > 2048 {
		return fmt.Errorf("embedding_batch_size must be in [1, 2048], got %d", c.EmbeddingBatchSize)
	}
	switch c.ConsolidationMergeStrategy {
	case "highest_confidence", "most_recent", "longest":
	default:
		return fmt.Errorf("unknown consolidation_merge_strategy %q", c.ConsolidationMergeStrategy)
	}
	return nil
}

// MaskedAPIKey returns a display-safe rendering of an API key for log
// lines, mirroring the teacher's config-printing masking convention.
func MaskedAPIKey(key string) string {
	l := len(key)
	if l <= 8 {
		return "***masked***"
	}
	if l <= 12 {
		return key[:1] + "***masked***" + key[l-1:]
	}
	return key[:4] + "***masked***" + key[l-4:]
}
