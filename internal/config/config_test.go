package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		LLMAPIKey:                  "sk-test-key-0123456789",
		EmbeddingDimensions:        1536,
		EmbeddingBatchSize:         64,
		ConsolidationMergeStrategy: "highest_confidence",
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.LLMAPIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateEmbeddingDimensionsBounds(t *testing.T) {
	cfg := validConfig()
	cfg.EmbeddingDimensions = 128
	assert.Error(t, cfg.Validate())

	cfg.EmbeddingDimensions = 4096
	assert.Error(t, cfg.Validate())

	cfg.EmbeddingDimensions = 3072
	assert.NoError(t, cfg.Validate())
}

func TestValidateEmbeddingBatchSizeBounds(t *testing.T) {
	cfg := validConfig()
	cfg.EmbeddingBatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg.EmbeddingBatchSize = 4096
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownMergeStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.ConsolidationMergeStrategy = "random"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsAllMergeStrategies(t *testing.T) {
	for _, s := range []string{"highest_confidence", "most_recent", "longest"} {
		cfg := validConfig()
		cfg.ConsolidationMergeStrategy = s
		assert.NoError(t, cfg.Validate())
	}
}

func TestMaskedAPIKey(t *testing.T) {
	assert.Equal(t, "***masked***", MaskedAPIKey("short"))
	assert.Equal(t, "sk-test-key-0123456789"[:4]+"***masked***"+"sk-test-key-0123456789"[len("sk-test-key-0123456789")-4:], MaskedAPIKey("sk-test-key-0123456789"))
}

// TestLoadReadsEnvOnlyKeysWithNoConfigFile guards against keys that have
// no registered default falling out of viper's Unmarshal when set purely
// via MEMORYD_-prefixed environment variables and no --config file.
func TestLoadReadsEnvOnlyKeysWithNoConfigFile(t *testing.T) {
	for k, v := range map[string]string{
		"MEMORYD_RELATIONAL_URL":       "postgres://u:p@host/db",
		"MEMORYD_VECTOR_URL":           "http://weaviate:8080",
		"MEMORYD_LLM_API_KEY":          "sk-env-key-0123456789",
		"MEMORYD_LLM_MODEL":            "gpt-4o-mini",
		"MEMORYD_EMBEDDING_MODEL":      "text-embedding-3-small",
		"MEMORYD_SESSIONS_SERVICE_URL": "http://sessions:9090",
	} {
		t.Setenv(k, v)
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@host/db", cfg.RelationalURL)
	assert.Equal(t, "http://weaviate:8080", cfg.VectorURL)
	assert.Equal(t, "sk-env-key-0123456789", cfg.LLMAPIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMModel)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
	assert.Equal(t, "http://sessions:9090", cfg.SessionsServiceURL)
}
