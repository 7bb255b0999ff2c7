package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"LLM_PROVIDER", "LLM_MODEL", "EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_DIMENSION"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("RAGCHAT_CSV_HEADER_LINE", "")
	t.Setenv("RAGCHAT_CSV_PATHS", "")

	cfg := fromEnv().WithDefaults()

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, DefaultOpenAIChatModel, cfg.LLM.Model)
	assert.Equal(t, DefaultOpenAIEmbeddingModel, cfg.Embeddings.Model)
	assert.Equal(t, 3072, cfg.Embeddings.Dimension)
	assert.Equal(t, ".kb", cfg.IndexDir)
	assert.Equal(t, BackendSQLite, cfg.IndexBackend)
	assert.Equal(t, 3, cfg.CSV.HeaderLine)
	assert.Equal(t, "utf-8-sig", cfg.CSV.Encoding)
	assert.Empty(t, cfg.CSV.Paths)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LLM_PROVIDER", ProviderOllama)
	t.Setenv("LLM_MODEL", "llama3.1:8b")
	t.Setenv("EMBEDDING_DIMENSION", "768")
	t.Setenv("RAGCHAT_CSV_PATHS", "a.csv, b.csv,,")
	t.Setenv("RAGCHAT_SIMILARITY_LIMIT", "not-a-number")

	cfg := fromEnv()

	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.Equal(t, []string{"a.csv", "b.csv"}, cfg.CSV.Paths)
	assert.Equal(t, 5, cfg.SimilarityLimit)
}

func TestWithDefaultsFollowsProvider(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("LLM_PROVIDER", ProviderGemini)
	t.Setenv("EMBEDDING_PROVIDER", ProviderOllama)

	cfg := fromEnv().WithDefaults()

	assert.Equal(t, DefaultGeminiChatModel, cfg.LLM.Model)
	assert.Equal(t, DefaultOllamaEmbeddingModel, cfg.Embeddings.Model)
	assert.Zero(t, cfg.Embeddings.Dimension)
	require.NoError(t, cfg.Validate())
}

func TestWithDefaultsKeepsConfiguredValues(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("LLM_PROVIDER", ProviderOllama)
	t.Setenv("LLM_MODEL", "qwen2.5:7b")
	t.Setenv("EMBEDDING_PROVIDER", ProviderGemini)
	t.Setenv("EMBEDDING_DIMENSION", "768")

	cfg := fromEnv().WithDefaults()

	assert.Equal(t, "qwen2.5:7b", cfg.LLM.Model)
	assert.Equal(t, DefaultGeminiEmbeddingModel, cfg.Embeddings.Model)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
}

func TestWithDefaultsAfterYAMLProviderSwitch(t *testing.T) {
	clearProviderEnv(t)
	path := filepath.Join(t.TempDir(), "ragchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: gemini\nembeddings:\n  provider: gemini\n"), 0o600))

	cfg, err := LoadFile(fromEnv(), path)
	require.NoError(t, err)
	cfg = cfg.WithDefaults()

	assert.Equal(t, DefaultGeminiChatModel, cfg.LLM.Model)
	assert.Equal(t, DefaultGeminiEmbeddingModel, cfg.Embeddings.Model)
	assert.Zero(t, cfg.Embeddings.Dimension)
}

func TestValidateSummaryTemplate(t *testing.T) {
	cases := []struct {
		template string
		valid    bool
	}{
		{"Selected topic: %s", true},
		{"%s", true},
		{"100%% sure: %s", true},
		{"no verb", false},
		{"%s (%d)", false},
		{"%s/%s", false},
		{"%q", false},
		{"trailing %", false},
	}

	for _, tc := range cases {
		t.Run(tc.template, func(t *testing.T) {
			cfg := fromEnv()
			cfg.Chat.SummaryTemplate = tc.template
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, "summary template")
			}
		})
	}
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragchat.yaml")
	body := []byte(`
index_backend: postgres
llm:
  model: gpt-4o
csv:
  header_line: 1
  paths: [one.csv]
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	base := fromEnv()
	base.OpenAIAPIKey = "sk-test"

	cfg, err := LoadFile(base, path)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.IndexBackend)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, base.LLM.Provider, cfg.LLM.Provider)
	assert.Equal(t, 1, cfg.CSV.HeaderLine)
	assert.Equal(t, []string{"one.csv"}, cfg.CSV.Paths)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(fromEnv(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cases := map[string]func(*Config){
		"llm provider":       func(c *Config) { c.LLM.Provider = "bard" },
		"embedding provider": func(c *Config) { c.Embeddings.Provider = "" },
		"backend":            func(c *Config) { c.IndexBackend = "redis" },
		"limit":              func(c *Config) { c.SimilarityLimit = 0 },
		"header line":        func(c *Config) { c.CSV.HeaderLine = 0 },
		"dimension":          func(c *Config) { c.Embeddings.Dimension = -1 },
		"summary template":   func(c *Config) { c.Chat.SummaryTemplate = "no verb" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := fromEnv()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
