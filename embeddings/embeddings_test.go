package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/ragchat/config"
)

func TestNewEmbedderDefaults(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 3,
		},
		OllamaHost: "http://localhost:11434",
	}

	embedder, err := NewEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, embedder)
}

func TestNewEmbedderOpenAIMissingKey(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOpenAI,
			Model:     "text-embedding-3-large",
			Dimension: 3072,
		},
	}

	_, err := NewEmbedder(context.Background(), cfg)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestOllamaEmbedderChecksDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1, 0.2}})
	}))
	defer srv.Close()

	ok := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Model: "nomic-embed-text", Dimension: 2})
	vectors, err := ok.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 0.2, vectors[1][1], 1e-6)

	mismatched := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Dimension: 3})
	_, err = mismatched.Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 2}))
}
