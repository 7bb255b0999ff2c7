package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaEmbedder struct {
	host      string
	model     string
	dimension int
	client    *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

func NewOllamaEmbedder(opts Options) Embedder {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaEmbedder{
		host:      host,
		model:     opts.Model,
		dimension: opts.Dimension,
		client:    &http.Client{},
	}
}

// Embed issues one request per text; the Ollama embeddings endpoint takes a
// single prompt.
func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	url := e.host + "/api/embeddings"

	for _, text := range texts {
		vec, err := e.embedOne(ctx, url, text)
		if err != nil {
			return nil, err
		}
		results = append(results, vec)
	}

	return results, nil
}

func (e *ollamaEmbedder) embedOne(ctx context.Context, url, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama embeddings API: %w", err)
	}
	defer resp.Body.Close()

	var payload ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("ollama embeddings error: %s", payload.Error)
	}

	vec := make([]float32, len(payload.Embedding))
	for i, value := range payload.Embedding {
		vec[i] = float32(value)
	}
	if err := checkDimension("ollama", e.dimension, vec); err != nil {
		return nil, err
	}
	return vec, nil
}
