package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/ragchat/embeddings"
	"github.com/fabfab/ragchat/llm"
	"github.com/fabfab/ragchat/prompt"
)

const (
	defaultSimilarityLimit = 5
	maxSnippetLen          = 500
	// Bounds the text sent to the embedding model, well under the input
	// limit of the hosted models.
	maxRetrievalRunes = 2000
)

// Engine answers questions against a loaded Store. It is the query handle
// every chat session holds.
type Engine struct {
	store        Store
	embedder     embeddings.Embedder
	llm          llm.Client
	logger       *zap.Logger
	systemPrompt string
	limit        int
}

type EngineOptions struct {
	SystemPrompt    string
	SimilarityLimit int
}

func NewEngine(store Store, embedder embeddings.Embedder, llmClient llm.Client, logger *zap.Logger, opts EngineOptions) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.SimilarityLimit
	if limit <= 0 {
		limit = defaultSimilarityLimit
	}

	return &Engine{
		store:        store,
		embedder:     embedder,
		llm:          llmClient,
		logger:       logger,
		systemPrompt: opts.SystemPrompt,
		limit:        limit,
	}
}

func (e *Engine) Meta() Meta {
	return e.store.Meta()
}

func (e *Engine) Close() error {
	return e.store.Close()
}

// Query retrieves the nodes closest to text and asks the language model to
// answer from them. With no nodes retrieved the model answers without
// context.
func (e *Engine) Query(ctx context.Context, text string) (Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}, fmt.Errorf("question cannot be empty")
	}
	if e.embedder == nil {
		return Response{}, fmt.Errorf("embedder is not configured")
	}
	if e.llm == nil {
		return Response{}, fmt.Errorf("llm client is not configured")
	}

	vectors, err := e.embedder.Embed(ctx, []string{retrievalQuery(text)})
	if err != nil {
		return Response{}, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 {
		return Response{}, fmt.Errorf("embedder returned no vectors")
	}

	nodes, err := e.store.Similar(ctx, vectors[0], e.limit)
	if err != nil {
		return Response{}, fmt.Errorf("similarity search: %w", err)
	}
	if len(nodes) == 0 {
		e.logger.Info("no context available for question, falling back to LLM-only response")
	}

	sources := mergeSources(nodes)
	messages := make([]llm.Message, 0, 2)
	if e.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: e.systemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: formatUserPrompt(text, buildContextPrompt(sources))})

	answer, err := e.llm.Generate(ctx, messages)
	if err != nil {
		return Response{}, fmt.Errorf("llm generate: %w", err)
	}

	e.logger.Debug("query answered",
		zap.Int("sources", len(sources)),
		zap.Int("answer_len", len(answer)))

	return Response{Answer: strings.TrimSpace(answer), Sources: sources}, nil
}

var _ QueryHandle = (*Engine)(nil)

// retrievalQuery is the part of a composed prompt used for the similarity
// search: everything before an attached table, capped at maxRetrievalRunes.
// The model still receives the whole prompt.
func retrievalQuery(text string) string {
	if i := strings.Index(text, "\n\n"+prompt.TableIntro); i >= 0 {
		text = text[:i]
	}
	if runes := []rune(text); len(runes) > maxRetrievalRunes {
		text = string(runes[:maxRetrievalRunes])
	}
	return strings.TrimSpace(text)
}

// mergeSources groups nodes by document, keeping the best score and joining
// distinct snippets.
func mergeSources(nodes []ScoredNode) []Source {
	grouped := make(map[string]*Source, len(nodes))
	order := make([]string, 0, len(nodes))
	for i := range nodes {
		node := nodes[i]
		source, ok := grouped[node.DocumentID]
		if !ok {
			source = &Source{
				DocumentID: node.DocumentID,
				Title:      node.Title,
				Path:       node.Path,
				Score:      node.Score,
			}
			grouped[node.DocumentID] = source
			order = append(order, node.DocumentID)
		} else if node.Score > source.Score {
			source.Score = node.Score
		}

		snippet := strings.TrimSpace(node.Text)
		if len(snippet) > maxSnippetLen {
			snippet = snippet[:maxSnippetLen] + "..."
		}
		if source.Snippet == "" {
			source.Snippet = snippet
		} else if !strings.Contains(source.Snippet, snippet) {
			source.Snippet += "\n---\n" + snippet
		}
	}

	sources := make([]Source, 0, len(grouped))
	for _, id := range order {
		sources = append(sources, *grouped[id])
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})
	return sources
}

func buildContextPrompt(sources []Source) string {
	var sb strings.Builder
	for idx := range sources {
		source := &sources[idx]
		fmt.Fprintf(&sb, "Source %d: %s (%s)\n", idx+1, source.Title, source.Path)
		sb.WriteString(source.Snippet)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	if strings.TrimSpace(context) != "" {
		sb.WriteString("Context information is below.\n---------------------\n")
		sb.WriteString(context)
		sb.WriteString("---------------------\n")
		sb.WriteString("Given the context information and not prior knowledge, answer the query.\n")
	}
	sb.WriteString("Query: ")
	sb.WriteString(question)
	sb.WriteString("\nAnswer: ")
	return sb.String()
}
