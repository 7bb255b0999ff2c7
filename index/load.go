package index

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabfab/ragchat/config"
	"github.com/fabfab/ragchat/database"
	"github.com/fabfab/ragchat/embeddings"
	"github.com/fabfab/ragchat/llm"
)

// OpenStore opens the backend selected by cfg.IndexBackend.
func OpenStore(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.IndexBackend {
	case config.BackendSQLite, "":
		return OpenDir(ctx, cfg.IndexDir)
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		store, err := OpenPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		store.ownsPool = true
		return store, nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.IndexBackend)
	}
}

// Load opens the persisted index and wraps it into a query handle. The
// embedding model recorded at build time must match the configured one,
// otherwise question vectors would live in a different space.
func Load(ctx context.Context, cfg config.Config, embedder embeddings.Embedder, llmClient llm.Client, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("loading index",
		zap.String("backend", cfg.IndexBackend),
		zap.String("dir", cfg.IndexDir))

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	meta := store.Meta()
	if meta.EmbeddingModel != "" && meta.EmbeddingModel != cfg.Embeddings.Model {
		_ = store.Close()
		return nil, fmt.Errorf("%w: index built with embedding model %q, configured %q",
			ErrIndexUnavailable, meta.EmbeddingModel, cfg.Embeddings.Model)
	}

	logger.Info("index loaded",
		zap.Int("nodes", meta.NodeCount),
		zap.String("embedding_model", meta.EmbeddingModel),
		zap.Time("built_at", meta.BuiltAt))

	return NewEngine(store, embedder, llmClient, logger, EngineOptions{
		SystemPrompt:    cfg.Chat.SystemPrompt,
		SimilarityLimit: cfg.SimilarityLimit,
	}), nil
}
