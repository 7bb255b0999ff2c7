package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureIndexSchema creates the kb_meta and kb_nodes tables. The vector
// column is sized to dimension, so an index built with a different
// embedding model needs the tables dropped first.
func EnsureIndexSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS kb_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_nodes (
			id UUID PRIMARY KEY,
			document_id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			title TEXT,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_kb_nodes_document ON kb_nodes(document_id)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
