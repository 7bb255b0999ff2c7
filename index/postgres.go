package index

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/ragchat/database"
)

// PostgresStore serves an index kept in the kb_nodes table. Ranking is done
// by pgvector's L2 distance operator.
type PostgresStore struct {
	pool     *pgxpool.Pool
	meta     Meta
	ownsPool bool
}

// OpenPostgres reads the index metadata from kb_meta and checks that nodes
// are present. Failures wrap ErrIndexUnavailable.
func OpenPostgres(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: postgres pool is nil", ErrIndexUnavailable)
	}

	rows, err := pool.Query(ctx, "SELECT key, value FROM kb_meta")
	if err != nil {
		return nil, fmt.Errorf("%w: query kb_meta: %w", ErrIndexUnavailable, err)
	}
	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var kv [2]string
		err := row.Scan(&kv[0], &kv[1])
		return kv, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read kb_meta: %w", ErrIndexUnavailable, err)
	}

	meta := Meta{}
	for _, kv := range values {
		switch kv[0] {
		case "format_version":
			meta.FormatVersion, _ = strconv.Atoi(kv[1])
		case "embedding_model":
			meta.EmbeddingModel = kv[1]
		case "dimension":
			meta.Dimension, _ = strconv.Atoi(kv[1])
		case "built_at":
			meta.BuiltAt, _ = time.Parse(time.RFC3339, kv[1])
		}
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM kb_nodes").Scan(&count); err != nil {
		return nil, fmt.Errorf("%w: count kb_nodes: %w", ErrIndexUnavailable, err)
	}
	meta.NodeCount = count

	if err := validateMeta(meta); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool, meta: meta}, nil
}

func (s *PostgresStore) Meta() Meta {
	return s.meta
}

func (s *PostgresStore) Similar(ctx context.Context, embedding []float32, limit int) ([]ScoredNode, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, source_path, title, chunk_index, content,
		       (embedding <-> $1::vector) AS distance
		FROM kb_nodes
		ORDER BY embedding <-> $1::vector
		LIMIT $2
	`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query similar nodes: %w", err)
	}
	defer rows.Close()

	results := make([]ScoredNode, 0, limit)
	for rows.Next() {
		var (
			item     ScoredNode
			id       uuid.UUID
			distance float64
		)
		if err := rows.Scan(&id, &item.DocumentID, &item.Path, &item.Title, &item.ChunkIndex, &item.Text, &distance); err != nil {
			return nil, fmt.Errorf("scan similar node: %w", err)
		}
		item.ID = id.String()
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar nodes: %w", err)
	}

	return results, nil
}

// Close closes the pool only when the store opened it itself.
func (s *PostgresStore) Close() error {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresWriter replaces the index held in Postgres.
type PostgresWriter struct {
	Pool *pgxpool.Pool
}

func (w PostgresWriter) Replace(ctx context.Context, meta Meta, nodes []Node) (err error) {
	if err := database.EnsureIndexSchema(ctx, w.Pool, meta.Dimension); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	tx, err := w.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "TRUNCATE kb_nodes, kb_meta"); err != nil {
		return fmt.Errorf("truncate index tables: %w", err)
	}

	metaRows := [][2]string{
		{"format_version", strconv.Itoa(meta.FormatVersion)},
		{"embedding_model", meta.EmbeddingModel},
		{"dimension", strconv.Itoa(meta.Dimension)},
		{"built_at", meta.BuiltAt.UTC().Format(time.RFC3339)},
	}
	for _, kv := range metaRows {
		if _, err = tx.Exec(ctx, "INSERT INTO kb_meta (key, value) VALUES ($1, $2)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("insert meta %s: %w", kv[0], err)
		}
	}

	for _, node := range nodes {
		id, parseErr := uuid.Parse(node.ID)
		if parseErr != nil {
			id = uuid.New()
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO kb_nodes (id, document_id, source_path, title, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, node.DocumentID, node.Path, node.Title, node.ChunkIndex, node.Text, pgvector.NewVector(node.Embedding)); err != nil {
			return fmt.Errorf("insert node %d of %s: %w", node.ChunkIndex, node.Path, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

var _ Writer = PostgresWriter{}
