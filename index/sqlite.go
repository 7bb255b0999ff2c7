package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fabfab/ragchat/embeddings"
)

// DBFile is the database file name inside a persisted index directory.
const DBFile = "index.db"

var sqliteSchema = []string{
	`CREATE TABLE meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE nodes (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		source_path TEXT NOT NULL,
		title       TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content     TEXT NOT NULL,
		embedding   BLOB NOT NULL
	)`,
}

// SQLiteStore holds every node of an on-disk index in memory. The database
// is only read while opening.
type SQLiteStore struct {
	meta  Meta
	nodes []Node
}

// OpenDir deserializes the index persisted in dir. A missing directory or
// database file, an unreadable database and an empty index all wrap
// ErrIndexUnavailable.
func OpenDir(ctx context.Context, dir string) (*SQLiteStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrIndexUnavailable, dir)
	}

	path := filepath.Join(dir, DBFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIndexUnavailable, path, err)
	}
	defer db.Close()

	meta, err := readSQLiteMeta(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("%w: read meta: %w", ErrIndexUnavailable, err)
	}
	if err := validateMeta(meta); err != nil {
		return nil, err
	}

	nodes, err := readSQLiteNodes(ctx, db, meta.NodeCount)
	if err != nil {
		return nil, fmt.Errorf("%w: read nodes: %w", ErrIndexUnavailable, err)
	}
	if len(nodes) != meta.NodeCount {
		return nil, fmt.Errorf("%w: meta lists %d nodes, found %d", ErrIndexUnavailable, meta.NodeCount, len(nodes))
	}

	return &SQLiteStore{meta: meta, nodes: nodes}, nil
}

func (s *SQLiteStore) Meta() Meta {
	return s.meta
}

// Similar ranks all nodes by cosine similarity to embedding.
func (s *SQLiteStore) Similar(_ context.Context, embedding []float32, limit int) ([]ScoredNode, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	scored := make([]ScoredNode, len(s.nodes))
	for i := range s.nodes {
		scored[i] = ScoredNode{Node: s.nodes[i], Score: embeddings.Cosine(embedding, s.nodes[i].Embedding)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *SQLiteStore) Close() error {
	s.nodes = nil
	return nil
}

var _ Store = (*SQLiteStore)(nil)

func readSQLiteMeta(ctx context.Context, db *sql.DB) (Meta, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return Meta{}, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Meta{}, err
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Meta{}, err
	}

	var meta Meta
	if meta.FormatVersion, err = strconv.Atoi(values["format_version"]); err != nil {
		return Meta{}, fmt.Errorf("format_version: %w", err)
	}
	if meta.Dimension, err = strconv.Atoi(values["dimension"]); err != nil {
		return Meta{}, fmt.Errorf("dimension: %w", err)
	}
	if meta.NodeCount, err = strconv.Atoi(values["node_count"]); err != nil {
		return Meta{}, fmt.Errorf("node_count: %w", err)
	}
	meta.EmbeddingModel = values["embedding_model"]
	if built := values["built_at"]; built != "" {
		if meta.BuiltAt, err = time.Parse(time.RFC3339, built); err != nil {
			return Meta{}, fmt.Errorf("built_at: %w", err)
		}
	}
	return meta, nil
}

func readSQLiteNodes(ctx context.Context, db *sql.DB, capacity int) ([]Node, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, document_id, source_path, title, chunk_index, content, embedding
		FROM nodes
		ORDER BY source_path, chunk_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]Node, 0, capacity)
	for rows.Next() {
		var (
			node Node
			blob []byte
		)
		if err := rows.Scan(&node.ID, &node.DocumentID, &node.Path, &node.Title, &node.ChunkIndex, &node.Text, &blob); err != nil {
			return nil, err
		}
		if node.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// DirWriter persists an index as a SQLite database inside Dir.
type DirWriter struct {
	Dir string
}

// Replace removes Dir with everything in it and writes a fresh index. The
// database is first written to a sibling temp directory so a failed build
// does not leave a half-written index behind.
func (w DirWriter) Replace(ctx context.Context, meta Meta, nodes []Node) (err error) {
	if w.Dir == "" {
		return fmt.Errorf("index directory is empty")
	}
	parent := filepath.Dir(filepath.Clean(w.Dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create index parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, ".kb-build-*")
	if err != nil {
		return fmt.Errorf("create temp index dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err = writeSQLite(ctx, filepath.Join(tmp, DBFile), meta, nodes); err != nil {
		return err
	}

	if err = os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("remove previous index: %w", err)
	}
	if err = os.Rename(tmp, w.Dir); err != nil {
		return fmt.Errorf("move index into place: %w", err)
	}
	return nil
}

var _ Writer = DirWriter{}

func writeSQLite(ctx context.Context, path string, meta Meta, nodes []Node) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open index database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close index database: %w", closeErr)
		}
	}()

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	metaRows := map[string]string{
		"format_version":  strconv.Itoa(meta.FormatVersion),
		"embedding_model": meta.EmbeddingModel,
		"dimension":       strconv.Itoa(meta.Dimension),
		"node_count":      strconv.Itoa(len(nodes)),
		"built_at":        meta.BuiltAt.UTC().Format(time.RFC3339),
	}
	for key, value := range metaRows {
		if _, err = tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("insert meta %s: %w", key, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (id, document_id, source_path, title, chunk_index, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare node insert: %w", err)
	}
	defer stmt.Close()

	for _, node := range nodes {
		if _, err = stmt.ExecContext(ctx, node.ID, node.DocumentID, node.Path, node.Title, node.ChunkIndex, node.Text, encodeVector(node.Embedding)); err != nil {
			return fmt.Errorf("insert node %s: %w", node.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.New("embedding blob length is not a multiple of 4")
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
