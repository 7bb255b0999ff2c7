package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/ragchat/embeddings"
	"github.com/fabfab/ragchat/index"
)

const (
	defaultChunkSize = 1000
	// defaultChunkOverlap carries the last paragraph of a chunk into the
	// next one when positive.
	defaultChunkOverlap = 1
	defaultBatchSize    = 16
	defaultConcurrency  = 4
)

// ErrNoDocuments is returned when the data directory yields no chunks. An
// empty index would fail to load, so nothing is written.
var ErrNoDocuments = errors.New("no documents to index")

type Options struct {
	EmbeddingModel string
	// Dimension, when positive, is checked against every embedding.
	Dimension   int
	BatchSize   int
	Concurrency int
	CSVEncoding string
}

type Service struct {
	embedder embeddings.Embedder
	writer   index.Writer
	logger   *zap.Logger
	opts     Options
}

func NewService(embedder embeddings.Embedder, writer index.Writer, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	return &Service{
		embedder: embedder,
		writer:   writer,
		logger:   logger,
		opts:     opts,
	}
}

// BuildIndex reads every supported document under dir, embeds its chunks
// and replaces the index with the result.
func (s *Service) BuildIndex(ctx context.Context, dir string) (index.Meta, error) {
	if s.embedder == nil {
		return index.Meta{}, fmt.Errorf("embedder not configured")
	}
	if s.writer == nil {
		return index.Meta{}, fmt.Errorf("index writer not configured")
	}
	if _, err := os.Stat(dir); err != nil {
		return index.Meta{}, fmt.Errorf("data directory: %w", err)
	}

	paths, err := collectFiles(dir)
	if err != nil {
		return index.Meta{}, err
	}

	nodes := make([]index.Node, 0)
	for _, path := range paths {
		docNodes, err := s.parseFile(ctx, dir, path)
		if err != nil {
			s.logger.Warn("skip document", zap.String("path", path), zap.Error(err))
			continue
		}
		nodes = append(nodes, docNodes...)
	}
	if len(nodes) == 0 {
		return index.Meta{}, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}

	s.logger.Info("embedding chunks",
		zap.Int("documents", len(paths)),
		zap.Int("chunks", len(nodes)),
		zap.String("model", s.opts.EmbeddingModel))

	if err := s.embedNodes(ctx, nodes); err != nil {
		return index.Meta{}, err
	}

	meta := index.Meta{
		FormatVersion:  index.FormatVersion,
		EmbeddingModel: s.opts.EmbeddingModel,
		Dimension:      len(nodes[0].Embedding),
		NodeCount:      len(nodes),
		BuiltAt:        time.Now().UTC(),
	}
	if err := s.writer.Replace(ctx, meta, nodes); err != nil {
		return index.Meta{}, fmt.Errorf("write index: %w", err)
	}

	s.logger.Info("index built",
		zap.Int("nodes", meta.NodeCount),
		zap.Int("dimension", meta.Dimension))
	return meta, nil
}

// collectFiles walks dir recursively. Hidden directories are skipped so an
// index kept under the data directory is never read back in.
func collectFiles(dir string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk data directory: %w", err)
	}
	return entries, nil
}

func (s *Service) parseFile(ctx context.Context, root, path string) ([]index.Node, error) {
	parser := parserFor(DetectFormat(path), s.opts.CSVEncoding)
	if parser == nil {
		return nil, fmt.Errorf("unsupported format")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)

	doc, err := parser.Parse(ctx, DocumentPayload{Path: relPath, Data: data})
	if err != nil {
		return nil, err
	}
	if len(doc.Chunks) == 0 {
		s.logger.Debug("skip empty document", zap.String("path", relPath))
		return nil, nil
	}

	docID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(relPath)).String()
	nodes := make([]index.Node, 0, len(doc.Chunks))
	for idx, text := range doc.Chunks {
		nodes = append(nodes, index.Node{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Path:       relPath,
			Title:      doc.Title,
			ChunkIndex: idx,
			Text:       text,
		})
	}

	s.logger.Debug("parsed document",
		zap.String("path", relPath),
		zap.Int("chunks", len(nodes)))
	return nodes, nil
}

// embedNodes fills in embeddings batch by batch with bounded concurrency.
// Each batch writes to its own slice range.
func (s *Service) embedNodes(ctx context.Context, nodes []index.Node) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for start := 0; start < len(nodes); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(nodes))
		batch := nodes[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i := range batch {
				texts[i] = batch[i].Text
			}

			vectors, err := s.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("generate embeddings for chunks %d-%d: %w", start, end, err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(batch), len(vectors))
			}
			for i := range batch {
				if s.opts.Dimension > 0 && len(vectors[i]) != s.opts.Dimension {
					return fmt.Errorf("embedding dimension mismatch for %s: expected %d, got %d",
						batch[i].Path, s.opts.Dimension, len(vectors[i]))
				}
				batch[i].Embedding = vectors[i]
			}
			return nil
		})
	}

	return g.Wait()
}

func ExtractTitle(content, fallback string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return fallback
}

// ChunkMarkdown packs blank-line separated paragraphs into chunks of about
// target bytes. A paragraph longer than target becomes its own chunk.
func ChunkMarkdown(content string, target, overlap int) []string {
	clean := strings.ReplaceAll(content, "\r\n", "\n")
	paragraphs := strings.Split(clean, "\n\n")
	chunks := make([]string, 0)
	current := make([]string, 0)
	currentLen := 0

	for _, paragraph := range paragraphs {
		p := strings.TrimSpace(paragraph)
		if p == "" {
			continue
		}

		paragraphLen := len(p)
		if currentLen+paragraphLen > target && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			if overlap > 0 {
				last := current[len(current)-1]
				current = []string{last}
				currentLen = len(last)
			} else {
				current = current[:0]
				currentLen = 0
			}
		}

		current = append(current, p)
		currentLen += paragraphLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n\n"))
	}

	return chunks
}
