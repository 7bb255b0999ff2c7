// Package index loads a persisted document index and exposes it as a query
// handle that answers questions through a language model.
//
// An index is written once by the build step and is read-only afterwards,
// so a loaded handle is shared by every chat session without locking.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FormatVersion is bumped whenever the persisted layout changes.
const FormatVersion = 1

var (
	// ErrIndexUnavailable marks a missing or unreadable persisted index.
	// It is a startup precondition: callers stop instead of serving.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrRemoteCall wraps every failure of a dispatched query. Auth, quota
	// and network errors are not told apart.
	ErrRemoteCall = errors.New("remote call failed")
)

// Node is one chunk of a source document together with its embedding.
type Node struct {
	ID         string
	DocumentID string
	Path       string
	Title      string
	ChunkIndex int
	Text       string
	Embedding  []float32
}

type ScoredNode struct {
	Node
	Score float64
}

// Meta describes a persisted index.
type Meta struct {
	FormatVersion  int
	EmbeddingModel string
	Dimension      int
	NodeCount      int
	BuiltAt        time.Time
}

// Store is a loaded index backend.
type Store interface {
	Meta() Meta
	Similar(ctx context.Context, embedding []float32, limit int) ([]ScoredNode, error)
	Close() error
}

// Writer replaces the whole content of an index backend.
type Writer interface {
	Replace(ctx context.Context, meta Meta, nodes []Node) error
}

type Source struct {
	DocumentID string
	Title      string
	Path       string
	Snippet    string
	Score      float64
}

type Response struct {
	Answer  string
	Sources []Source
}

// QueryHandle is the single operation a loaded index offers.
type QueryHandle interface {
	Query(ctx context.Context, text string) (Response, error)
}

// Dispatch sends prompt to handle and returns the answer text. It blocks
// until the handle returns; there is no retry and no timeout beyond ctx.
func Dispatch(ctx context.Context, handle QueryHandle, prompt string) (string, error) {
	if handle == nil {
		return "", fmt.Errorf("%w: no query handle", ErrRemoteCall)
	}
	resp, err := handle.Query(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteCall, err)
	}
	return resp.Answer, nil
}

func validateMeta(meta Meta) error {
	if meta.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrIndexUnavailable, meta.FormatVersion)
	}
	if meta.NodeCount == 0 {
		return fmt.Errorf("%w: index holds no nodes", ErrIndexUnavailable)
	}
	return nil
}
