// Package vector mirrors article embeddings into a vector store and
// serves similarity lookups. Client speaks the Qdrant REST API; Memory
// is the in-process implementation for single-node dev and tests.
package vector

import (
	"context"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Match is one similarity search result.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Store is the vector store surface the pipeline and memory service
// use. Implementations must be safe for concurrent use.
type Store interface {
	// EnsureCollection makes the configured collection exist with the
	// given vector dimension. Calling it for an existing collection is
	// a no-op.
	EnsureCollection(ctx context.Context, size int) error
	// Upsert writes points keyed by ID, replacing existing vectors.
	Upsert(ctx context.Context, points ...Point) error
	// Search returns up to limit points nearest to vector, best first.
	Search(ctx context.Context, vector []float32, limit int) ([]Match, error)
}

// Open returns the Qdrant-backed store for http(s):// URLs and the
// in-memory implementation for "memory" or an empty URL.
func Open(cfg config.VectorConfig, logger *zap.Logger) (Store, error) {
	if cfg.URL == "" || cfg.URL == "memory" {
		return NewMemory(), nil
	}
	return NewClient(cfg, logger), nil
}
