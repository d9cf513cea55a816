package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is the in-process vector store.
type Memory struct {
	mu     sync.RWMutex
	size   int
	points map[string]Point
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory vector store.
func NewMemory() *Memory {
	return &Memory{points: make(map[string]Point)}
}

func (m *Memory) EnsureCollection(ctx context.Context, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.size != 0 && size != 0 && m.size != size {
		return fmt.Errorf("collection holds %d-dimensional vectors, requested %d", m.size, size)
	}
	if size != 0 {
		m.size = size
	}
	return nil
}

func (m *Memory) Upsert(ctx context.Context, points ...Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point without id")
		}
		if m.size != 0 && len(p.Vector) != m.size {
			return fmt.Errorf("vector has %d dimensions, collection holds %d", len(p.Vector), m.size)
		}
		m.points[p.ID] = p
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.points))
	for _, p := range m.points {
		if len(p.Vector) != len(vector) {
			continue
		}
		matches = append(matches, Match{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count reports how many points are stored.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
