package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a single-process Stream used in development mode and tests.
// It mirrors the consumer-group semantics the Redis implementation
// provides: new entries per group cursor, a pending list per group, and
// claim-based ownership transfer.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	seq     int64
}

type memStream struct {
	entries []Message
	groups  map[string]*memGroup
}

type memGroup struct {
	nextIndex int
	pending   map[string]*memPending
}

type memPending struct {
	index       int
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

var _ Stream = (*Memory)(nil)

// NewMemory returns an empty in-memory stream fabric.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

func (m *Memory) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, Message{ID: id, Values: copied})
	return id, nil
}

func (m *Memory) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		msgs, err := m.tryRead(stream, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || block <= 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) tryRead(stream, group, consumer string, count int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, g, err := m.group(stream, group)
	if err != nil {
		return nil, err
	}

	var out []Message
	now := time.Now()
	for g.nextIndex < len(s.entries) {
		if count > 0 && len(out) >= count {
			break
		}
		e := s.entries[g.nextIndex]
		g.pending[e.ID] = &memPending{
			index:       g.nextIndex,
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  1,
		}
		g.nextIndex++
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, g, err := m.group(stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int) ([]PendingEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, g, err := m.group(stream, group)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []PendingEntry
	for id, p := range g.pending {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		out = append(out, PendingEntry{
			ID:         id,
			Consumer:   p.consumer,
			Idle:       idle,
			Deliveries: p.deliveries,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return g.pending[out[i].ID].index < g.pending[out[j].ID].index
	})
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, g, err := m.group(stream, group)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []Message
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, s.entries[p.index])
	}
	return out, nil
}

func (m *Memory) Depth(ctx context.Context, stream string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (m *Memory) Close() error { return nil }

// stream returns the named stream, creating it if needed. Callers hold mu.
func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

// group resolves a stream and consumer group. Callers hold mu.
func (m *Memory) group(stream, group string) (*memStream, *memGroup, error) {
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("no such stream %s", stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("no such group %s on %s", group, stream)
	}
	return s, g, nil
}
