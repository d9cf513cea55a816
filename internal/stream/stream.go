// Package stream abstracts the append-only work streams the orchestrator
// and ingest pipeline coordinate through. The production implementation
// rides on Redis Streams consumer groups; a single-process in-memory
// implementation backs development mode and tests.
package stream

import (
	"context"
	"time"
)

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes a delivered-but-unacknowledged entry in a
// consumer group.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Stream is the transport between job submitters and worker pools.
// Delivery is at least once: entries stay pending until acknowledged and
// can be claimed by another consumer after going stale.
type Stream interface {
	// Publish appends values to the named stream and returns the entry ID.
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
	// EnsureGroup creates the consumer group if it does not exist yet.
	// Existing groups are left untouched.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup delivers up to count new entries to consumer, blocking up
	// to block when the stream is empty. A non-positive block returns
	// immediately. Returns nil when nothing is available.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error)
	// Ack acknowledges delivered entries, removing them from the pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Pending lists entries that have been idle for at least minIdle.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int) ([]PendingEntry, error)
	// Claim transfers ownership of pending entries to consumer, provided
	// they have been idle for at least minIdle.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error)
	// Depth returns the number of entries in the stream.
	Depth(ctx context.Context, stream string) (int64, error)
	Close() error
}

// JobStream names the work stream for a job type.
func JobStream(jobType string) string {
	return "stream:orchestrator:" + jobType
}

// DLQStream names the dead-letter stream for a job type.
func DLQStream(jobType string) string {
	return JobStream(jobType) + ":dlq"
}

// PoolLogStream names the log stream a worker pool's runtime writes to.
// The orchestrator watches it for out-of-memory markers.
func PoolLogStream(poolID string) string {
	return "stream:orchestrator:pool:" + poolID + ":log"
}

// Open returns the Redis-backed stream for redis:// URLs and the
// in-memory single-process implementation for "memory" or an empty URL.
func Open(url string) (Stream, error) {
	if url == "" || url == "memory" {
		return NewMemory(), nil
	}
	return NewRedis(url)
}
