package stream_test

import (
	"testing"
	"time"

	"github.com/justnews/fabric/internal/stream"
)

func newGroupedStream(t *testing.T, name, group string) *stream.Memory {
	t.Helper()
	m := stream.NewMemory()
	if _, err := m.Publish(t.Context(), name, map[string]string{"seed": "1"}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}
	if err := m.EnsureGroup(t.Context(), name, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return m
}

func TestPublishReadAck(t *testing.T) {
	ctx := t.Context()
	name := stream.JobStream("inference")
	m := newGroupedStream(t, name, "workers")

	id, err := m.Publish(ctx, name, map[string]string{"job_id": "j1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("empty entry id")
	}

	msgs, err := m.ReadGroup(ctx, name, "workers", "c1", 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// The seed entry plus the new one: the group starts at the beginning.
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Values["job_id"] != "j1" {
		t.Errorf("values = %v", msgs[1].Values)
	}

	// Unacked entries are pending.
	pending, err := m.Pending(ctx, name, "workers", 0, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].Consumer != "c1" || pending[0].Deliveries != 1 {
		t.Errorf("pending entry = %+v", pending[0])
	}

	if err := m.Ack(ctx, name, "workers", msgs[0].ID, msgs[1].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, _ = m.Pending(ctx, name, "workers", 0, 0)
	if len(pending) != 0 {
		t.Errorf("pending after ack = %d, want 0", len(pending))
	}

	// Nothing new to read.
	msgs, err = m.ReadGroup(ctx, name, "workers", "c1", 10, 0)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("second read = %d messages, want 0", len(msgs))
	}
}

func TestClaimTransfersOwnership(t *testing.T) {
	ctx := t.Context()
	name := stream.JobStream("embedding")
	m := newGroupedStream(t, name, "workers")

	msgs, err := m.ReadGroup(ctx, name, "workers", "dead-consumer", 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read: %v (%d msgs)", err, len(msgs))
	}

	// Too fresh to claim.
	claimed, err := m.Claim(ctx, name, "workers", "live-consumer", time.Hour, msgs[0].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("claim should skip entries under min idle")
	}

	time.Sleep(15 * time.Millisecond)
	claimed, err = m.Claim(ctx, name, "workers", "live-consumer", 10*time.Millisecond, msgs[0].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(claimed))
	}

	pending, _ := m.Pending(ctx, name, "workers", 0, 0)
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if pending[0].Consumer != "live-consumer" {
		t.Errorf("consumer = %q, want live-consumer", pending[0].Consumer)
	}
	if pending[0].Deliveries != 2 {
		t.Errorf("deliveries = %d, want 2", pending[0].Deliveries)
	}
}

func TestPendingFiltersByIdle(t *testing.T) {
	ctx := t.Context()
	name := stream.JobStream("training")
	m := newGroupedStream(t, name, "workers")

	if _, err := m.ReadGroup(ctx, name, "workers", "c1", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	pending, err := m.Pending(ctx, name, "workers", time.Hour, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("fresh entries should not match an hour of idle")
	}

	time.Sleep(15 * time.Millisecond)
	pending, err = m.Pending(ctx, name, "workers", 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestReadGroupBlocksUntilPublish(t *testing.T) {
	ctx := t.Context()
	name := stream.JobStream("inference")
	m := stream.NewMemory()
	if _, err := m.Publish(ctx, name, map[string]string{"seed": "1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.EnsureGroup(ctx, name, "workers"); err != nil {
		t.Fatalf("group: %v", err)
	}
	if _, err := m.ReadGroup(ctx, name, "workers", "c1", 10, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Publish(ctx, name, map[string]string{"job_id": "late"})
	}()

	start := time.Now()
	msgs, err := m.ReadGroup(ctx, name, "workers", "c1", 10, time.Second)
	if err != nil {
		t.Fatalf("blocking read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Values["job_id"] != "late" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("blocking read took longer than expected")
	}
}

func TestReadGroupUnknownGroup(t *testing.T) {
	m := stream.NewMemory()
	if _, err := m.ReadGroup(t.Context(), "stream:none", "g", "c", 1, 0); err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestDepthAndNames(t *testing.T) {
	ctx := t.Context()
	m := stream.NewMemory()

	name := stream.JobStream("inference")
	if name != "stream:orchestrator:inference" {
		t.Errorf("job stream name = %q", name)
	}
	if got := stream.DLQStream("inference"); got != "stream:orchestrator:inference:dlq" {
		t.Errorf("dlq stream name = %q", got)
	}
	if got := stream.PoolLogStream("p1"); got != "stream:orchestrator:pool:p1:log" {
		t.Errorf("pool log stream name = %q", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.Publish(ctx, name, map[string]string{"n": "x"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	depth, err := m.Depth(ctx, name)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}

	depth, _ = m.Depth(ctx, "stream:empty")
	if depth != 0 {
		t.Errorf("depth of missing stream = %d, want 0", depth)
	}
}
