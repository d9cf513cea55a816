package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/stream"
)

func TestSubmitJobDurableBeforePublish(t *testing.T) {
	st := newTestStore(t)
	str := stream.NewMemory()
	q := NewQueue(st, str, testCfg(), events.NewBus(8), zap.NewNop())
	ctx := context.Background()

	job, err := q.Submit(ctx, "inference", json.RawMessage(`{"prompt":"summarize"}`), SubmitOptions{ModelID: "mistral-7b"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != JobPending || job.Attempts != 0 {
		t.Errorf("job = %+v", job)
	}

	stored, err := st.GetJob(job.JobID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if string(stored.Payload) != `{"prompt":"summarize"}` {
		t.Errorf("payload = %s", stored.Payload)
	}

	depth, err := str.Depth(ctx, stream.JobStream("inference"))
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("stream depth = %d, want 1", depth)
	}
}

func TestSubmitQueueFullAtCeiling(t *testing.T) {
	st := newTestStore(t)
	cfg := testCfg()
	cfg.QueueMaxPending = 3
	q := NewQueue(st, stream.NewMemory(), cfg, nil, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(ctx, "embedding", nil, SubmitOptions{}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := q.Submit(ctx, "embedding", nil, SubmitOptions{})
	if fault.CodeOf(err) != fault.CodeQueueFull {
		t.Errorf("code = %q, want %q", fault.CodeOf(err), fault.CodeQueueFull)
	}

	// Other job types keep their own ceiling.
	if _, err := q.Submit(ctx, "inference", nil, SubmitOptions{}); err != nil {
		t.Errorf("different type should still submit: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	q := NewQueue(newTestStore(t), stream.NewMemory(), testCfg(), nil, zap.NewNop())
	ctx := context.Background()

	cases := []struct {
		jobType string
		payload json.RawMessage
	}{
		{"", nil},
		{"Inference", nil},
		{"bad type", nil},
		{"inference", json.RawMessage(`{broken`)},
	}
	for _, c := range cases {
		if _, err := q.Submit(ctx, c.jobType, c.payload, SubmitOptions{}); !fault.Is(err, fault.KindValidation) {
			t.Errorf("Submit(%q, %s) kind = %q, want validation", c.jobType, c.payload, fault.KindOf(err))
		}
	}
}

func TestCompleteJob(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st, stream.NewMemory(), testCfg(), nil, zap.NewNop())
	ctx := context.Background()

	job, err := q.Submit(ctx, "inference", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, err := q.Complete(ctx, job.JobID, JobSucceeded, json.RawMessage(`{"summary":"ok"}`), "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != JobSucceeded {
		t.Errorf("status = %q", done.Status)
	}
	if string(done.Result) != `{"summary":"ok"}` {
		t.Errorf("result = %s", done.Result)
	}

	if _, err := q.Complete(ctx, job.JobID, JobPending, nil, ""); !fault.Is(err, fault.KindValidation) {
		t.Errorf("non-terminal complete kind = %q, want validation", fault.KindOf(err))
	}
}

func TestGetJobNotFound(t *testing.T) {
	q := NewQueue(newTestStore(t), stream.NewMemory(), testCfg(), nil, zap.NewNop())
	_, err := q.Get(context.Background(), "no-such-job")
	if !fault.Is(err, fault.KindNotFound) {
		t.Errorf("kind = %q, want not_found", fault.KindOf(err))
	}
}
