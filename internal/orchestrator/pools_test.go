package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/metrics"
	"github.com/justnews/fabric/internal/stream"
)

func TestPoolLifecycle(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 2, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pool.Status != PoolStarting {
		t.Fatalf("status after start = %q, want %q", pool.Status, PoolStarting)
	}

	pool, err = env.pools.Heartbeat(ctx, pool.PoolID, 2)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if pool.Status != PoolRunning {
		t.Fatalf("status after heartbeat = %q, want %q", pool.Status, PoolRunning)
	}
	if pool.SpawnedWorkers != 2 {
		t.Errorf("spawned_workers = %d, want 2", pool.SpawnedWorkers)
	}

	pool, err = env.pools.Drain(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if pool.Status != PoolDraining {
		t.Fatalf("status after drain = %q, want %q", pool.Status, PoolDraining)
	}

	// Nothing in flight, so the next sweep finalizes the drain.
	env.pools.Sweep(ctx, time.Now().UTC())
	pool, err = env.pools.Get(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pool.Status != PoolStopped {
		t.Fatalf("status after sweep = %q, want %q", pool.Status, PoolStopped)
	}
	if !env.sawEvent(events.PoolStateChanged) {
		t.Error("no pool.state_changed event emitted")
	}
}

func TestDrainRequiresRunning(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.pools.Drain(ctx, pool.PoolID); fault.KindOf(err) != fault.KindPrecondition {
		t.Errorf("drain from starting: kind = %q, want precondition", fault.KindOf(err))
	}

	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := env.pools.Drain(ctx, pool.PoolID); err != nil {
		t.Fatalf("drain: %v", err)
	}
	// Draining again is a no-op, not an error.
	again, err := env.pools.Drain(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if again.Status != PoolDraining {
		t.Errorf("status = %q, want %q", again.Status, PoolDraining)
	}
}

func TestDrainWaitsForInFlightJobs(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	job, err := env.queue.Submit(ctx, "inference", json.RawMessage(`{"prompt":"x"}`), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.store.ClaimJob(job.JobID, pool.PoolID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := env.pools.Drain(ctx, pool.PoolID); err != nil {
		t.Fatalf("drain: %v", err)
	}
	env.pools.Sweep(ctx, time.Now().UTC())
	got, err := env.pools.Get(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != PoolDraining {
		t.Fatalf("status with job in flight = %q, want %q", got.Status, PoolDraining)
	}

	if _, err := env.queue.Complete(ctx, job.JobID, JobSucceeded, nil, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	env.pools.Sweep(ctx, time.Now().UTC())
	got, err = env.pools.Get(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != PoolStopped {
		t.Errorf("status after drain finished = %q, want %q", got.Status, PoolStopped)
	}
}

func TestStopIsTerminal(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Stop is the operator override, legal from any state.
	if _, err := env.pools.Stop(ctx, pool.PoolID); err != nil {
		t.Fatalf("stop from starting: %v", err)
	}
	stopped, err := env.pools.Stop(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if stopped.Status != PoolStopped {
		t.Errorf("status = %q, want %q", stopped.Status, PoolStopped)
	}

	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); fault.KindOf(err) != fault.KindPrecondition {
		t.Errorf("heartbeat on stopped pool: kind = %q, want precondition", fault.KindOf(err))
	}
}

func TestSweepDegradesStartTimeout(t *testing.T) {
	env := newTestEnv(t, testCfg())
	now := time.Now().UTC()

	stuck := Pool{
		PoolID:         "stuck-pool",
		AgentName:      "analyst",
		ModelID:        "mistral-7b",
		DesiredWorkers: 1,
		StartedAt:      now.Add(-3 * time.Minute),
		LastHeartbeat:  now.Add(-3 * time.Minute),
		Status:         PoolStarting,
	}
	if err := env.store.InsertPool(stuck); err != nil {
		t.Fatalf("insert pool: %v", err)
	}

	env.pools.Sweep(context.Background(), now)

	got, err := env.pools.Get(context.Background(), stuck.PoolID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != PoolDegraded {
		t.Errorf("status = %q, want %q", got.Status, PoolDegraded)
	}
	if !env.sawEvent(events.PoolDegraded) {
		t.Error("no pool.degraded event emitted")
	}
}

func TestSweepDegradesStaleHeartbeatThenRecovers(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()
	now := time.Now().UTC()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := env.store.TouchPool(pool.PoolID, now.Add(-5*time.Minute), 1); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	env.pools.Sweep(ctx, now)
	got, err := env.pools.Get(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != PoolDegraded {
		t.Fatalf("status = %q, want %q", got.Status, PoolDegraded)
	}

	// No OOM on record, so the next heartbeat recovers the pool.
	recovered, err := env.pools.Heartbeat(ctx, pool.PoolID, 1)
	if err != nil {
		t.Fatalf("recovery heartbeat: %v", err)
	}
	if recovered.Status != PoolRunning {
		t.Errorf("status after recovery = %q, want %q", recovered.Status, PoolRunning)
	}
}

func TestSweepIdleHoldDrains(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	idle, err := env.pools.Start(ctx, "synthesizer", "mistral-7b", "", 1, 1)
	if err != nil {
		t.Fatalf("start idle: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, idle.PoolID, 1); err != nil {
		t.Fatalf("heartbeat idle: %v", err)
	}

	busy, err := env.pools.Start(ctx, "synthesizer", "llama-8b", "", 1, 1)
	if err != nil {
		t.Fatalf("start busy: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, busy.PoolID, 1); err != nil {
		t.Fatalf("heartbeat busy: %v", err)
	}
	job, err := env.queue.Submit(ctx, "inference", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.store.ClaimJob(job.JobID, busy.PoolID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Ninety seconds out the heartbeats still read fresh, but the one
	// second hold has long lapsed for the pool with nothing to do.
	env.pools.Sweep(ctx, time.Now().UTC().Add(90*time.Second))

	got, err := env.pools.Get(ctx, idle.PoolID)
	if err != nil {
		t.Fatalf("get idle: %v", err)
	}
	if got.Status != PoolDraining {
		t.Errorf("idle pool status = %q, want %q", got.Status, PoolDraining)
	}
	got, err = env.pools.Get(ctx, busy.PoolID)
	if err != nil {
		t.Fatalf("get busy: %v", err)
	}
	if got.Status != PoolRunning {
		t.Errorf("busy pool status = %q, want %q", got.Status, PoolRunning)
	}
}

func TestSweepOOMDegradesAndRestarts(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	restarts := 0
	env.pools.SetRestartFunc(func(ctx context.Context, p *Pool) error {
		restarts++
		return nil
	})

	if _, err := env.stream.Publish(ctx, stream.PoolLogStream(pool.PoolID), map[string]string{
		"line": "torch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB",
	}); err != nil {
		t.Fatalf("publish log: %v", err)
	}

	oomsBefore := counterValue(metrics.VLLMOOMsTotal)
	now := time.Now().UTC()
	env.pools.Sweep(ctx, now)

	got, err := env.pools.Get(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != PoolDegraded {
		t.Fatalf("status after oom = %q, want %q", got.Status, PoolDegraded)
	}
	if restarts != 1 {
		t.Fatalf("restart requests = %d, want 1", restarts)
	}
	if delta := counterValue(metrics.VLLMOOMsTotal) - oomsBefore; delta != 1 {
		t.Errorf("oom counter delta = %v, want 1", delta)
	}
	if !env.sawEvent(events.PoolRestarted) {
		t.Error("no pool.restarted event emitted")
	}

	// Same instant: the five second backoff has not elapsed.
	env.pools.Sweep(ctx, now)
	if restarts != 1 {
		t.Errorf("restart requests after immediate sweep = %d, want 1", restarts)
	}

	// Past the backoff the next attempt goes out.
	env.pools.Sweep(ctx, now.Add(6*time.Second))
	if restarts != 2 {
		t.Errorf("restart requests after backoff = %d, want 2", restarts)
	}
}

func TestHeartbeatHeldDegradedInsideQuietWindow(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := env.stream.Publish(ctx, stream.PoolLogStream(pool.PoolID), map[string]string{
		"line": "CUDA out of memory",
	}); err != nil {
		t.Fatalf("publish log: %v", err)
	}
	env.pools.Sweep(ctx, time.Now().UTC())

	// A heartbeat right after the OOM does not clear degraded.
	got, err := env.pools.Heartbeat(ctx, pool.PoolID, 1)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got.Status != PoolDegraded {
		t.Fatalf("status inside quiet window = %q, want %q", got.Status, PoolDegraded)
	}

	// Once the window has passed without another OOM, it does.
	env.pools.mu.Lock()
	st, ok := env.pools.restarts[pool.PoolID]
	if ok {
		st.lastOOM = time.Now().UTC().Add(-10 * time.Minute)
	}
	env.pools.mu.Unlock()
	if !ok {
		t.Fatal("no restart state recorded for pool")
	}

	got, err = env.pools.Heartbeat(ctx, pool.PoolID, 1)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got.Status != PoolRunning {
		t.Errorf("status after quiet window = %q, want %q", got.Status, PoolRunning)
	}
}

func TestNextRestartActionBoundedSchedule(t *testing.T) {
	env := newTestEnv(t, testCfg())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	const poolID = "oom-pool"

	action, attempt := env.pools.nextRestartAction(poolID, true, base)
	if action != restartActionRequest || attempt != 1 {
		t.Fatalf("first oom: action=%d attempt=%d, want request/1", action, attempt)
	}

	// Inside the backoff nothing happens.
	if action, _ := env.pools.nextRestartAction(poolID, false, base.Add(time.Second)); action != restartActionNone {
		t.Fatalf("inside backoff: action=%d, want none", action)
	}

	// Each sweep past its backoff issues the next attempt, up to six.
	now := base
	for want := 2; want <= maxRestartAttempts; want++ {
		now = now.Add(10 * time.Minute)
		action, attempt = env.pools.nextRestartAction(poolID, false, now)
		if action != restartActionRequest || attempt != want {
			t.Fatalf("attempt %d: action=%d attempt=%d", want, action, attempt)
		}
	}

	// The seventh eligibility exhausts the schedule.
	now = now.Add(10 * time.Minute)
	action, attempt = env.pools.nextRestartAction(poolID, false, now)
	if action != restartActionExhaust || attempt != maxRestartAttempts {
		t.Fatalf("exhaustion: action=%d attempt=%d", action, attempt)
	}

	// After exhaustion the ledger goes quiet.
	if action, _ := env.pools.nextRestartAction(poolID, true, now.Add(10*time.Minute)); action != restartActionNone {
		t.Errorf("after exhaustion: action=%d, want none", action)
	}
}

func TestRestartDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute},
		{0, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := restartDelay(tc.attempt); got != tc.want {
			t.Errorf("restartDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDetectOOM(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]string
		want   bool
	}{
		{"cuda", map[string]string{"line": "RuntimeError: CUDA out of memory"}, true},
		{"torch class", map[string]string{"line": "torch.cuda.OutOfMemoryError"}, true},
		{"mixed case", map[string]string{"line": "Out Of Memory while loading shard"}, true},
		{"other field", map[string]string{"level": "error", "msg": "worker hit out of memory"}, true},
		{"healthy", map[string]string{"line": "INFO loading weights took 12.4s"}, false},
		{"empty", map[string]string{}, false},
	}
	for _, tc := range cases {
		if got := detectOOM(tc.values); got != tc.want {
			t.Errorf("%s: detectOOM = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestLivePoolForSkipsStale(t *testing.T) {
	env := newTestEnv(t, testCfg())
	ctx := context.Background()
	now := time.Now().UTC()

	pool, err := env.pools.Start(ctx, "analyst", "mistral-7b", "qlora-v2", 1, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.pools.Heartbeat(ctx, pool.PoolID, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	live, err := env.pools.LivePoolFor("mistral-7b", "qlora-v2", now)
	if err != nil {
		t.Fatalf("live pool: %v", err)
	}
	if live == nil || live.PoolID != pool.PoolID {
		t.Fatalf("live pool = %+v, want %s", live, pool.PoolID)
	}

	// A different tuple has no pool at all.
	if none, _ := env.pools.LivePoolFor("mistral-7b", "", now); none != nil {
		t.Errorf("adapter mismatch returned %+v", none)
	}

	if err := env.store.TouchPool(pool.PoolID, now.Add(-5*time.Minute), 1); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if stale, _ := env.pools.LivePoolFor("mistral-7b", "qlora-v2", now); stale != nil {
		t.Errorf("stale pool returned %+v", stale)
	}
}
