package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/metrics"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/stream"
)

const (
	// startTimeout bounds how long a pool may sit in starting before the
	// sweep declares it degraded.
	startTimeout = 2 * time.Minute
	// oomQuietWindow is how long after the last OOM a degraded pool must
	// heartbeat cleanly before it is considered recovered.
	oomQuietWindow = 5 * time.Minute

	restartInitialDelay = 5 * time.Second
	restartMaxDelay     = 5 * time.Minute
	maxRestartAttempts  = 6

	oomWatchGroup    = "oom-watch"
	oomWatchConsumer = "orchestrator"
)

// RestartFunc asks the model runtime supervising a pool to restart its
// workers. The default publishes a control entry on the pool's log stream.
type RestartFunc func(ctx context.Context, pool *Pool) error

// PoolManager owns worker-pool rows and their state machine, watches pool
// log streams for out-of-memory markers and drives bounded restarts.
type PoolManager struct {
	store  *Store
	stream stream.Stream
	events *events.Bus
	logger *zap.Logger
	cfg    config.OrchestratorConfig

	restartFn RestartFunc

	mu       sync.Mutex
	restarts map[string]*restartState
}

type restartState struct {
	attempts    int
	nextAttempt time.Time
	lastOOM     time.Time
	exhausted   bool
}

// NewPoolManager wires a pool manager over the durable store and the
// stream substrate.
func NewPoolManager(st *Store, str stream.Stream, cfg config.OrchestratorConfig, eventBus *events.Bus, logger *zap.Logger) *PoolManager {
	m := &PoolManager{
		store:    st,
		stream:   str,
		events:   eventBus,
		logger:   logger,
		cfg:      cfg,
		restarts: make(map[string]*restartState),
	}
	m.restartFn = m.publishRestartDirective
	return m
}

// SetRestartFunc overrides how worker restarts are requested.
func (m *PoolManager) SetRestartFunc(fn RestartFunc) {
	if fn != nil {
		m.restartFn = fn
	}
}

func (m *PoolManager) staleThreshold() time.Duration {
	secs := m.cfg.ClaimStalenessSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// Start creates a pool in starting state and registers its log stream for
// OOM watching.
func (m *PoolManager) Start(ctx context.Context, agent, modelID, adapter string, desiredWorkers, holdSeconds int) (*Pool, error) {
	const op = "orchestrator.pool_start"

	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, fault.New(fault.KindValidation, op, "model_id is required")
	}
	if desiredWorkers <= 0 {
		desiredWorkers = 1
	}
	if holdSeconds < 0 {
		holdSeconds = 0
	}

	now := time.Now().UTC()
	pool := Pool{
		PoolID:         uuid.NewString(),
		AgentName:      strings.TrimSpace(agent),
		ModelID:        modelID,
		Adapter:        strings.TrimSpace(adapter),
		DesiredWorkers: desiredWorkers,
		StartedAt:      now,
		LastHeartbeat:  now,
		Status:         PoolStarting,
		HoldSeconds:    holdSeconds,
	}
	if err := m.store.InsertPool(pool); err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	if err := m.stream.EnsureGroup(ctx, stream.PoolLogStream(pool.PoolID), oomWatchGroup); err != nil {
		m.logger.Warn("pool log stream group", zap.String("pool", pool.PoolID), zap.Error(err))
	}

	m.recordStatus(&pool)
	m.logger.Info("pool starting",
		zap.String("pool", pool.PoolID),
		zap.String("model", pool.ModelID),
		zap.String("adapter", pool.Adapter),
		zap.Int("desired_workers", desiredWorkers),
	)
	m.emitState(&pool, PoolStarting, "pool starting")
	return &pool, nil
}

// Heartbeat records worker liveness. The first healthy heartbeat moves a
// starting pool to running; a degraded pool recovers once it heartbeats
// with no OOM inside the quiet window.
func (m *PoolManager) Heartbeat(ctx context.Context, poolID string, spawnedWorkers int) (*Pool, error) {
	const op = "orchestrator.pool_heartbeat"

	pool, err := m.getPool(op, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == PoolStopped {
		return nil, fault.New(fault.KindPrecondition, op, "pool %s is stopped", poolID)
	}

	now := time.Now().UTC()
	if spawnedWorkers < 0 {
		spawnedWorkers = pool.SpawnedWorkers
	}
	if err := m.store.TouchPool(poolID, now, spawnedWorkers); err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	pool.LastHeartbeat = now
	pool.SpawnedWorkers = spawnedWorkers

	switch pool.Status {
	case PoolStarting:
		return m.transition(pool, PoolRunning, "first healthy heartbeat")
	case PoolDegraded:
		if m.oomQuiet(poolID, now) {
			m.clearRestarts(poolID)
			return m.transition(pool, PoolRunning, "heartbeat resumed")
		}
	}
	m.recordStatus(pool)
	return pool, nil
}

// Drain asks a running pool to finish in-flight work and stop taking new
// jobs. Draining again is a no-op.
func (m *PoolManager) Drain(ctx context.Context, poolID string) (*Pool, error) {
	const op = "orchestrator.pool_drain"

	pool, err := m.getPool(op, poolID)
	if err != nil {
		return nil, err
	}
	switch pool.Status {
	case PoolDraining:
		return pool, nil
	case PoolRunning:
		return m.transition(pool, PoolDraining, "drain requested")
	default:
		return nil, fault.New(fault.KindPrecondition, op,
			"pool %s is %s, only running pools drain", poolID, pool.Status)
	}
}

// Stop forces a pool to the terminal stopped state. Stopping an already
// stopped pool succeeds.
func (m *PoolManager) Stop(ctx context.Context, poolID string) (*Pool, error) {
	const op = "orchestrator.pool_stop"

	pool, err := m.getPool(op, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == PoolStopped {
		return pool, nil
	}
	m.clearRestarts(poolID)
	return m.transition(pool, PoolStopped, "operator stop")
}

// Get returns one pool.
func (m *PoolManager) Get(ctx context.Context, poolID string) (*Pool, error) {
	return m.getPool("orchestrator.pool_get", poolID)
}

// List returns every pool row.
func (m *PoolManager) List(ctx context.Context) ([]Pool, error) {
	pools, err := m.store.ListPools()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "orchestrator.pool_list", err)
	}
	return pools, nil
}

// LivePoolFor returns a running pool for the (model, adapter) tuple with a
// fresh heartbeat, or nil when none exists.
func (m *PoolManager) LivePoolFor(modelID, adapter string, now time.Time) (*Pool, error) {
	pools, err := m.store.PoolsByTuple(modelID, adapter)
	if err != nil {
		return nil, err
	}
	for i := range pools {
		p := &pools[i]
		if m.poolLive(p, now) {
			return p, nil
		}
	}
	return nil, nil
}

// poolLive reports whether a pool can accept work at now.
func (m *PoolManager) poolLive(p *Pool, now time.Time) bool {
	return p.Status == PoolRunning && p.LastHeartbeat.After(now.Add(-m.staleThreshold()))
}

// Sweep runs one pass of the leader-only pool management loop: start
// timeouts, stale heartbeats, idle holds, drain completion and the OOM
// watch with its bounded restarts.
func (m *PoolManager) Sweep(ctx context.Context, now time.Time) {
	pools, err := m.store.ListPools()
	if err != nil {
		m.logger.Warn("pool sweep list", zap.Error(err))
		return
	}

	for i := range pools {
		pool := &pools[i]
		switch pool.Status {
		case PoolStopped:
			continue
		case PoolStarting:
			if now.Sub(pool.StartedAt) > startTimeout {
				m.degrade(pool, "start timeout exceeded")
				continue
			}
		case PoolRunning:
			if !pool.LastHeartbeat.After(now.Add(-m.staleThreshold())) {
				m.degrade(pool, "heartbeat stale")
				continue
			}
			if m.idleHoldExpired(pool, now) {
				if _, err := m.transition(pool, PoolDraining, "idle hold expired"); err != nil {
					m.logger.Warn("idle drain", zap.String("pool", pool.PoolID), zap.Error(err))
				}
				continue
			}
		case PoolDraining:
			inflight, err := m.store.JobsByOwner(pool.PoolID)
			if err == nil && len(inflight) == 0 {
				if _, err := m.transition(pool, PoolStopped, "drained"); err != nil {
					m.logger.Warn("drain finalize", zap.String("pool", pool.PoolID), zap.Error(err))
				}
				continue
			}
		}

		m.watchOOM(ctx, pool, now)
	}
}

// idleHoldExpired reports whether a pool with a hold configured has had no
// job activity for longer than the hold.
func (m *PoolManager) idleHoldExpired(pool *Pool, now time.Time) bool {
	if pool.HoldSeconds <= 0 {
		return false
	}
	inflight, err := m.store.JobsByOwner(pool.PoolID)
	if err != nil || len(inflight) > 0 {
		return false
	}
	idleSince := pool.StartedAt
	if last, ok, err := m.store.LastJobActivity(pool.PoolID); err == nil && ok && last.After(idleSince) {
		idleSince = last
	}
	return now.Sub(idleSince) > time.Duration(pool.HoldSeconds)*time.Second
}

// Restart actions decided under the state lock, executed outside it.
const (
	restartActionNone = iota
	restartActionExhaust
	restartActionRequest
)

// watchOOM drains the pool's log stream looking for out-of-memory markers
// and drives the bounded restart schedule.
func (m *PoolManager) watchOOM(ctx context.Context, pool *Pool, now time.Time) {
	sawOOM, err := m.scanPoolLogs(ctx, pool.PoolID)
	if err != nil {
		return
	}

	action, attempt := m.nextRestartAction(pool.PoolID, sawOOM, now)

	if sawOOM {
		metrics.VLLMOOMsTotal.Inc()
		m.logger.Warn("pool oom detected", zap.String("pool", pool.PoolID), zap.String("model", pool.ModelID))
		if pool.Status == PoolRunning {
			m.degrade(pool, "oom signal")
		}
	}

	switch action {
	case restartActionExhaust:
		m.logger.Error("pool restart attempts exhausted",
			zap.String("pool", pool.PoolID),
			zap.Int("attempts", attempt),
		)
		if pool.Status != PoolDegraded && pool.Status != PoolStopped {
			m.degrade(pool, "restart attempts exhausted")
		}
		if m.events != nil {
			m.events.Emit(events.PoolDegraded, pool.AgentName, "restart attempts exhausted", map[string]any{
				"pool_id": pool.PoolID,
				"model":   pool.ModelID,
			})
		}
	case restartActionRequest:
		metrics.VLLMRestartsTotal.Inc()
		m.logger.Info("pool restart requested",
			zap.String("pool", pool.PoolID),
			zap.Int("attempt", attempt),
		)
		if m.events != nil {
			m.events.Emit(events.PoolRestarted, pool.AgentName, "worker restart requested", map[string]any{
				"pool_id": pool.PoolID,
				"attempt": attempt,
			})
		}
		if err := m.restartFn(ctx, pool); err != nil {
			m.logger.Warn("pool restart request", zap.String("pool", pool.PoolID), zap.Error(err))
		}
	}
}

// nextRestartAction updates the restart ledger for one sweep and decides
// what, if anything, to do now.
func (m *PoolManager) nextRestartAction(poolID string, sawOOM bool, now time.Time) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.restarts[poolID]
	if sawOOM {
		if !ok {
			st = &restartState{}
			m.restarts[poolID] = st
		}
		st.lastOOM = now
	}
	if st == nil || st.exhausted || st.lastOOM.IsZero() {
		return restartActionNone, 0
	}
	if now.Before(st.nextAttempt) {
		return restartActionNone, st.attempts
	}
	if st.attempts >= maxRestartAttempts {
		st.exhausted = true
		return restartActionExhaust, st.attempts
	}
	st.attempts++
	st.nextAttempt = now.Add(restartDelay(st.attempts))
	return restartActionRequest, st.attempts
}

// scanPoolLogs reads any new entries off the pool's log stream and reports
// whether one carried an OOM marker.
func (m *PoolManager) scanPoolLogs(ctx context.Context, poolID string) (bool, error) {
	logStream := stream.PoolLogStream(poolID)
	if err := m.stream.EnsureGroup(ctx, logStream, oomWatchGroup); err != nil {
		return false, err
	}

	saw := false
	for {
		msgs, err := m.stream.ReadGroup(ctx, logStream, oomWatchGroup, oomWatchConsumer, 100, 0)
		if err != nil {
			return saw, err
		}
		if len(msgs) == 0 {
			return saw, nil
		}
		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			if detectOOM(msg.Values) {
				saw = true
			}
			ids = append(ids, msg.ID)
		}
		_ = m.stream.Ack(ctx, logStream, oomWatchGroup, ids...)
	}
}

// detectOOM reports whether a log entry carries an out-of-memory marker.
func detectOOM(values map[string]string) bool {
	for _, v := range values {
		lower := strings.ToLower(v)
		if strings.Contains(lower, "out of memory") || strings.Contains(lower, "outofmemoryerror") {
			return true
		}
	}
	return false
}

// restartDelay returns the backoff before restart attempt n (1-based).
func restartDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := restartInitialDelay << (attempt - 1)
	if d > restartMaxDelay {
		d = restartMaxDelay
	}
	return d
}

// oomQuiet reports whether the pool has gone the full quiet window without
// an OOM.
func (m *PoolManager) oomQuiet(poolID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.restarts[poolID]
	if !ok || st.lastOOM.IsZero() {
		return true
	}
	return now.Sub(st.lastOOM) > oomQuietWindow
}

func (m *PoolManager) clearRestarts(poolID string) {
	m.mu.Lock()
	delete(m.restarts, poolID)
	m.mu.Unlock()
}

func (m *PoolManager) getPool(op, poolID string) (*Pool, error) {
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return nil, fault.New(fault.KindValidation, op, "pool_id is required")
	}
	pool, err := m.store.GetPool(poolID)
	if store.IsNotFound(err) {
		return nil, fault.New(fault.KindNotFound, op, "pool %s not found", poolID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	return pool, nil
}

// degrade moves a pool to degraded and emits the degradation event.
func (m *PoolManager) degrade(pool *Pool, reason string) {
	if _, err := m.transition(pool, PoolDegraded, reason); err != nil {
		m.logger.Warn("degrade pool", zap.String("pool", pool.PoolID), zap.Error(err))
		return
	}
	if m.events != nil {
		m.events.Emit(events.PoolDegraded, pool.AgentName, reason, map[string]any{
			"pool_id": pool.PoolID,
			"model":   pool.ModelID,
		})
	}
}

// transition persists a status change and records it.
func (m *PoolManager) transition(pool *Pool, status, reason string) (*Pool, error) {
	if err := m.store.SetPoolStatus(pool.PoolID, status); err != nil {
		return nil, fault.Wrap(fault.KindTransient, "orchestrator.pool_transition", err)
	}
	from := pool.Status
	pool.Status = status
	m.recordStatus(pool)
	m.logger.Info("pool state changed",
		zap.String("pool", pool.PoolID),
		zap.String("from", from),
		zap.String("to", status),
		zap.String("reason", reason),
	)
	m.emitState(pool, status, reason)
	return pool, nil
}

func (m *PoolManager) emitState(pool *Pool, status, reason string) {
	if m.events == nil {
		return
	}
	m.events.Emit(events.PoolStateChanged, pool.AgentName, reason, map[string]any{
		"pool_id": pool.PoolID,
		"model":   pool.ModelID,
		"status":  status,
	})
}

func (m *PoolManager) recordStatus(pool *Pool) {
	metrics.RecordPoolStatus(pool.PoolID, poolStatusValue(pool.Status))
}

func poolStatusValue(status string) float64 {
	switch status {
	case PoolStarting:
		return metrics.PoolStatusStarting
	case PoolRunning:
		return metrics.PoolStatusRunning
	case PoolDraining:
		return metrics.PoolStatusDraining
	case PoolDegraded:
		return metrics.PoolStatusDegraded
	default:
		return metrics.PoolStatusStopped
	}
}

// publishRestartDirective is the default restart request: a control entry
// on the pool log stream consumed by the runtime supervisor.
func (m *PoolManager) publishRestartDirective(ctx context.Context, pool *Pool) error {
	_, err := m.stream.Publish(ctx, stream.PoolLogStream(pool.PoolID), map[string]string{
		"control": "restart",
		"pool_id": pool.PoolID,
		"model":   pool.ModelID,
	})
	return err
}
