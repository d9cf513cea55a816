package orchestrator

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/metrics"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/stream"
)

// reclaimGrace is how far past expiry a lease must be before the reclaimer
// deletes it, leaving room for a heartbeat racing the pass.
const reclaimGrace = 5 * time.Second

// reclaimConsumer is the parking consumer stale entries are claimed to
// while no live pool can take them.
const reclaimConsumer = "reclaimer"

// Reclaimer is the leader-only loop that expires orphaned leases,
// reassigns stale stream entries to live pools and dead-letters jobs that
// exhausted their attempts.
type Reclaimer struct {
	store  *Store
	stream stream.Stream
	pools  *PoolManager
	cfg    config.OrchestratorConfig
	events *events.Bus
	logger *zap.Logger
}

// NewReclaimer wires a reclaimer over the store and stream substrate.
func NewReclaimer(st *Store, str stream.Stream, pools *PoolManager, cfg config.OrchestratorConfig, eventBus *events.Bus, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		store:  st,
		stream: str,
		pools:  pools,
		cfg:    cfg,
		events: eventBus,
		logger: logger,
	}
}

func (r *Reclaimer) staleness() time.Duration {
	secs := r.cfg.ClaimStalenessSeconds
	if secs < 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

func (r *Reclaimer) maxAttempts() int {
	if r.cfg.MaxJobAttempts > 0 {
		return r.cfg.MaxJobAttempts
	}
	return 5
}

// Pass runs one reclaim pass at now and reports what it did.
func (r *Reclaimer) Pass(ctx context.Context, now time.Time) (ReclaimStats, error) {
	var stats ReclaimStats

	r.reclaimStreams(ctx, now, &stats)
	r.expireLeases(now, &stats)
	r.republishLostJobs(ctx, now, &stats)

	if stats.ReclaimedLeases > 0 || stats.ReclaimedJobs > 0 || stats.DeadLettered > 0 {
		r.logger.Info("reclaim pass",
			zap.Int("reclaimed_leases", stats.ReclaimedLeases),
			zap.Int("reclaimed_jobs", stats.ReclaimedJobs),
			zap.Int("dead_lettered", stats.DeadLettered),
		)
	}
	return stats, nil
}

// reclaimStreams walks every (type stream, pool group) pair, handling
// pending entries whose owning pool is gone.
func (r *Reclaimer) reclaimStreams(ctx context.Context, now time.Time, stats *ReclaimStats) {
	types, err := r.store.ActiveJobTypes()
	if err != nil {
		r.logger.Warn("reclaim list job types", zap.Error(err))
		return
	}
	pools, err := r.store.ListPools()
	if err != nil {
		r.logger.Warn("reclaim list pools", zap.Error(err))
		return
	}

	// One group per (model, adapter) tuple, shared by its pools.
	groups := make(map[string]struct{ model, adapter string })
	for _, p := range pools {
		groups[ConsumerGroup(p.ModelID, p.Adapter)] = struct{ model, adapter string }{p.ModelID, p.Adapter}
	}

	for _, jobType := range types {
		streamName := stream.JobStream(jobType)
		if depth, err := r.stream.Depth(ctx, streamName); err == nil {
			metrics.JobQueueDepth.WithLabelValues(streamName).Set(float64(depth))
		}

		for group, tuple := range groups {
			entries, err := r.stream.Pending(ctx, streamName, group, r.staleness(), 100)
			if err != nil {
				// The group may simply not exist on this type's stream.
				continue
			}
			for _, entry := range entries {
				r.reclaimEntry(ctx, now, streamName, group, tuple.model, tuple.adapter, entry, stats)
			}
		}
	}
}

// reclaimEntry handles one stale pending entry.
func (r *Reclaimer) reclaimEntry(ctx context.Context, now time.Time, streamName, group, model, adapter string, entry stream.PendingEntry, stats *ReclaimStats) {
	if entry.Consumer != reclaimConsumer {
		if pool, err := r.store.GetPool(entry.Consumer); err == nil && r.pools.poolLive(pool, now) {
			// Owner is alive, just slow. Leave it.
			return
		}
	}

	// Claim to the parking consumer to read the entry's values.
	msgs, err := r.stream.Claim(ctx, streamName, group, reclaimConsumer, r.staleness(), entry.ID)
	if err != nil || len(msgs) == 0 {
		return
	}
	jobID := msgs[0].Values["job_id"]
	if jobID == "" {
		// Malformed entry, drop it from the pending set.
		_ = r.stream.Ack(ctx, streamName, group, entry.ID)
		return
	}

	job, err := r.store.GetJob(jobID)
	if store.IsNotFound(err) {
		_ = r.stream.Ack(ctx, streamName, group, entry.ID)
		return
	}
	if err != nil {
		return
	}
	if job.Terminal() {
		// The worker finalized the row but died before acknowledging.
		_ = r.stream.Ack(ctx, streamName, group, entry.ID)
		return
	}

	attempts, err := r.store.BumpAttempts(jobID)
	if err != nil {
		return
	}

	if attempts >= r.maxAttempts() {
		r.deadLetter(ctx, streamName, group, job, attempts, entry.ID, stats)
		return
	}

	target, err := r.pools.LivePoolFor(model, adapter, now)
	if err != nil || target == nil {
		// No live pool for the tuple; the entry stays parked and ages
		// toward the attempt ceiling.
		return
	}

	if _, err := r.stream.Claim(ctx, streamName, group, target.PoolID, 0, entry.ID); err != nil {
		return
	}
	if err := r.store.ReassignJob(jobID, target.PoolID); err != nil {
		r.logger.Warn("reassign job", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	stats.ReclaimedJobs++
	metrics.JobReclaimedTotal.Inc()
	r.logger.Info("job reclaimed",
		zap.String("job_id", jobID),
		zap.String("pool", target.PoolID),
		zap.Int("attempts", attempts),
	)
	if r.events != nil {
		r.events.Emit(events.JobReclaimed, target.AgentName, "job reclaimed", map[string]any{
			"job_id":   jobID,
			"pool_id":  target.PoolID,
			"attempts": attempts,
		})
	}
}

// deadLetter moves a job to the dead-letter stream and marks the row dead.
func (r *Reclaimer) deadLetter(ctx context.Context, streamName, group string, job *Job, attempts int, entryID string, stats *ReclaimStats) {
	dlq := stream.DLQStream(job.Type)
	_, err := r.stream.Publish(ctx, dlq, map[string]string{
		"job_id":     job.JobID,
		"type":       job.Type,
		"payload":    string(job.Payload),
		"attempts":   strconv.Itoa(attempts),
		"last_error": "max_attempts_exceeded",
	})
	if err != nil {
		r.logger.Warn("dead-letter publish", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	_ = r.stream.Ack(ctx, streamName, group, entryID)

	if err := r.store.MarkJobDead(job.JobID, "max_attempts_exceeded"); err != nil {
		r.logger.Warn("mark job dead", zap.String("job_id", job.JobID), zap.Error(err))
	}

	stats.DeadLettered++
	metrics.JobDeadLetteredTotal.Inc()
	r.logger.Warn("job dead-lettered",
		zap.String("job_id", job.JobID),
		zap.String("type", job.Type),
		zap.Int("attempts", attempts),
	)
	if r.events != nil {
		r.events.Emit(events.JobDeadLettered, "", "job dead-lettered", map[string]any{
			"job_id":   job.JobID,
			"type":     job.Type,
			"attempts": attempts,
		})
	}
}

// expireLeases deletes leases past expiry plus grace and degrades pools
// whose workers are gone with them.
func (r *Reclaimer) expireLeases(now time.Time, stats *ReclaimStats) {
	expired, err := r.store.ExpiredLeases(now.Add(-reclaimGrace))
	if err != nil {
		r.logger.Warn("reclaim list expired leases", zap.Error(err))
		return
	}

	for i := range expired {
		lease := &expired[i]
		deleted, err := r.store.DeleteLease(lease.Token)
		if err != nil || !deleted {
			continue
		}

		stats.ReclaimedLeases++
		metrics.LeaseExpiredTotal.Inc()
		r.logger.Info("lease expired",
			zap.String("token", lease.Token),
			zap.String("agent", lease.AgentName),
			zap.Time("expired_at", lease.ExpiresAt),
		)
		if r.events != nil {
			r.events.Emit(events.LeaseExpired, lease.AgentName, "lease expired", map[string]any{
				"token":     lease.Token,
				"agent":     lease.AgentName,
				"gpu_index": lease.GPUIndex,
			})
		}

		pools, err := r.store.PoolsByAgent(lease.AgentName)
		if err != nil {
			continue
		}
		for j := range pools {
			pool := &pools[j]
			workersGone := pool.SpawnedWorkers == 0 ||
				!pool.LastHeartbeat.After(now.Add(-r.pools.staleThreshold()))
			if pool.Status == PoolRunning && workersGone {
				r.pools.degrade(pool, "lease expired, workers gone")
			}
		}
	}
}

// republishLostJobs re-announces pending rows whose wake-up entry never
// made it to the stream.
func (r *Reclaimer) republishLostJobs(ctx context.Context, now time.Time, stats *ReclaimStats) {
	staleness := r.staleness()
	if staleness <= 0 {
		staleness = time.Second
	}
	jobs, err := r.store.StalePendingJobs(now.Add(-staleness))
	if err != nil {
		r.logger.Warn("reclaim list stale pending", zap.Error(err))
		return
	}

	for i := range jobs {
		job := &jobs[i]
		_, err := r.stream.Publish(ctx, stream.JobStream(job.Type), map[string]string{
			"job_id":   job.JobID,
			"type":     job.Type,
			"attempts": strconv.Itoa(job.Attempts),
		})
		if err != nil {
			continue
		}
		if err := r.store.TouchJob(job.JobID); err != nil {
			continue
		}
		stats.ReclaimedJobs++
		metrics.JobReclaimedTotal.Inc()
		r.logger.Info("pending job republished", zap.String("job_id", job.JobID))
	}
}

