package orchestrator

import (
	"encoding/json"
	"time"
)

// Lease is a durable GPU reservation. A lease is live while it has not
// expired and its holder keeps heartbeating; everything else is the
// reclaimer's business.
type Lease struct {
	Token         string            `json:"token"`
	AgentName     string            `json:"agent_name"`
	GPUIndex      int               `json:"gpu_index"`
	Mode          string            `json:"mode"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Live reports whether the lease counts as held at now: not expired and
// heartbeated within the staleness window.
func (l *Lease) Live(now time.Time, staleThreshold time.Duration) bool {
	return l.ExpiresAt.After(now) && l.LastHeartbeat.After(now.Add(-staleThreshold))
}

// Lease modes.
const (
	ModeGPU = "gpu"
	ModeCPU = "cpu"
)

// CPUIndex is the gpu_index recorded for cpu-mode leases, which reserve
// no device.
const CPUIndex = -1

// Pool states. Transitions follow the worker-pool state machine; stopped
// is terminal.
const (
	PoolStarting = "starting"
	PoolRunning  = "running"
	PoolDraining = "draining"
	PoolStopped  = "stopped"
	PoolDegraded = "degraded"
)

// Pool is a managed set of model workers bound to one (model, adapter)
// tuple, consuming jobs from a single stream consumer group.
type Pool struct {
	PoolID         string            `json:"pool_id"`
	AgentName      string            `json:"agent_name"`
	ModelID        string            `json:"model_id"`
	Adapter        string            `json:"adapter,omitempty"`
	DesiredWorkers int               `json:"desired_workers"`
	SpawnedWorkers int               `json:"spawned_workers"`
	StartedAt      time.Time         `json:"started_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Status         string            `json:"status"`
	HoldSeconds    int               `json:"hold_seconds"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ConsumerGroup names the stream consumer group for a (model, adapter)
// tuple. Pools sharing the tuple share the group; each pool reads as a
// consumer named by its pool id.
func ConsumerGroup(modelID, adapter string) string {
	g := "pool:" + modelID
	if adapter != "" {
		g += ":" + adapter
	}
	return g
}

// Job statuses. dead is terminal.
const (
	JobPending   = "pending"
	JobClaimed   = "claimed"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobDead      = "dead"
)

// Job is one durable unit of orchestrator work. The relational row is the
// source of truth; the per-type stream is only the wake-up channel.
type Job struct {
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	OwnerPool string          `json:"owner_pool,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobSucceeded, JobFailed, JobDead:
		return true
	}
	return false
}

// ReclaimStats summarizes one reclaimer pass.
type ReclaimStats struct {
	ReclaimedLeases int `json:"reclaimed_leases"`
	ReclaimedJobs   int `json:"reclaimed_jobs"`
	DeadLettered    int `json:"dead_lettered"`
}
