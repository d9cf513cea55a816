package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/adapters"
	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/gpu"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/stream"
)

// Version is injected at build time.
var Version = "dev"

// Service is the GPU orchestrator agent. It issues VRAM leases, runs the
// durable job queue, supervises model worker pools, and reclaims work
// abandoned by crashed holders. Any number of replicas may run against
// the same store; an advisory lock elects the single leader that accepts
// writes and drives the reclaim loop, and followers answer writes with
// the leader's address.
type Service struct {
	cfg    config.Config
	logger *zap.Logger
	events *events.Bus

	db  *store.DB
	str stream.Stream

	store     *Store
	leases    *LeaseManager
	pools     *PoolManager
	queue     *Queue
	reclaimer *Reclaimer
	elector   Elector

	adapterTable map[string]string
	fetcher      *adapters.Fetcher

	shell    *agent.Shell
	holderID string
	leader   atomic.Bool
}

// New opens the store and stream substrates and assembles a fully-wired
// orchestrator. A nil prober defaults to nvidia-smi.
func New(cfg config.Config, prober gpu.Prober, eventBus *events.Bus, logger *zap.Logger) (*Service, error) {
	db, err := store.Open(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	str, err := stream.Open(cfg.Stream.URL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	st, err := NewStore(db)
	if err != nil {
		_ = str.Close()
		_ = db.Close()
		return nil, err
	}
	policy, err := LoadPolicy(cfg.Orchestrator.PolicyPath)
	if err != nil {
		_ = str.Close()
		_ = db.Close()
		return nil, err
	}
	adapterTable, err := adapters.ParseTable(cfg.Orchestrator.AdapterPaths)
	if err != nil {
		_ = str.Close()
		_ = db.Close()
		return nil, fmt.Errorf("parse adapter table: %w", err)
	}
	if prober == nil {
		prober = &gpu.SMIProber{}
	}

	// The lock TTL spans a few reclaim ticks so one slow tick does not
	// bounce leadership.
	lockTTL := 3 * reclaimInterval(cfg.Orchestrator)
	elector, err := NewElector(db, cfg.Orchestrator.LeaderLockName, lockTTL)
	if err != nil {
		_ = str.Close()
		_ = db.Close()
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "orchestrator"
	}

	s := &Service{
		cfg:          cfg,
		logger:       logger,
		events:       eventBus,
		db:           db,
		str:          str,
		store:        st,
		elector:      elector,
		adapterTable: adapterTable,
		holderID:     hostname + "-" + uuid.NewString()[:8],
	}
	s.leases = NewLeaseManager(st, prober, policy, cfg.Orchestrator, eventBus, logger.Named("leases"))
	s.pools = NewPoolManager(st, str, cfg.Orchestrator, eventBus, logger.Named("pools"))
	s.queue = NewQueue(st, str, cfg.Orchestrator, eventBus, logger.Named("queue"))
	s.reclaimer = NewReclaimer(st, str, s.pools, cfg.Orchestrator, eventBus, logger.Named("reclaimer"))
	s.fetcher = adapters.NewFetcher(cfg.Orchestrator.AdapterCacheDir, logger.Named("adapters"))

	s.shell = agent.New(agent.Config{
		Name:    "orchestrator",
		Version: Version,
		Addr:    cfg.Orchestrator.Addr,
		BusURL:  cfg.Bus.URL,
	}, logger)
	s.registerTools()
	s.registerRoutes()
	s.shell.OnShutdown(func(ctx context.Context) error {
		if s.leader.Load() {
			_ = s.elector.Release(ctx, s.holderID)
		}
		_ = s.str.Close()
		return s.db.Close()
	})

	return s, nil
}

// Shell exposes the agent shell, mainly so tests can stop the service.
func (s *Service) Shell() *agent.Shell { return s.shell }

// Store exposes the persistence layer for co-hosted introspection.
func (s *Service) Store() *Store { return s.store }

// IsLeader reports whether this replica currently holds the leader lock.
func (s *Service) IsLeader() bool { return s.leader.Load() }

// Run serves tools and REST routes until ctx is cancelled. The first
// election attempt happens before the listener comes up so a single-node
// deployment is writable from its first request.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.electOnce(runCtx)
	go s.leaderLoop(runCtx)

	return s.shell.Run(runCtx)
}

// Stop requests a graceful shutdown.
func (s *Service) Stop() { s.shell.Stop() }

func reclaimInterval(cfg config.OrchestratorConfig) time.Duration {
	secs := cfg.ReclaimIntervalSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// ---------------------------------------------------------------------------
// Leader loop
// ---------------------------------------------------------------------------

// leaderLoop re-runs the election every reclaim interval and, while
// leading, executes one reclaim pass and one pool sweep per tick. The
// pass and sweep run serially: a tick never starts before the previous
// one finished.
func (s *Service) leaderLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval(s.cfg.Orchestrator))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.electOnce(ctx) {
				now := time.Now().UTC()
				if _, err := s.reclaimer.Pass(ctx, now); err != nil {
					s.logger.Warn("reclaim pass failed", zap.Error(err))
				}
				s.pools.Sweep(ctx, now)
			}
		}
	}
}

// electOnce attempts to take or keep the leader lock, emitting events on
// transitions.
func (s *Service) electOnce(ctx context.Context) bool {
	got, err := s.elector.TryAcquire(ctx, s.holderID, s.advertisedAddr())
	if err != nil {
		s.logger.Warn("leader election attempt failed", zap.Error(err))
		got = false
	}
	was := s.leader.Swap(got)
	switch {
	case got && !was:
		s.logger.Info("assumed leadership", zap.String("holder", s.holderID))
		s.events.Emit(events.LeaderElected, "orchestrator", "orchestrator leader elected",
			map[string]string{"holder": s.holderID})
	case !got && was:
		s.logger.Warn("lost leadership", zap.String("holder", s.holderID))
		s.events.Emit(events.LeaderLost, "orchestrator", "orchestrator leadership lost",
			map[string]string{"holder": s.holderID})
	}
	return got
}

// advertisedAddr is the base URL followers hand out as the leader hint.
func (s *Service) advertisedAddr() string {
	addr := s.shell.BoundAddr()
	if addr == "" {
		addr = s.cfg.Orchestrator.Addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "::", "0.0.0.0":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// requireLeader rejects writes on follower replicas, pointing the caller
// at the current leader.
func (s *Service) requireLeader(ctx context.Context, op string) error {
	if s.leader.Load() {
		return nil
	}
	hint, _ := s.elector.LeaderHint(ctx)
	if hint != "" {
		return fault.Coded(fault.KindTransient, fault.CodeNotLeader, op,
			"this replica is not the leader; leader is at %s", hint)
	}
	return fault.Coded(fault.KindTransient, fault.CodeNotLeader, op,
		"this replica is not the leader")
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

func (s *Service) registerTools() {
	s.shell.RegisterTool("lease_gpu", s.toolLeaseGPU)
	s.shell.RegisterTool("heartbeat_lease", s.toolHeartbeatLease)
	s.shell.RegisterTool("release_lease", s.toolReleaseLease)
	s.shell.RegisterTool("submit_job", s.toolSubmitJob)
	s.shell.RegisterTool("get_job", s.toolGetJob)
	s.shell.RegisterTool("reclaim_pass", s.toolReclaimPass)
	s.shell.RegisterTool("pool_start", s.toolPoolStart)
	s.shell.RegisterTool("pool_drain", s.toolPoolDrain)
	s.shell.RegisterTool("pool_stop", s.toolPoolStop)
	s.shell.RegisterTool("resolve_adapter", s.toolResolveAdapter)
}

func (s *Service) toolLeaseGPU(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.lease_gpu"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	agentName, _ := req.StringKwarg("agent")
	mode, _ := req.StringKwarg("mode")
	lease, err := s.leases.Acquire(ctx, LeaseRequest{
		Agent:      agentName,
		Mode:       mode,
		TTLSeconds: req.IntKwarg("ttl_seconds", 0),
		Metadata:   mapKwarg(req, "metadata"),
	})
	if err != nil {
		return nil, err
	}
	return leaseGrant(lease), nil
}

func (s *Service) toolHeartbeatLease(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.heartbeat_lease"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	token, _ := req.StringKwarg("token")
	lease, err := s.leases.Heartbeat(ctx, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":      lease.Token,
		"expires_at": lease.ExpiresAt.Format(time.RFC3339Nano),
	}, nil
}

func (s *Service) toolReleaseLease(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.release_lease"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	token, _ := req.StringKwarg("token")
	if err := s.leases.Release(ctx, token); err != nil {
		return nil, err
	}
	return map[string]any{"released": true}, nil
}

func (s *Service) toolSubmitJob(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.submit_job"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	jobType, _ := req.StringKwarg("type")
	modelID, _ := req.StringKwarg("model_id")
	adapter, _ := req.StringKwarg("adapter")
	job, err := s.queue.Submit(ctx, jobType, rawKwarg(req, "payload"),
		SubmitOptions{ModelID: modelID, Adapter: adapter})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) toolGetJob(ctx context.Context, req agent.ToolRequest) (any, error) {
	id, ok := req.StringKwarg("job_id")
	if !ok {
		id, _ = req.StringArg(0)
	}
	return s.queue.Get(ctx, id)
}

func (s *Service) toolReclaimPass(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.reclaim_pass"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	stats, err := s.reclaimer.Pass(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) toolPoolStart(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.pool_start"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	agentName, _ := req.StringKwarg("agent")
	modelID, _ := req.StringKwarg("model_id")
	adapter, _ := req.StringKwarg("adapter")
	return s.pools.Start(ctx, agentName, modelID, adapter,
		req.IntKwarg("desired_workers", 1), req.IntKwarg("hold_seconds", 0))
}

func (s *Service) toolPoolDrain(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.pool_drain"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	id, _ := req.StringKwarg("pool_id")
	return s.pools.Drain(ctx, id)
}

func (s *Service) toolPoolStop(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.pool_stop"
	if err := s.requireLeader(ctx, op); err != nil {
		return nil, err
	}
	id, _ := req.StringKwarg("pool_id")
	return s.pools.Stop(ctx, id)
}

// toolResolveAdapter maps a configured adapter name to a local path,
// pulling the artifact on first use. The cache is per replica, so any
// replica may serve this.
func (s *Service) toolResolveAdapter(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "orchestrator.resolve_adapter"
	name, ok := req.StringKwarg("name")
	if !ok {
		name, _ = req.StringArg(0)
	}
	if name == "" {
		return nil, fault.New(fault.KindValidation, op, "name is required")
	}
	entry, ok := s.adapterTable[name]
	if !ok {
		return nil, fault.New(fault.KindNotFound, op, "adapter %q is not configured", name)
	}
	path, err := s.fetcher.Resolve(ctx, entry)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, op, err)
	}
	return map[string]any{"name": name, "source": entry, "path": path}, nil
}

// ---------------------------------------------------------------------------
// REST routes
// ---------------------------------------------------------------------------

func (s *Service) registerRoutes() {
	s.shell.Handle("POST /leases", s.handleLeaseCreate)
	s.shell.Handle("GET /leases", s.handleLeaseList)
	s.shell.Handle("POST /leases/{token}/heartbeat", s.handleLeaseHeartbeat)
	s.shell.Handle("POST /leases/{token}/release", s.handleLeaseRelease)
	s.shell.Handle("POST /jobs/submit", s.handleJobSubmit)
	s.shell.Handle("GET /jobs/{id}", s.handleJobGet)
	s.shell.Handle("POST /jobs/{id}/complete", s.handleJobComplete)
	s.shell.Handle("POST /control/reclaim", s.handleReclaim)
	s.shell.Handle("POST /pools", s.handlePoolCreate)
	s.shell.Handle("GET /pools", s.handlePoolList)
	s.shell.Handle("POST /pools/{id}/heartbeat", s.handlePoolHeartbeat)
	s.shell.Handle("POST /pools/{id}/drain", s.handlePoolDrain)
	s.shell.Handle("POST /pools/{id}/stop", s.handlePoolStop)
	s.shell.Handle("GET /adapters", s.handleAdapterList)
}

func (s *Service) handleLeaseCreate(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.lease_create"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		agent.WriteError(w, fault.New(fault.KindValidation, op, "invalid JSON body: %v", err))
		return
	}
	lease, err := s.leases.Acquire(r.Context(), req)
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusCreated, leaseGrant(lease))
}

func (s *Service) handleLeaseList(w http.ResponseWriter, r *http.Request) {
	leases, err := s.leases.List(r.Context())
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, map[string]any{"leases": leases})
}

func (s *Service) handleLeaseHeartbeat(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.lease_heartbeat"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	lease, err := s.leases.Heartbeat(r.Context(), r.PathValue("token"))
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, map[string]any{
		"token":      lease.Token,
		"expires_at": lease.ExpiresAt.Format(time.RFC3339Nano),
	})
}

func (s *Service) handleLeaseRelease(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.lease_release"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	if err := s.leases.Release(r.Context(), r.PathValue("token")); err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Service) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.job_submit"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
		ModelID string          `json:"model_id,omitempty"`
		Adapter string          `json:"adapter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		agent.WriteError(w, fault.New(fault.KindValidation, op, "invalid JSON body: %v", err))
		return
	}
	job, err := s.queue.Submit(r.Context(), req.Type, req.Payload,
		SubmitOptions{ModelID: req.ModelID, Adapter: req.Adapter})
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusCreated, job)
}

func (s *Service) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, job)
}

// handleJobComplete is the worker-facing finalization endpoint: pool
// workers report terminal results here, then ack the stream entry.
func (s *Service) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.job_complete"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	var req struct {
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result,omitempty"`
		LastError string          `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		agent.WriteError(w, fault.New(fault.KindValidation, op, "invalid JSON body: %v", err))
		return
	}
	job, err := s.queue.Complete(r.Context(), r.PathValue("id"), req.Status, req.Result, req.LastError)
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, job)
}

func (s *Service) handleReclaim(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.reclaim"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	stats, err := s.reclaimer.Pass(r.Context(), time.Now().UTC())
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, stats)
}

func (s *Service) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.pool_create"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	var req struct {
		Agent          string `json:"agent"`
		ModelID        string `json:"model_id"`
		Adapter        string `json:"adapter,omitempty"`
		DesiredWorkers int    `json:"desired_workers"`
		HoldSeconds    int    `json:"hold_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		agent.WriteError(w, fault.New(fault.KindValidation, op, "invalid JSON body: %v", err))
		return
	}
	pool, err := s.pools.Start(r.Context(), req.Agent, req.ModelID, req.Adapter,
		req.DesiredWorkers, req.HoldSeconds)
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusCreated, pool)
}

func (s *Service) handlePoolList(w http.ResponseWriter, r *http.Request) {
	pools, err := s.pools.List(r.Context())
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

// handlePoolHeartbeat is the runtime-facing liveness endpoint: pool
// supervisors post here on every worker health cycle.
func (s *Service) handlePoolHeartbeat(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.pool_heartbeat"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	var req struct {
		SpawnedWorkers *int `json:"spawned_workers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		agent.WriteError(w, fault.New(fault.KindValidation, op, "invalid JSON body: %v", err))
		return
	}
	spawned := -1
	if req.SpawnedWorkers != nil {
		spawned = *req.SpawnedWorkers
	}
	pool, err := s.pools.Heartbeat(r.Context(), r.PathValue("id"), spawned)
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, pool)
}

func (s *Service) handlePoolDrain(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.pool_drain"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	pool, err := s.pools.Drain(r.Context(), r.PathValue("id"))
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, pool)
}

func (s *Service) handlePoolStop(w http.ResponseWriter, r *http.Request) {
	const op = "orchestrator.pool_stop"
	if err := s.requireLeader(r.Context(), op); err != nil {
		agent.WriteError(w, err)
		return
	}
	pool, err := s.pools.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		agent.WriteError(w, err)
		return
	}
	agent.WriteJSON(w, http.StatusOK, pool)
}

// handleAdapterList reports the configured adapter table without
// resolving anything, so operators can inspect it cheaply.
func (s *Service) handleAdapterList(w http.ResponseWriter, r *http.Request) {
	agent.WriteJSON(w, http.StatusOK, map[string]any{"adapters": s.adapterTable})
}

// ---------------------------------------------------------------------------
// Request decoding helpers
// ---------------------------------------------------------------------------

func leaseGrant(l *Lease) map[string]any {
	return map[string]any{
		"token":      l.Token,
		"gpu_index":  l.GPUIndex,
		"expires_at": l.ExpiresAt.Format(time.RFC3339Nano),
	}
}

// mapKwarg reads a string-map keyword argument, stringifying scalar
// values so callers can pass numbers without quoting.
func mapKwarg(req agent.ToolRequest, name string) map[string]string {
	v, ok := req.Kwarg(name)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch s := val.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// rawKwarg re-serializes a keyword argument into raw JSON for payload
// passthrough.
func rawKwarg(req agent.ToolRequest, name string) json.RawMessage {
	v, ok := req.Kwarg(name)
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
