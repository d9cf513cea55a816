package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/gpu"
	"github.com/justnews/fabric/internal/store"
)

// budgetMetaKey records the VRAM reservation a lease was issued under, so
// headroom accounting stays consistent even if the policy file changes
// while leases are outstanding.
const budgetMetaKey = "budget_mb"

// LeaseRequest carries the arguments of a lease_gpu call.
type LeaseRequest struct {
	Agent      string            `json:"agent"`
	Mode       string            `json:"mode"`
	TTLSeconds int               `json:"ttl_seconds"`
	Metadata   map[string]string `json:"metadata"`
}

// LeaseManager issues, extends and releases GPU leases. Issuance is
// serialized per device so two concurrent requests cannot both be granted
// the same headroom.
type LeaseManager struct {
	store  *Store
	prober gpu.Prober
	policy *Policy
	cfg    config.OrchestratorConfig
	events *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewLeaseManager wires a lease manager over the durable store.
func NewLeaseManager(st *Store, prober gpu.Prober, policy *Policy, cfg config.OrchestratorConfig, eventBus *events.Bus, logger *zap.Logger) *LeaseManager {
	if policy == nil {
		policy = &Policy{}
	}
	return &LeaseManager{
		store:  st,
		prober: prober,
		policy: policy,
		cfg:    cfg,
		events: eventBus,
		logger: logger,
		locks:  make(map[int]*sync.Mutex),
	}
}

func (m *LeaseManager) gpuLock(index int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[index]
	if !ok {
		l = &sync.Mutex{}
		m.locks[index] = l
	}
	return l
}

// staleThreshold is the heartbeat window a lease must stay inside to count
// as live.
func (m *LeaseManager) staleThreshold() time.Duration {
	secs := m.cfg.ClaimStalenessSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// Acquire issues a lease for req, durably persisting the token before
// returning it.
func (m *LeaseManager) Acquire(ctx context.Context, req LeaseRequest) (*Lease, error) {
	const op = "orchestrator.lease_gpu"

	agent := strings.TrimSpace(req.Agent)
	if agent == "" {
		return nil, fault.New(fault.KindValidation, op, "agent is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeGPU
	}
	if mode != ModeGPU && mode != ModeCPU {
		return nil, fault.New(fault.KindValidation, op, "mode must be %q or %q, got %q", ModeGPU, ModeCPU, mode)
	}
	ttlSecs := req.TTLSeconds
	if ttlSecs <= 0 {
		ttlSecs = m.cfg.LeaseTTLSeconds
	}
	if ttlSecs <= 0 {
		ttlSecs = 300
	}

	if err := m.policy.Check(op, agent, req.Metadata["model_id"]); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lease := Lease{
		Token:         uuid.NewString(),
		AgentName:     agent,
		Mode:          mode,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttlSecs) * time.Second),
		LastHeartbeat: now,
		Metadata:      copyMeta(req.Metadata),
	}

	if mode == ModeCPU {
		lease.GPUIndex = CPUIndex
		if err := m.store.InsertLease(lease); err != nil {
			return nil, fault.Wrap(fault.KindTransient, op, err)
		}
		m.emitIssued(&lease)
		return &lease, nil
	}

	budget := m.policy.BudgetMB(agent)
	if budget > 0 {
		if lease.Metadata == nil {
			lease.Metadata = make(map[string]string, 1)
		}
		lease.Metadata[budgetMetaKey] = strconv.FormatInt(budget, 10)
	}

	devices, err := m.prober.Probe(ctx)
	if err != nil {
		if !m.cfg.AllowUnprobedGPU {
			return nil, fault.Coded(fault.KindPrecondition, fault.CodeHeadroomUnknown, op,
				"gpu probe failed: %v", err)
		}
		m.logger.Warn("gpu probe failed, issuing unprobed lease",
			zap.String("agent", agent),
			zap.Error(err),
		)
		return m.issueOn(op, 0, lease)
	}
	if len(devices) == 0 {
		return nil, fault.Coded(fault.KindPrecondition, fault.CodeHeadroom, op, "no gpu devices present")
	}

	// Most free memory first, so budgeted workloads pack onto the
	// emptiest device.
	sort.Slice(devices, func(i, j int) bool { return devices[i].FreeMB > devices[j].FreeMB })

	var bestShortfall int64 = -1
	for _, dev := range devices {
		lock := m.gpuLock(dev.Index)
		lock.Lock()

		if existing, err := m.liveLeaseFor(agent, dev.Index, now); err == nil && existing != nil {
			lock.Unlock()
			return nil, fault.Coded(fault.KindConflict, "", op,
				"agent %q already holds lease %s on gpu %d", agent, existing.Token, dev.Index)
		}

		committed := m.committedMB(dev.Index, now)
		available := dev.FreeMB - committed
		if (budget > 0 && available >= budget) || (budget == 0 && available > 0) {
			issued, err := m.issueLocked(op, dev.Index, lease)
			lock.Unlock()
			return issued, err
		}
		lock.Unlock()

		shortfall := budget - available
		if bestShortfall < 0 || shortfall < bestShortfall {
			bestShortfall = shortfall
		}
	}

	return nil, fault.Coded(fault.KindPrecondition, fault.CodeHeadroom, op,
		"no device has %d MiB free for agent %q (closest shortfall %d MiB)", budget, agent, bestShortfall)
}

func (m *LeaseManager) issueOn(op string, gpuIndex int, lease Lease) (*Lease, error) {
	lock := m.gpuLock(gpuIndex)
	lock.Lock()
	defer lock.Unlock()
	return m.issueLocked(op, gpuIndex, lease)
}

func (m *LeaseManager) issueLocked(op string, gpuIndex int, lease Lease) (*Lease, error) {
	lease.GPUIndex = gpuIndex
	if err := m.store.InsertLease(lease); err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	m.emitIssued(&lease)
	return &lease, nil
}

func (m *LeaseManager) emitIssued(l *Lease) {
	m.logger.Info("lease issued",
		zap.String("token", l.Token),
		zap.String("agent", l.AgentName),
		zap.Int("gpu_index", l.GPUIndex),
		zap.String("mode", l.Mode),
		zap.Time("expires_at", l.ExpiresAt),
	)
	if m.events != nil {
		m.events.Emit(events.LeaseIssued, l.AgentName, "lease issued", map[string]any{
			"token":      l.Token,
			"gpu_index":  l.GPUIndex,
			"expires_at": l.ExpiresAt,
		})
	}
}

// liveLeaseFor returns the live lease agent holds on gpuIndex, nil when
// there is none.
func (m *LeaseManager) liveLeaseFor(agent string, gpuIndex int, now time.Time) (*Lease, error) {
	l, err := m.store.LeaseFor(agent, gpuIndex)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !l.Live(now, m.staleThreshold()) {
		return nil, nil
	}
	return l, nil
}

// committedMB sums the budgets reserved by live leases on one device.
func (m *LeaseManager) committedMB(gpuIndex int, now time.Time) int64 {
	leases, err := m.store.LeasesOnGPU(gpuIndex)
	if err != nil {
		return 0
	}
	var total int64
	for i := range leases {
		l := &leases[i]
		if !l.Live(now, m.staleThreshold()) {
			continue
		}
		if v, err := strconv.ParseInt(l.Metadata[budgetMetaKey], 10, 64); err == nil {
			total += v
		}
	}
	return total
}

// Heartbeat extends a lease by its TTL. The new expiry never moves
// backwards.
func (m *LeaseManager) Heartbeat(ctx context.Context, token string) (*Lease, error) {
	return m.heartbeatAt(token, time.Now().UTC())
}

func (m *LeaseManager) heartbeatAt(token string, now time.Time) (*Lease, error) {
	const op = "orchestrator.heartbeat_lease"

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fault.New(fault.KindValidation, op, "token is required")
	}

	l, err := m.store.GetLease(token)
	if store.IsNotFound(err) {
		return nil, fault.Coded(fault.KindNotFound, fault.CodeUnknownLease, op, "lease %s not found", token)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	// A heartbeat exactly at the expiry instant still extends.
	if now.After(l.ExpiresAt) {
		return nil, fault.Coded(fault.KindPrecondition, fault.CodeExpiredLease, op,
			"lease %s expired at %s", token, l.ExpiresAt.Format(time.RFC3339))
	}

	// The issued TTL is the gap between expiry and the last heartbeat,
	// both of which this method maintains.
	ttl := l.ExpiresAt.Sub(l.LastHeartbeat)
	if ttl <= 0 {
		ttl = time.Duration(m.cfg.LeaseTTLSeconds) * time.Second
	}
	newExpiry := now.Add(ttl)
	if newExpiry.Before(l.ExpiresAt) {
		newExpiry = l.ExpiresAt
	}

	if err := m.store.ExtendLease(token, newExpiry, now); err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Coded(fault.KindNotFound, fault.CodeUnknownLease, op, "lease %s not found", token)
		}
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	l.ExpiresAt = newExpiry
	l.LastHeartbeat = now
	return l, nil
}

// Release drops a lease. Unknown or already-released tokens succeed
// silently.
func (m *LeaseManager) Release(ctx context.Context, token string) error {
	const op = "orchestrator.release_lease"

	token = strings.TrimSpace(token)
	if token == "" {
		return fault.New(fault.KindValidation, op, "token is required")
	}

	existed, err := m.store.DeleteLease(token)
	if err != nil {
		return fault.Wrap(fault.KindTransient, op, err)
	}
	if existed {
		m.logger.Info("lease released", zap.String("token", token))
		if m.events != nil {
			m.events.Emit(events.LeaseReleased, "", "lease released", map[string]any{"token": token})
		}
	}
	return nil
}

// List returns every lease row.
func (m *LeaseManager) List(ctx context.Context) ([]Lease, error) {
	leases, err := m.store.ListLeases()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "orchestrator.list_leases", err)
	}
	return leases, nil
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
