// Package bus implements the MCP bus: an agent registry, a call router
// with per-agent circuit breaking, and composite health aggregation.
package bus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/fault"
)

// Agent is one registered entry in the bus registry.
type Agent struct {
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry tracks the live agents. Registration is last-writer-wins: a
// re-register for the same name replaces the previous entry wholesale.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger,
	}
}

// Upsert validates and stores an agent record, replacing any previous
// registration under the same name.
func (r *Registry) Upsert(name, endpoint string, capabilities []string) (Agent, error) {
	name = strings.TrimSpace(name)
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if name == "" {
		return Agent{}, fault.New(fault.KindValidation, "bus.register", "agent name is required")
	}
	if endpoint == "" {
		return Agent{}, fault.New(fault.KindValidation, "bus.register", "endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return Agent{}, fault.New(fault.KindValidation, "bus.register", "endpoint %q must be an http(s) URL", endpoint)
	}

	a := Agent{
		Name:         name,
		Endpoint:     endpoint,
		Capabilities: capabilities,
		RegisteredAt: time.Now().UTC(),
	}

	r.mu.Lock()
	_, replaced := r.agents[name]
	r.agents[name] = a
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent", name),
		zap.String("endpoint", endpoint),
		zap.Bool("replaced", replaced),
	)
	return a, nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Remove deletes an agent. Removing an unknown agent is a no-op.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.agents[name]
	delete(r.agents, name)
	r.mu.Unlock()

	if ok {
		r.logger.Info("agent unregistered", zap.String("agent", name))
	}
	return ok
}

// List returns all agents sorted by name.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
