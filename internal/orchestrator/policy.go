package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/justnews/fabric/internal/fault"
)

// Policy is the agent-model map: which models each agent may lease GPU
// capacity for and how much VRAM its workloads are budgeted. An empty
// policy constrains nothing, which is the single-box development default.
type Policy struct {
	// DefaultVRAMBudget applies to agents without an explicit budget,
	// expressed as a Kubernetes resource quantity ("18Gi", "8000Mi").
	DefaultVRAMBudget string                 `yaml:"default_vram_budget"`
	Agents            map[string]PolicyEntry `yaml:"agents"`
}

// PolicyEntry is one agent's row in the map.
type PolicyEntry struct {
	// Models lists the model ids the agent may run. "*" allows any.
	Models []string `yaml:"models"`
	// VRAMBudget is the per-lease VRAM reservation for this agent.
	VRAMBudget string `yaml:"vram_budget"`
}

// LoadPolicy reads the policy map from a YAML file. An empty path returns
// the permissive policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}

	if p.DefaultVRAMBudget != "" {
		if _, err := resource.ParseQuantity(p.DefaultVRAMBudget); err != nil {
			return nil, fmt.Errorf("policy default_vram_budget %q: %w", p.DefaultVRAMBudget, err)
		}
	}
	for agent, entry := range p.Agents {
		if entry.VRAMBudget == "" {
			continue
		}
		if _, err := resource.ParseQuantity(entry.VRAMBudget); err != nil {
			return nil, fmt.Errorf("policy agent %q vram_budget %q: %w", agent, entry.VRAMBudget, err)
		}
	}
	return &p, nil
}

// Permissive reports whether the policy constrains nothing.
func (p *Policy) Permissive() bool {
	return p == nil || len(p.Agents) == 0
}

// Check validates an (agent, model) fit against the map. An empty model
// only checks that the agent is listed at all.
func (p *Policy) Check(op, agent, model string) error {
	if p.Permissive() {
		return nil
	}
	entry, ok := p.Agents[agent]
	if !ok {
		return fault.Coded(fault.KindPrecondition, fault.CodeDeniedByPolicy, op,
			"agent %q is not in the agent-model map", agent)
	}
	if model == "" || len(entry.Models) == 0 {
		return nil
	}
	for _, m := range entry.Models {
		if m == "*" || m == model {
			return nil
		}
	}
	return fault.Coded(fault.KindPrecondition, fault.CodeDeniedByPolicy, op,
		"model %q is not allowed for agent %q", model, agent)
}

// BudgetMB returns the VRAM budget for agent in MiB. Zero means
// unbudgeted: any device with free memory qualifies.
func (p *Policy) BudgetMB(agent string) int64 {
	if p == nil {
		return 0
	}
	budget := p.DefaultVRAMBudget
	if entry, ok := p.Agents[agent]; ok && entry.VRAMBudget != "" {
		budget = entry.VRAMBudget
	}
	if budget == "" {
		return 0
	}
	q, err := resource.ParseQuantity(budget)
	if err != nil {
		return 0
	}
	return q.Value() / (1024 * 1024)
}
