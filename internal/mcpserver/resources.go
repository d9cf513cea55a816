package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	resourceFleetHealth         = "justnews://fleet/health"
	resourceSchedulerHistory    = "justnews://scheduler/history"
	resourceOrchestratorSummary = "justnews://orchestrator/summary"
)

func (s *Server) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceFleetHealth,
		Name:        "Fleet Health",
		Description: "Bus-probed agent health, registry, breaker state, and recent platform events",
		MIMEType:    "application/json",
	}, s.handleFleetHealthResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceSchedulerHistory,
		Name:        "Crawl Scheduler History",
		Description: "Per-domain crawl outcomes: last attempt, totals, skips, lag",
		MIMEType:    "application/json",
	}, s.handleSchedulerHistoryResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceOrchestratorSummary,
		Name:        "Orchestrator Summary",
		Description: "GPU leases, worker pools, and active job counts",
		MIMEType:    "application/json",
	}, s.handleOrchestratorSummaryResource)
}

func (s *Server) handleFleetHealthResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.deps.Bus == nil {
		return nil, fmt.Errorf("bus client unavailable")
	}

	health, err := s.deps.Bus.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus health: %w", err)
	}

	payload := map[string]any{"health": health}
	if agents, err := s.deps.Bus.Agents(ctx); err == nil {
		payload["agents"] = agents
	}
	if breakers, err := s.deps.Bus.Breakers(ctx); err == nil && len(breakers) > 0 {
		payload["breakers"] = breakers
	}
	if s.deps.Events != nil {
		payload["recent_events"] = s.deps.Events.Recent(20)
	}
	return buildJSONResourceResult(req, resourceFleetHealth, payload)
}

func (s *Server) handleSchedulerHistoryResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.deps.History == nil {
		return nil, fmt.Errorf("scheduler history unavailable")
	}

	domains := s.deps.History.All()
	payload := map[string]any{
		"domains": domains,
		"count":   len(domains),
	}
	return buildJSONResourceResult(req, resourceSchedulerHistory, payload)
}

func (s *Server) handleOrchestratorSummaryResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.deps.Orch == nil {
		return nil, fmt.Errorf("orchestrator store unavailable")
	}

	leases, err := s.deps.Orch.ListLeases()
	if err != nil {
		return nil, err
	}
	pools, err := s.deps.Orch.ListPools()
	if err != nil {
		return nil, err
	}
	types, err := s.deps.Orch.ActiveJobTypes()
	if err != nil {
		return nil, err
	}
	activeJobs := make(map[string]int, len(types))
	for _, jobType := range types {
		n, err := s.deps.Orch.CountActive(jobType)
		if err != nil {
			return nil, err
		}
		activeJobs[jobType] = n
	}

	payload := map[string]any{
		"leases":      leases,
		"lease_count": len(leases),
		"pools":       pools,
		"pool_count":  len(pools),
		"active_jobs": activeJobs,
	}
	return buildJSONResourceResult(req, resourceOrchestratorSummary, payload)
}

func buildJSONResourceResult(req *mcp.ReadResourceRequest, defaultURI string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	uri := defaultURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
