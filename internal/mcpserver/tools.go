package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/justnews/fabric/internal/ingest"
	"github.com/justnews/fabric/internal/orchestrator"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/urlnorm"
)

type platformHealthInput struct{}

type listLeasesInput struct {
	Agent string `json:"agent,omitempty" jsonschema:"optional agent name filter"`
}

type listPoolsInput struct {
	Status string `json:"status,omitempty" jsonschema:"optional pool status filter: starting, running, draining, degraded, stopped"`
}

type getJobInput struct {
	JobID string `json:"job_id" jsonschema:"job identifier"`
}

type lookupArticleInput struct {
	ID  string `json:"id,omitempty" jsonschema:"article id"`
	URL string `json:"url,omitempty" jsonschema:"article URL, matched after normalization"`
}

type runSQLInput struct {
	Database string `json:"database" jsonschema:"configured database name"`
	Query    string `json:"query" jsonschema:"read-only SQL: SELECT, SHOW, DESCRIBE, EXPLAIN"`
	MaxRows  int    `json:"max_rows,omitempty" jsonschema:"row cap, default 100"`
}

type articleSummary struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	SourceURL           string    `json:"source_url"`
	NormalizedURL       string    `json:"normalized_url,omitempty"`
	URLHash             string    `json:"url_hash,omitempty"`
	Language            string    `json:"language,omitempty"`
	Section             string    `json:"section,omitempty"`
	NeedsReview         bool      `json:"needs_review"`
	ReviewReasons       []string  `json:"review_reasons,omitempty"`
	Embedded            bool      `json:"embedded"`
	PublicationDate     time.Time `json:"publication_date"`
	CollectionTimestamp time.Time `json:"collection_timestamp"`
	CreatedAt           time.Time `json:"created_at"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "platform_health",
		Description: "Aggregate health of the agent fleet as seen by the MCP Bus",
	}, s.handlePlatformHealth)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_leases",
		Description: "List GPU leases, optionally filtered by agent",
	}, s.handleListLeases)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_pools",
		Description: "List model worker pools, optionally filtered by status",
	}, s.handleListPools)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_job",
		Description: "Fetch one orchestrator job by id",
	}, s.handleGetJob)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lookup_article",
		Description: "Look up a stored article by id or URL",
	}, s.handleLookupArticle)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "run_sql",
		Description: "Run a read-only diagnostic SQL query against a configured database",
	}, s.handleRunSQL)
}

func (s *Server) handlePlatformHealth(ctx context.Context, _ *mcp.CallToolRequest, _ platformHealthInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Bus == nil {
		return nil, nil, fmt.Errorf("bus client unavailable")
	}

	health, err := s.deps.Bus.Health(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("bus health: %w", err)
	}

	payload := map[string]any{"health": health}
	if breakers, err := s.deps.Bus.Breakers(ctx); err == nil && len(breakers) > 0 {
		payload["breakers"] = breakers
	}
	return jsonToolResult(payload)
}

func (s *Server) handleListLeases(_ context.Context, _ *mcp.CallToolRequest, input listLeasesInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Orch == nil {
		return nil, nil, fmt.Errorf("orchestrator store unavailable")
	}

	var (
		leases []orchestrator.Lease
		err    error
	)
	if agent := strings.TrimSpace(input.Agent); agent != "" {
		leases, err = s.deps.Orch.LeasesByAgent(agent)
	} else {
		leases, err = s.deps.Orch.ListLeases()
	}
	if err != nil {
		return nil, nil, err
	}

	return jsonToolResult(map[string]any{"leases": leases, "count": len(leases)})
}

func (s *Server) handleListPools(_ context.Context, _ *mcp.CallToolRequest, input listPoolsInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Orch == nil {
		return nil, nil, fmt.Errorf("orchestrator store unavailable")
	}

	pools, err := s.deps.Orch.ListPools()
	if err != nil {
		return nil, nil, err
	}
	if status := strings.TrimSpace(input.Status); status != "" {
		filtered := pools[:0]
		for _, p := range pools {
			if strings.EqualFold(p.Status, status) {
				filtered = append(filtered, p)
			}
		}
		pools = filtered
	}

	return jsonToolResult(map[string]any{"pools": pools, "count": len(pools)})
}

func (s *Server) handleGetJob(_ context.Context, _ *mcp.CallToolRequest, input getJobInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Orch == nil {
		return nil, nil, fmt.Errorf("orchestrator store unavailable")
	}
	jobID := strings.TrimSpace(input.JobID)
	if jobID == "" {
		return nil, nil, fmt.Errorf("job_id is required")
	}

	job, err := s.deps.Orch.GetJob(jobID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, nil, err
	}
	return jsonToolResult(job)
}

func (s *Server) handleLookupArticle(_ context.Context, _ *mcp.CallToolRequest, input lookupArticleInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Articles == nil {
		return nil, nil, fmt.Errorf("article store unavailable")
	}

	switch {
	case strings.TrimSpace(input.ID) != "":
		id := strings.TrimSpace(input.ID)
		art, err := s.deps.Articles.GetArticle(id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, nil, fmt.Errorf("article not found: %s", id)
			}
			return nil, nil, err
		}
		return jsonToolResult(summarizeArticle(art))

	case strings.TrimSpace(input.URL) != "":
		normalized, err := urlnorm.Normalize(strings.TrimSpace(input.URL), s.mode)
		if err != nil {
			return nil, nil, fmt.Errorf("normalize %q: %v", input.URL, err)
		}
		art, err := s.deps.Articles.GetArticleByHash(s.hasher.Sum(normalized))
		if err != nil {
			if store.IsNotFound(err) {
				return nil, nil, fmt.Errorf("no article stored for %s", normalized)
			}
			return nil, nil, err
		}
		return jsonToolResult(summarizeArticle(art))

	default:
		return nil, nil, fmt.Errorf("id or url is required")
	}
}

func summarizeArticle(a *ingest.Article) articleSummary {
	return articleSummary{
		ID:                  a.ID,
		Title:               a.Title,
		SourceURL:           a.SourceURL,
		NormalizedURL:       a.NormalizedURL,
		URLHash:             a.URLHash,
		Language:            a.Language,
		Section:             a.Section,
		NeedsReview:         a.NeedsReview,
		ReviewReasons:       append([]string(nil), a.ReviewReasons...),
		Embedded:            len(a.Embedding) > 0,
		PublicationDate:     a.PublicationDate,
		CollectionTimestamp: a.CollectionTimestamp,
		CreatedAt:           a.CreatedAt,
	}
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
