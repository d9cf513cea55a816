// Package mcpserver exposes the platform to MCP clients: read-only
// introspection tools over the article store, orchestrator state, and
// bus registry, plus resources for fleet health, crawl history, and
// the orchestrator summary.
//
// The SSE handler is mounted at /mcp by the operator binary next to
// whichever services run in that process. Dependencies are optional:
// a tool backed by a dependency the process does not host answers
// with an unavailable error instead of failing the whole surface.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/busclient"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/ingest"
	"github.com/justnews/fabric/internal/orchestrator"
	"github.com/justnews/fabric/internal/scheduler"
	"github.com/justnews/fabric/internal/urlnorm"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Deps are the platform surfaces the introspection server reads from.
type Deps struct {
	// Articles backs lookup_article.
	Articles *ingest.Store
	// Orch backs list_leases, list_pools, get_job and the orchestrator
	// summary resource.
	Orch *orchestrator.Store
	// Bus backs platform_health and the fleet health resource.
	Bus *busclient.Client
	// Events contributes recent platform events to the fleet resource.
	Events *events.Bus
	// History backs the scheduler history resource.
	History *scheduler.History
	// Databases names the endpoints run_sql may query, URL per name.
	Databases map[string]string
}

// Server is the MCP introspection surface.
type Server struct {
	server  *mcp.Server
	handler http.Handler
	deps    Deps
	mode    urlnorm.Mode
	hasher  *urlnorm.Hasher
	logger  *zap.Logger
}

// New wires the tool and resource surface. The article config must
// match the ingesting service so lookup_article hashes URLs the same
// way the pipeline did when it stored them.
func New(deps Deps, article config.ArticleConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, err := urlnorm.ParseMode(article.URLNormalization)
	if err != nil {
		return nil, err
	}
	hasher, err := urlnorm.NewHasher(article.URLHashAlgo)
	if err != nil {
		return nil, err
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "justnews",
		Version: implVersion,
	}, nil)

	s := &Server{
		server: srv,
		deps:   deps,
		mode:   mode,
		hasher: hasher,
		logger: logger.Named("mcp"),
	}
	s.registerTools()
	s.registerResources()
	s.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)

	return s, nil
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
