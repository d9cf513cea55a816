package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/archive"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/embed"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/extract"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/urlnorm"
	"github.com/justnews/fabric/internal/vector"
)

// Version is injected at build time.
var Version = "dev"

// Service is the memory agent: the platform's article store surface.
// Other agents hand it fetched pages to ingest, look stored articles
// up by id or URL, search by embedding similarity, and append
// transparency artifacts to the evidence chain.
type Service struct {
	cfg    config.Config
	logger *zap.Logger

	db       *store.DB
	store    *Store
	pipeline *Pipeline
	embedder *embed.Embedder
	vectors  vector.Store
	archive  *archive.Archive

	shell *agent.Shell
}

// New opens the store and the transparency archive and assembles the
// memory agent. The embedder and vector store are optional; without
// them store_article degrades to persistence-only and search_articles
// reports the missing capability.
func New(cfg config.Config, eventBus *events.Bus, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.Open(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	arch, err := archive.Open(cfg.Archive.Dir, logger.Named("archive"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var embedder *embed.Embedder
	if cfg.HasEmbedding() {
		embedder = embed.New(embed.NewOpenAIProvider(cfg.Embedding), cfg.Article.EmbeddingModel, logger.Named("embed"))
	}
	var vectors vector.Store
	if cfg.Vector.URL != "" {
		vectors, err = vector.Open(cfg.Vector, logger.Named("vector"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	pipeline, err := NewPipeline(cfg.Article, Deps{
		Store:    st,
		Cascade:  extract.NewCascade(cfg.Article, logger.Named("extract")),
		Raw:      archive.NewRawStore(cfg.Article.RawHTMLDir),
		Embedder: embedder,
		Vectors:  vectors,
		Events:   eventBus,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    st,
		pipeline: pipeline,
		embedder: embedder,
		vectors:  vectors,
		archive:  arch,
	}
	s.shell = agent.New(agent.Config{
		Name:    "memory",
		Version: Version,
		Addr:    cfg.Memory.Addr,
		BusURL:  cfg.Bus.URL,
	}, logger)
	s.registerTools()
	s.shell.OnShutdown(func(context.Context) error { return s.db.Close() })

	return s, nil
}

// Shell exposes the agent shell, mainly so tests can stop the service.
func (s *Service) Shell() *agent.Shell { return s.shell }

// Store exposes the article store for co-hosted surfaces.
func (s *Service) Store() *Store { return s.store }

// Archive exposes the transparency archive for co-hosted surfaces.
func (s *Service) Archive() *archive.Archive { return s.archive }

// Run serves the memory tools until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.shell.Run(ctx)
}

// Stop requests a graceful shutdown.
func (s *Service) Stop() { s.shell.Stop() }

func (s *Service) registerTools() {
	s.shell.RegisterTool("store_article", s.toolStoreArticle)
	s.shell.RegisterTool("get_article", s.toolGetArticle)
	s.shell.RegisterTool("recent_articles", s.toolRecentArticles)
	s.shell.RegisterTool("search_articles", s.toolSearchArticles)
	s.shell.RegisterTool("article_stats", s.toolArticleStats)
	s.shell.RegisterTool("archive_artifact", s.toolArchiveArtifact)
	s.shell.RegisterTool("list_artifacts", s.toolListArtifacts)
	s.shell.RegisterTool("verify_archive", s.toolVerifyArchive)
}

func (s *Service) toolStoreArticle(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.store_article"
	rawURL, _ := req.StringKwarg("url")
	if strings.TrimSpace(rawURL) == "" {
		return nil, fault.New(fault.KindValidation, op, "url is required")
	}
	html, _ := req.StringKwarg("html")
	if html == "" {
		return nil, fault.New(fault.KindValidation, op, "html is required")
	}
	fetchedAt := time.Now().UTC()
	if raw, ok := req.StringKwarg("fetched_at"); ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fault.New(fault.KindValidation, op, "parse fetched_at: %v", err)
		}
		fetchedAt = parsed
	}
	return s.pipeline.Ingest(ctx, rawURL, []byte(html), fetchedAt)
}

func (s *Service) toolGetArticle(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.get_article"
	if id, ok := req.StringKwarg("article_id"); ok && strings.TrimSpace(id) != "" {
		id = strings.TrimSpace(id)
		art, err := s.store.GetArticle(id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fault.New(fault.KindNotFound, op, "article %s", id)
			}
			return nil, fault.Wrap(fault.KindTransient, op, err)
		}
		return viewArticle(art), nil
	}
	if rawURL, ok := req.StringKwarg("url"); ok && strings.TrimSpace(rawURL) != "" {
		normalized, err := urlnorm.Normalize(strings.TrimSpace(rawURL), s.pipeline.mode)
		if err != nil {
			return nil, fault.New(fault.KindValidation, op, "normalize %q: %v", rawURL, err)
		}
		art, err := s.store.GetArticleByHash(s.pipeline.hasher.Sum(normalized))
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fault.New(fault.KindNotFound, op, "no article for %s", normalized)
			}
			return nil, fault.Wrap(fault.KindTransient, op, err)
		}
		return viewArticle(art), nil
	}
	return nil, fault.New(fault.KindValidation, op, "article_id or url is required")
}

func (s *Service) toolRecentArticles(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.recent_articles"
	articles, err := s.store.ListRecent(req.IntKwarg("limit", 20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	briefs := make([]articleBrief, 0, len(articles))
	for i := range articles {
		briefs = append(briefs, briefArticle(&articles[i]))
	}
	return map[string]any{"articles": briefs, "count": len(briefs)}, nil
}

func (s *Service) toolSearchArticles(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.search_articles"
	if s.embedder == nil || s.vectors == nil {
		return nil, fault.New(fault.KindPrecondition, op,
			"vector search needs an embedding provider and a vector store")
	}
	query, _ := req.StringKwarg("query")
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.KindValidation, op, "query is required")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, op, err)
	}
	matches, err := s.vectors.Search(ctx, vec, req.IntKwarg("limit", 10))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, op, err)
	}

	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		entry := map[string]any{"article_id": m.ID, "score": m.Score}
		// The row may be gone if the mirror outlived the article;
		// the match still carries its stored payload.
		if art, err := s.store.GetArticle(m.ID); err == nil {
			entry["title"] = art.Title
			entry["url"] = art.SourceURL
			entry["language"] = art.Language
		} else if len(m.Payload) > 0 {
			entry["payload"] = m.Payload
		}
		out = append(out, entry)
	}
	return map[string]any{"matches": out, "count": len(out)}, nil
}

func (s *Service) toolArticleStats(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.article_stats"
	total, needsReview, err := s.store.CountArticles()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	return map[string]any{
		"articles":          total,
		"needs_review":      needsReview,
		"archive_artifacts": s.archive.Count(),
	}, nil
}

func (s *Service) toolArchiveArtifact(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.archive_artifact"
	kind, _ := req.StringKwarg("kind")
	subject, _ := req.StringKwarg("subject")
	payload, ok := req.Kwarg("payload")
	if !ok {
		return nil, fault.New(fault.KindValidation, op, "payload is required")
	}
	return s.archive.Append(ctx, kind, subject, payload)
}

func (s *Service) toolListArtifacts(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "memory.list_artifacts"
	kind, _ := req.StringKwarg("kind")
	artifacts, err := s.archive.List(kind, req.IntKwarg("limit", 20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	return map[string]any{"artifacts": artifacts, "count": len(artifacts)}, nil
}

// toolVerifyArchive walks the whole artifact chain. A broken chain is a
// finding, not a tool failure, so it is reported in the payload.
func (s *Service) toolVerifyArchive(ctx context.Context, req agent.ToolRequest) (any, error) {
	n, err := s.archive.Verify()
	out := map[string]any{"verified": n, "intact": err == nil}
	if err != nil {
		out["violation"] = err.Error()
	}
	return out, nil
}

// articleView is the wire shape of a full article.
type articleView struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	Content              string         `json:"content"`
	SourceURL            string         `json:"source_url"`
	NormalizedURL        string         `json:"normalized_url,omitempty"`
	URLHash              string         `json:"url_hash,omitempty"`
	URLHashAlgo          string         `json:"url_hash_algo,omitempty"`
	Language             string         `json:"language,omitempty"`
	Section              string         `json:"section,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	Authors              []string       `json:"authors,omitempty"`
	RawHTMLRef           string         `json:"raw_html_ref,omitempty"`
	ExtractionConfidence float64        `json:"extraction_confidence"`
	NeedsReview          bool           `json:"needs_review"`
	ReviewReasons        []string       `json:"review_reasons,omitempty"`
	ExtractionMetadata   map[string]any `json:"extraction_metadata,omitempty"`
	PublicationDate      time.Time      `json:"publication_date"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CollectionTimestamp  time.Time      `json:"collection_timestamp"`
	Embedded             bool           `json:"embedded"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// articleBrief is the compact listing shape.
type articleBrief struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	SourceURL           string    `json:"source_url"`
	Language            string    `json:"language,omitempty"`
	Section             string    `json:"section,omitempty"`
	NeedsReview         bool      `json:"needs_review"`
	Embedded            bool      `json:"embedded"`
	CollectionTimestamp time.Time `json:"collection_timestamp"`
}

func viewArticle(a *Article) articleView {
	return articleView{
		ID:                   a.ID,
		Title:                a.Title,
		Content:              a.Content,
		SourceURL:            a.SourceURL,
		NormalizedURL:        a.NormalizedURL,
		URLHash:              a.URLHash,
		URLHashAlgo:          a.URLHashAlgo,
		Language:             a.Language,
		Section:              a.Section,
		Tags:                 a.Tags,
		Authors:              a.Authors,
		RawHTMLRef:           a.RawHTMLRef,
		ExtractionConfidence: a.ExtractionConfidence,
		NeedsReview:          a.NeedsReview,
		ReviewReasons:        a.ReviewReasons,
		ExtractionMetadata:   a.ExtractionMetadata,
		PublicationDate:      a.PublicationDate,
		Metadata:             a.Metadata,
		CollectionTimestamp:  a.CollectionTimestamp,
		Embedded:             len(a.Embedding) > 0,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

func briefArticle(a *Article) articleBrief {
	return articleBrief{
		ID:                  a.ID,
		Title:               a.Title,
		SourceURL:           a.SourceURL,
		Language:            a.Language,
		Section:             a.Section,
		NeedsReview:         a.NeedsReview,
		Embedded:            len(a.Embedding) > 0,
		CollectionTimestamp: a.CollectionTimestamp,
	}
}
