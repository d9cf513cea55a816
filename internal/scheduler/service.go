/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/archive"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/crawl"
	"github.com/justnews/fabric/internal/embed"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/extract"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/ingest"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/vector"
)

// Version is injected at build time.
var Version = "dev"

// Service is the crawler agent: the crawl loop, the robots-aware
// walker, and the ingestion pipeline behind one agent shell. Pages it
// accepts land in the shared article store exactly as if they had been
// handed to the memory agent.
type Service struct {
	cfg    config.Config
	logger *zap.Logger

	db        *store.DB
	profiles  *crawl.ProfileSet
	walker    *crawl.Walker
	scheduler *Scheduler

	shell *agent.Shell
}

// NewService loads the profile set and schedule and assembles the
// crawler. A missing profiles directory is tolerated: the loop idles
// and profiles can be dropped in later.
func NewService(cfg config.Config, eventBus *events.Bus, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.Open(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st, err := ingest.NewStore(db)
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
	pipeline, err := ingest.NewPipeline(cfg.Article, ingest.Deps{
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

	profiles := crawl.NewProfileSet(cfg.Crawl.ProfilesDir, logger.Named("profiles"))
	n, err := profiles.Load()
	switch {
	case err == nil:
		logger.Info("crawl profiles loaded",
			zap.Int("count", n),
			zap.String("dir", cfg.Crawl.ProfilesDir))
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("profiles directory missing, starting with none",
			zap.String("dir", cfg.Crawl.ProfilesDir))
	default:
		_ = db.Close()
		return nil, err
	}

	var schedule *crawl.Schedule
	if cfg.Crawl.SchedulePath != "" {
		schedule, err = crawl.LoadSchedule(cfg.Crawl.SchedulePath)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	walker := crawl.NewWalker(crawl.NewFetcher(logger.Named("fetch")), pipeline, logger)
	sched, err := New(cfg.Scheduler, profiles, schedule, walker, eventBus, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		profiles:  profiles,
		walker:    walker,
		scheduler: sched,
	}
	s.shell = agent.New(agent.Config{
		Name:    "crawler",
		Version: Version,
		Addr:    cfg.Crawl.Addr,
		BusURL:  cfg.Bus.URL,
	}, logger)
	s.registerTools()
	s.shell.OnShutdown(func(context.Context) error { return s.db.Close() })

	return s, nil
}

// Shell exposes the agent shell, mainly so tests can stop the service.
func (s *Service) Shell() *agent.Shell { return s.shell }

// Scheduler exposes the crawl loop for the CLI's one-shot modes.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// Run serves the crawler tools and drives the crawl loop until ctx is
// cancelled. In-flight domain runs are drained before Run returns;
// cancellation propagates into them, so the drain is prompt.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := s.profiles.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("profile watcher stopped", zap.Error(err))
		}
	}()
	schedDone := make(chan error, 1)
	go func() { schedDone <- s.scheduler.Run(runCtx) }()

	err := s.shell.Run(runCtx)
	cancel()
	<-schedDone
	return err
}

// Stop requests a graceful shutdown.
func (s *Service) Stop() { s.shell.Stop() }

// Close releases the store without serving. One-shot callers that never
// run the shell use it in place of a full shutdown.
func (s *Service) Close() error { return s.db.Close() }

func (s *Service) registerTools() {
	s.shell.RegisterTool("crawl_domain", s.toolCrawlDomain)
	s.shell.RegisterTool("plan_pass", s.toolPlanPass)
	s.shell.RegisterTool("crawl_history", s.toolCrawlHistory)
	s.shell.RegisterTool("list_profiles", s.toolListProfiles)
	s.shell.RegisterTool("reload_profiles", s.toolReloadProfiles)
}

// toolCrawlDomain runs one bounded on-demand crawl. The run does not
// touch scheduler history, so it never shifts the domain's cadence
// anchor.
func (s *Service) toolCrawlDomain(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "crawler.crawl_domain"
	domain, _ := req.StringKwarg("domain")
	if strings.TrimSpace(domain) == "" {
		return nil, fault.New(fault.KindValidation, op, "domain is required")
	}
	profile, ok := s.profiles.Get(domain)
	if !ok {
		return nil, fault.New(fault.KindNotFound, op, "no profile for domain %s", domain)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.scheduler.domainCap())
	defer cancel()
	report, err := s.walker.CrawlDomain(runCtx, profile, req.IntKwarg("budget", 0))
	if err != nil {
		return nil, fault.Wrap(fault.KindDeadline, op, err)
	}
	return report, nil
}

func (s *Service) toolPlanPass(ctx context.Context, req agent.ToolRequest) (any, error) {
	candidates := s.scheduler.Plan(time.Now().UTC())
	return map[string]any{"candidates": candidates, "count": len(candidates)}, nil
}

func (s *Service) toolCrawlHistory(ctx context.Context, req agent.ToolRequest) (any, error) {
	domains := s.scheduler.History().All()
	return map[string]any{"domains": domains, "count": len(domains)}, nil
}

func (s *Service) toolListProfiles(ctx context.Context, req agent.ToolRequest) (any, error) {
	all := s.profiles.All()
	views := make([]profileView, 0, len(all))
	for _, p := range all {
		views = append(views, profileView{
			Domain:      p.Domain,
			Cadence:     s.scheduler.schedule.CadenceFor(p.Domain, p.Cadence()).String(),
			Paused:      s.scheduler.schedule.Paused(p.Domain),
			MaxArticles: p.MaxArticles,
			MaxLinks:    p.MaxLinks,
			Concurrency: p.Concurrency,
			Adaptive:    p.Adaptive,
			SkipSeeds:   p.SkipSeeds,
			RateRPS:     p.RateRPS,
			Seeds:       p.Seeds,
		})
	}
	return map[string]any{"profiles": views, "count": len(views)}, nil
}

func (s *Service) toolReloadProfiles(ctx context.Context, req agent.ToolRequest) (any, error) {
	const op = "crawler.reload_profiles"
	n, err := s.profiles.Load()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	return map[string]any{"loaded": n}, nil
}

// profileView is the wire shape of one crawl profile, with the cadence
// and pause state the scheduler actually resolves for the domain.
type profileView struct {
	Domain      string   `json:"domain"`
	Cadence     string   `json:"cadence,omitempty"`
	Paused      bool     `json:"paused,omitempty"`
	MaxArticles int      `json:"max_articles,omitempty"`
	MaxLinks    int      `json:"max_links,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	Adaptive    bool     `json:"adaptive,omitempty"`
	SkipSeeds   bool     `json:"skip_seeds,omitempty"`
	RateRPS     float64  `json:"rate_rps,omitempty"`
	Seeds       []string `json:"seeds"`
}
