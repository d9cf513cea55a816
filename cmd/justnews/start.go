package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/bus"
	"github.com/justnews/fabric/internal/busclient"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/dashboard"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/ingest"
	"github.com/justnews/fabric/internal/mcpserver"
	"github.com/justnews/fabric/internal/orchestrator"
	"github.com/justnews/fabric/internal/scheduler"
	"github.com/justnews/fabric/internal/telemetry"
)

type runnable interface {
	Run(ctx context.Context) error
}

type hostedService struct {
	name string
	svc  runnable
}

func runStart(ctx context.Context, cfg config.Config, cli cliConfig, args []string) error {
	if len(args) != 1 {
		return usagef("usage: justnews start <mcp_bus|orchestrator|crawler|memory|dashboard|all>")
	}
	target := args[0]

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "justnews-"+target, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		stopTracing = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = stopTracing(sctx)
	}()

	services, err := buildServices(cfg, target, logger)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(services))
	for _, hosted := range services {
		names = append(names, hosted.name)
	}
	logger.Info("starting services",
		zap.String("target", target),
		zap.Strings("services", names),
		zap.String("version", version))

	errCh := make(chan error, len(services))
	var wg sync.WaitGroup
	for _, hosted := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hosted.svc.Run(ctx); err != nil {
				logger.Error("service stopped",
					zap.String("service", hosted.name),
					zap.Error(err))
				errCh <- fmt.Errorf("%s: %w", hosted.name, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		cancel()
		<-done
	case <-done:
	}

	logger.Info("stopped", zap.String("target", target))
	return runErr
}

// buildServices constructs the services named by target. "all" hosts the
// whole platform in one process on a shared event bus. The introspection
// endpoint mounts at /mcp on one agent shell per process; when several
// are co-hosted the memory shell wins since it fronts the article store.
func buildServices(cfg config.Config, target string, logger *zap.Logger) ([]hostedService, error) {
	eventBus := events.NewBus(256)

	deps := mcpserver.Deps{
		Events:    eventBus,
		Databases: map[string]string{"platform": cfg.Store.URL},
	}
	if cfg.Bus.URL != "" {
		deps.Bus = busclient.New(cfg.Bus.URL)
	}

	want := func(name string) bool { return target == name || target == "all" }

	var services []hostedService
	var shell *agent.Shell

	if want("mcp_bus") {
		srv := bus.New(cfg.Bus, eventBus, logger.Named("bus"))
		services = append(services, hostedService{name: "mcp_bus", svc: srv})
	}
	if want("orchestrator") {
		orch, err := orchestrator.New(cfg, nil, eventBus, logger.Named("orchestrator"))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		deps.Orch = orch.Store()
		shell = orch.Shell()
		services = append(services, hostedService{name: "orchestrator", svc: orch})
	}
	if want("crawler") {
		crawler, err := scheduler.NewService(cfg, eventBus, logger.Named("crawler"))
		if err != nil {
			return nil, fmt.Errorf("crawler: %w", err)
		}
		deps.History = crawler.Scheduler().History()
		shell = crawler.Shell()
		services = append(services, hostedService{name: "crawler", svc: crawler})
	}
	if want("memory") {
		mem, err := ingest.New(cfg, eventBus, logger.Named("memory"))
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		deps.Articles = mem.Store()
		shell = mem.Shell()
		services = append(services, hostedService{name: "memory", svc: mem})
	}
	if want("dashboard") {
		dash, err := dashboard.New(cfg, eventBus, logger.Named("dashboard"))
		if err != nil {
			return nil, fmt.Errorf("dashboard: %w", err)
		}
		if shell == nil {
			shell = dash.Shell()
		}
		services = append(services, hostedService{name: "dashboard", svc: dash})
	}

	if len(services) == 0 {
		return nil, usagef("unknown service: %s", target)
	}

	if shell != nil {
		srv, err := mcpserver.New(deps, cfg.Article, logger.Named("mcp"))
		if err != nil {
			return nil, fmt.Errorf("mcp server: %w", err)
		}
		shell.Handle("/mcp", srv.Handler().ServeHTTP)
	}

	return services, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
