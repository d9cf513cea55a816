package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
)

// Version is injected at build time.
var Version = "dev"

// Server is the assembled MCP bus service.
type Server struct {
	cfg    config.BusConfig
	logger *zap.Logger

	registry *Registry
	breaker  *Breaker
	router   *Router
	prober   *Prober
	events   *events.Bus

	httpServer *http.Server
	startedAt  time.Time
	ready      atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a fully-wired bus server from config.
func New(cfg config.BusConfig, eventBus *events.Bus, logger *zap.Logger) *Server {
	registry := NewRegistry(logger.Named("registry"))
	breaker := NewBreaker(BreakerConfig{
		Threshold: cfg.BreakerThreshold,
		Window:    time.Duration(cfg.BreakerWindowSeconds) * time.Second,
		OpenFor:   time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	})
	router := NewRouter(registry, breaker, eventBus,
		time.Duration(cfg.CallTimeoutSeconds)*time.Second, logger.Named("router"))
	prober := NewProber(registry, breaker,
		time.Duration(cfg.ProbeTimeoutSeconds)*time.Second, logger.Named("prober"))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		breaker:   breaker,
		router:    router,
		prober:    prober,
		events:    eventBus,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /unregister", s.handleUnregister)
	mux.HandleFunc("POST /call", s.handleCall)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /circuit_breakers", s.handleBreakers)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Run starts the probe loop and HTTP listener, blocking until ctx is
// cancelled or a shutdown is requested.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.probeLoop(runCtx)

	s.logger.Info("starting mcp bus",
		zap.String("addr", s.cfg.Addr),
		zap.String("version", Version),
		zap.Int("call_timeout_seconds", s.cfg.CallTimeoutSeconds),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	case <-s.stopCh:
	}

	s.logger.Info("shutting down mcp bus")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// probeLoop runs the background health cycle. The first completed cycle
// flips the bus to ready.
func (s *Server) probeLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.ProbeIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	s.prober.CheckAll(ctx)
	s.ready.Store(true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prober.CheckAll(ctx)
		}
	}
}

// Registry exposes the agent registry, used by the dashboard service when
// co-hosted.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Endpoint     string   `json:"endpoint"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindValidation, "bus.register", "invalid JSON body: %v", err))
		return
	}

	probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := ProbeEndpoint(probeCtx, &http.Client{Timeout: 2 * time.Second}, req.Endpoint); err != nil {
		writeError(w, fault.New(fault.KindValidation, "bus.register",
			"endpoint %q is unreachable: %v", req.Endpoint, err))
		return
	}

	agent, err := s.registry.Upsert(req.Name, req.Endpoint, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}

	s.events.Emit(events.AgentRegistered, agent.Name, "agent "+agent.Name+" registered", map[string]string{
		"endpoint": agent.Endpoint,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"agent":     agent,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindValidation, "bus.unregister", "invalid JSON body: %v", err))
		return
	}

	if s.registry.Remove(req.Name) {
		s.events.Emit(events.AgentUnregistered, req.Name, "agent "+req.Name+" unregistered", nil)
	}
	// Idempotent either way.
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindValidation, "bus.call", "invalid JSON body: %v", err))
		return
	}

	result, err := s.router.Call(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.prober.CheckAll(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ready.Load()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breaker.Snapshot()})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the shared tool error envelope. The HTTP status
// derives from the fault kind; the kind field carries the specific code
// (circuit_open, agent_unknown) when the error has one.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.KindUpstream
	}
	label := fault.CodeOf(err)
	if label == "" {
		label = string(kind)
	}
	writeJSON(w, fault.HTTPStatus(kind), map[string]any{
		"status": "error",
		"detail": err.Error(),
		"kind":   label,
	})
}
