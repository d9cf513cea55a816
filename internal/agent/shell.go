// Package agent provides the runtime shell every platform agent runs in:
// tool endpoints with the shared request/response envelope, health and
// readiness surfaces, bus registration, and graceful shutdown with
// release hooks.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/busclient"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/metrics"
)

// ToolRequest is the decoded body of a POST /<tool> call.
type ToolRequest struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// StringArg returns positional argument i as a string.
func (r ToolRequest) StringArg(i int) (string, bool) {
	if i < 0 || i >= len(r.Args) {
		return "", false
	}
	s, ok := r.Args[i].(string)
	return s, ok
}

// Kwarg returns the named keyword argument.
func (r ToolRequest) Kwarg(name string) (any, bool) {
	v, ok := r.Kwargs[name]
	return v, ok
}

// StringKwarg returns the named keyword argument as a string.
func (r ToolRequest) StringKwarg(name string) (string, bool) {
	v, ok := r.Kwargs[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntKwarg returns the named keyword argument as an int, falling back
// to def when absent or unusable. JSON numbers decode as float64, so
// both forms are accepted.
func (r ToolRequest) IntKwarg(name string, def int) int {
	v, ok := r.Kwargs[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// ToolFunc handles one tool invocation. The returned value is serialized
// into the success envelope's data field.
type ToolFunc func(ctx context.Context, req ToolRequest) (any, error)

// Config describes one agent process.
type Config struct {
	// Name is the agent's registry name.
	Name string
	// Version is reported on /health.
	Version string
	// Addr is the listen address, e.g. ":8004".
	Addr string
	// BusURL, when set, enables registration with the MCP bus.
	BusURL string
	// Endpoint overrides the advertised endpoint. When empty it is
	// derived from the bound listen address.
	Endpoint string
}

// Shell hosts an agent's tools over HTTP.
type Shell struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	tools map[string]ToolFunc
	extra map[string]http.HandlerFunc

	healthFn   func() string
	readyFn    func() bool
	onShutdown []func(context.Context) error

	busClient *busclient.Client
	startedAt time.Time
	boundAddr atomic.Value

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an empty shell for cfg.
func New(cfg Config, logger *zap.Logger) *Shell {
	s := &Shell{
		cfg:    cfg,
		logger: logger,
		tools:  make(map[string]ToolFunc),
		extra:  make(map[string]http.HandlerFunc),
		stopCh: make(chan struct{}),
	}
	if cfg.BusURL != "" {
		s.busClient = busclient.New(cfg.BusURL)
	}
	return s
}

// RegisterTool mounts fn at POST /<name>. Panics on duplicate names so
// wiring mistakes surface at startup, not at call time.
func (s *Shell) RegisterTool(name string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tools[name]; dup {
		panic(fmt.Sprintf("agent %s: tool %q registered twice", s.cfg.Name, name))
	}
	s.tools[name] = fn
}

// Handle mounts an extra route on the shell's mux, for services that
// expose REST surfaces beyond their tools.
func (s *Shell) Handle(pattern string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = h
}

// OnShutdown registers a hook run during graceful shutdown, after the
// listener stops accepting new work. Hooks release held resources such
// as GPU leases.
func (s *Shell) OnShutdown(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, fn)
}

// SetHealth overrides the /health status, which defaults to healthy.
func (s *Shell) SetHealth(fn func() string) { s.healthFn = fn }

// SetReady overrides the /ready signal, which defaults to true once the
// listener is up.
func (s *Shell) SetReady(fn func() bool) { s.readyFn = fn }

// ToolNames lists the registered tools sorted by name. These double as
// the advertised capabilities.
func (s *Shell) ToolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BoundAddr returns the actual listen address once Run has bound it.
func (s *Shell) BoundAddr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Stop requests a graceful shutdown, equivalent to POST /shutdown.
func (s *Shell) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run binds the listener, registers with the bus, and serves until ctx
// is cancelled or a shutdown is requested. In-flight requests are given
// ten seconds to finish; shutdown hooks run after that, and the bus
// registration is removed best-effort.
func (s *Shell) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr.Store(ln.Addr().String())

	httpServer := &http.Server{
		Handler:      s.buildMux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("agent listening",
		zap.String("agent", s.cfg.Name),
		zap.String("addr", s.BoundAddr()),
		zap.Strings("tools", s.ToolNames()),
	)

	if s.busClient != nil {
		s.registerWithBus(ctx)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.stopCh:
	}

	s.logger.Info("agent shutting down", zap.String("agent", s.cfg.Name))

	if s.busClient != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.busClient.Unregister(dctx, s.cfg.Name); err != nil {
			s.logger.Warn("bus deregistration failed", zap.Error(err))
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	hooks := make([]func(context.Context) error, len(s.onShutdown))
	copy(hooks, s.onShutdown)
	s.mu.Unlock()
	for _, hook := range hooks {
		if hookErr := hook(shutdownCtx); hookErr != nil {
			s.logger.Warn("shutdown hook failed", zap.Error(hookErr))
		}
	}

	return err
}

// registerWithBus announces the agent, retrying a few times because the
// bus may still be coming up. Registration failure is not fatal: the
// agent serves direct traffic regardless.
func (s *Shell) registerWithBus(ctx context.Context) {
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://" + hostport(s.BoundAddr())
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = s.busClient.Register(rctx, s.cfg.Name, endpoint, s.ToolNames())
		cancel()
		if lastErr == nil {
			s.logger.Info("registered with bus",
				zap.String("bus", s.cfg.BusURL),
				zap.String("endpoint", endpoint),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
	s.logger.Warn("bus registration failed", zap.Error(lastErr))
}

// hostport rewrites a wildcard bind address into a dialable one.
func hostport(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "::", "0.0.0.0":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (s *Shell) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, fn := range s.tools {
		mux.HandleFunc("POST /"+name, s.toolHandler(name, fn))
	}
	for pattern, h := range s.extra {
		mux.HandleFunc(pattern, h)
	}
	return mux
}

func (s *Shell) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.healthFn != nil {
		status = s.healthFn()
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.cfg.Version,
		"uptime":  time.Since(s.startedAt).Seconds(),
	})
}

func (s *Shell) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.readyFn != nil {
		ready = s.readyFn()
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]any{"ready": ready})
}

func (s *Shell) handleShutdown(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	s.Stop()
}

func (s *Shell) toolHandler(tool string, fn ToolFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ToolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			metrics.RecordToolRequest(s.cfg.Name, tool, "validation_error")
			WriteError(w, fault.New(fault.KindValidation, s.cfg.Name+"."+tool,
				"invalid JSON body: %v", err))
			return
		}

		data, err := fn(r.Context(), req)
		if err != nil {
			outcome := fault.CodeOf(err)
			if outcome == "" {
				outcome = string(fault.KindOf(err))
			}
			if outcome == "" {
				outcome = "error"
			}
			metrics.RecordToolRequest(s.cfg.Name, tool, outcome)
			WriteError(w, err)
			return
		}

		metrics.RecordToolRequest(s.cfg.Name, tool, "ok")
		WriteResult(w, data)
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteResult writes the shared success envelope.
func WriteResult(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// WriteError writes the shared error envelope. Untyped errors are
// surfaced as upstream failures; the kind field carries the specific
// code when the fault has one.
func WriteError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.KindUpstream
	}
	label := fault.CodeOf(err)
	if label == "" {
		label = string(kind)
	}
	WriteJSON(w, fault.HTTPStatus(kind), map[string]any{
		"status": "error",
		"detail": err.Error(),
		"kind":   label,
	})
}
