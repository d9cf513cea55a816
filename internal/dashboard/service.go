/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/bus"
	"github.com/justnews/fabric/internal/busclient"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
)

// Version is set via ldflags at build time.
var Version = "dev"

const busTimeout = 5 * time.Second

// Summary is the aggregated platform view served on /summary.
type Summary struct {
	Status       string                       `json:"status"`
	GeneratedAt  time.Time                    `json:"generated_at"`
	Bus          *bus.HealthReport            `json:"bus,omitempty"`
	Agents       []bus.Agent                  `json:"agents,omitempty"`
	Breakers     map[string]bus.BreakerStatus `json:"breakers,omitempty"`
	Clients      int                          `json:"websocket_clients"`
	RecentEvents []events.Event               `json:"recent_events"`
}

// Service is the dashboard agent. It serves the websocket event feed
// and a health summary that joins the bus registry, probe results, and
// breaker state into one document.
type Service struct {
	shell  *agent.Shell
	hub    *Hub
	bus    *busclient.Client
	events *events.Bus
	logger *zap.Logger
}

// New builds the dashboard service on top of the agent shell.
func New(cfg config.Config, eventBus *events.Bus, logger *zap.Logger) (*Service, error) {
	if eventBus == nil {
		return nil, fmt.Errorf("dashboard needs an event bus")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		hub:    NewHub(eventBus, logger.Named("dashboard")),
		events: eventBus,
		logger: logger.Named("dashboard"),
	}
	if cfg.Bus.URL != "" {
		s.bus = busclient.New(cfg.Bus.URL)
	}
	s.shell = agent.New(agent.Config{
		Name:    "dashboard",
		Version: Version,
		Addr:    cfg.Dashboard.Addr,
		BusURL:  cfg.Bus.URL,
	}, logger)
	s.shell.RegisterTool("platform_summary", s.toolSummary)
	s.shell.Handle("GET /ws", s.hub.HandleWS)
	s.shell.Handle("GET /summary", s.handleSummary)
	s.shell.Handle("GET /events/recent", s.handleRecentEvents)
	return s, nil
}

// Shell exposes the underlying agent shell.
func (s *Service) Shell() *agent.Shell { return s.shell }

// Hub exposes the websocket hub.
func (s *Service) Hub() *Hub { return s.hub }

// Run serves until ctx is cancelled or Stop is called, forwarding bus
// events to websocket viewers the whole time.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(runCtx)
	return s.shell.Run(runCtx)
}

// Stop requests a graceful shutdown.
func (s *Service) Stop() { s.shell.Stop() }

func (s *Service) toolSummary(ctx context.Context, _ agent.ToolRequest) (any, error) {
	return s.buildSummary(ctx), nil
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	agent.WriteJSON(w, http.StatusOK, s.buildSummary(r.Context()))
}

func (s *Service) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	n := backlogSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	agent.WriteJSON(w, http.StatusOK, map[string]any{"events": s.events.Recent(n)})
}

// buildSummary gathers the pieces of the platform view. Bus calls are
// best effort: a dead bus degrades the summary instead of failing it,
// so the dashboard stays useful during an outage.
func (s *Service) buildSummary(ctx context.Context) Summary {
	sum := Summary{
		Status:       "healthy",
		GeneratedAt:  time.Now().UTC(),
		Clients:      s.hub.ClientCount(),
		RecentEvents: s.events.Recent(20),
	}
	if s.bus == nil {
		sum.Status = "standalone"
		return sum
	}

	cctx, cancel := context.WithTimeout(ctx, busTimeout)
	defer cancel()

	health, err := s.bus.Health(cctx)
	if err != nil {
		s.logger.Warn("bus health probe failed", zap.Error(err))
		sum.Status = "bus_unreachable"
		return sum
	}
	sum.Bus = &health
	sum.Status = health.OverallStatus

	if agents, err := s.bus.Agents(cctx); err == nil {
		sum.Agents = agents
	} else {
		s.logger.Warn("list agents failed", zap.Error(err))
	}
	if breakers, err := s.bus.Breakers(cctx); err == nil && len(breakers) > 0 {
		sum.Breakers = breakers
	}
	return sum
}
