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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
)

func startDashboard(t *testing.T, cfg config.Config, bus *events.Bus) (*Service, string) {
	t.Helper()

	svc, err := New(cfg, bus, zap.NewNop())
	if err != nil {
		t.Fatalf("new dashboard: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var addr string
	for time.Now().Before(deadline) {
		if addr = svc.Shell().BoundAddr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		cancel()
		t.Fatal("dashboard never bound its listener")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dashboard did not shut down")
		}
	})
	return svc, "http://" + addr
}

func fakeBusServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, `{"overall_status":"degraded","agents":{"analyst":{"status":"unreachable","error":"connection refused"},"scout":{"status":"healthy"}},"circuit_breaker_active":true,"checked_at":"2026-08-25T12:00:00Z"}`)
		case "/agents":
			fmt.Fprint(w, `{"agents":[{"name":"analyst","endpoint":"http://127.0.0.1:8004","capabilities":["analyze_sentiment"],"registered_at":"2026-08-25T11:00:00Z"},{"name":"scout","endpoint":"http://127.0.0.1:8002","registered_at":"2026-08-25T11:00:00Z"}]}`)
		case "/circuit_breakers":
			fmt.Fprint(w, `{"breakers":{"analyst":{"state":"open","recent_failures":4}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestNewRequiresEventBus(t *testing.T) {
	if _, err := New(config.Default(), nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for nil event bus")
	}
}

func TestSummaryAggregatesBusState(t *testing.T) {
	fake := fakeBusServer(t)
	defer fake.Close()

	cfg := config.Default()
	cfg.Bus.URL = fake.URL
	cfg.Dashboard.Addr = "127.0.0.1:0"

	bus := events.NewBus(8)
	bus.Emit(events.AgentRegistered, "mcp_bus", "registered analyst", nil)

	svc, err := New(cfg, bus, zap.NewNop())
	if err != nil {
		t.Fatalf("new dashboard: %v", err)
	}

	sum := svc.buildSummary(context.Background())
	if sum.Status != "degraded" {
		t.Errorf("status = %q, want degraded", sum.Status)
	}
	if sum.Bus == nil || !sum.Bus.CircuitBreakerActive {
		t.Fatalf("expected bus report with active breaker, got %+v", sum.Bus)
	}
	if sum.Bus.Agents["analyst"].Status != "unreachable" {
		t.Errorf("analyst status = %q, want unreachable", sum.Bus.Agents["analyst"].Status)
	}
	if len(sum.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(sum.Agents))
	}
	if sum.Breakers["analyst"].State != "open" {
		t.Errorf("breaker state = %q, want open", sum.Breakers["analyst"].State)
	}
	if sum.Breakers["analyst"].RecentFailures != 4 {
		t.Errorf("recent failures = %d, want 4", sum.Breakers["analyst"].RecentFailures)
	}
	if len(sum.RecentEvents) != 1 {
		t.Errorf("recent events = %d, want 1", len(sum.RecentEvents))
	}
	if sum.Clients != 0 {
		t.Errorf("clients = %d, want 0", sum.Clients)
	}
}

func TestSummaryWithoutBusIsStandalone(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.URL = ""

	svc, err := New(cfg, events.NewBus(8), zap.NewNop())
	if err != nil {
		t.Fatalf("new dashboard: %v", err)
	}

	sum := svc.buildSummary(context.Background())
	if sum.Status != "standalone" {
		t.Errorf("status = %q, want standalone", sum.Status)
	}
	if sum.Bus != nil {
		t.Errorf("expected no bus report, got %+v", sum.Bus)
	}
}

func TestSummaryReportsUnreachableBus(t *testing.T) {
	fake := fakeBusServer(t)
	fake.Close()

	cfg := config.Default()
	cfg.Bus.URL = fake.URL

	svc, err := New(cfg, events.NewBus(8), zap.NewNop())
	if err != nil {
		t.Fatalf("new dashboard: %v", err)
	}

	sum := svc.buildSummary(context.Background())
	if sum.Status != "bus_unreachable" {
		t.Errorf("status = %q, want bus_unreachable", sum.Status)
	}
	if sum.Bus != nil {
		t.Errorf("expected no bus report, got %+v", sum.Bus)
	}
}

func TestServiceServesSummaryAndEventRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.URL = ""
	cfg.Dashboard.Addr = "127.0.0.1:0"

	bus := events.NewBus(8)
	bus.Emit(events.PoolStateChanged, "gpu_orchestrator", "pool embedding now ready", nil)
	bus.Emit(events.JobSubmitted, "gpu_orchestrator", "job queued", nil)

	_, base := startDashboard(t, cfg, bus)

	resp, err := http.Get(base + "/summary")
	if err != nil {
		t.Fatalf("GET /summary: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d, want 200", resp.StatusCode)
	}
	var sum Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Status != "standalone" {
		t.Errorf("status = %q, want standalone", sum.Status)
	}
	if len(sum.RecentEvents) != 2 {
		t.Errorf("recent events = %d, want 2", len(sum.RecentEvents))
	}

	resp, err = http.Get(base + "/events/recent?limit=1")
	if err != nil {
		t.Fatalf("GET /events/recent: %v", err)
	}
	defer resp.Body.Close()
	var recent struct {
		Events []events.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&recent); err != nil {
		t.Fatalf("decode recent events: %v", err)
	}
	if len(recent.Events) != 1 {
		t.Fatalf("limited events = %d, want 1", len(recent.Events))
	}
	if recent.Events[0].Type != events.JobSubmitted {
		t.Errorf("limited event = %s, want newest %s", recent.Events[0].Type, events.JobSubmitted)
	}
}

func TestServiceStreamsEventsOverWebsocket(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.URL = ""
	cfg.Dashboard.Addr = "127.0.0.1:0"

	bus := events.NewBus(8)
	bus.Emit(events.LeaderElected, "gpu_orchestrator", "replica a elected", nil)

	svc, base := startDashboard(t, cfg, bus)
	waitFor(t, time.Second, func() bool { return bus.SubscriberCount() == 1 })

	conn := dialWS(t, base+"/ws")
	defer conn.Close()

	backlog := readEvent(t, conn)
	if backlog.Type != events.LeaderElected {
		t.Errorf("backlog event = %s, want %s", backlog.Type, events.LeaderElected)
	}

	waitFor(t, time.Second, func() bool { return svc.Hub().ClientCount() == 1 })
	bus.Emit(events.ArticleNeedsReview, "memory", "article flagged for review", nil)

	live := readEvent(t, conn)
	if live.Type != events.ArticleNeedsReview {
		t.Errorf("live event = %s, want %s", live.Type, events.ArticleNeedsReview)
	}
}

func TestPlatformSummaryTool(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.URL = ""
	cfg.Dashboard.Addr = "127.0.0.1:0"

	_, base := startDashboard(t, cfg, events.NewBus(8))

	resp, err := http.Post(base+"/platform_summary", "application/json", strings.NewReader(`{"args":[],"kwargs":{}}`))
	if err != nil {
		t.Fatalf("POST /platform_summary: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tool status = %d, want 200", resp.StatusCode)
	}

	var envelope struct {
		Status string  `json:"status"`
		Data   Summary `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Status != "success" {
		t.Errorf("envelope status = %q, want success", envelope.Status)
	}
	if envelope.Data.Status != "standalone" {
		t.Errorf("summary status = %q, want standalone", envelope.Data.Status)
	}
}
