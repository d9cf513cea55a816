/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/crawl"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
)

const leveeHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<title>Levee reinforcement enters second phase</title>
</head>
<body>
<article>
<h1>Levee reinforcement enters second phase</h1>
<p>Crews began driving sheet piles along the northern embankment on Monday, opening the
second phase of the levee reinforcement program that the river authority approved after
the near breach two winters ago.</p>
<p>Engineers expect the work to continue through the autumn, with the haul road closed
to the public on weekdays while trucks move fill material from the upstream quarry to
the staging ground beside the pumping station.</p>
<p>The authority said the completed section already held back the spring crest without
seepage, and that the monitoring wells along the crown will stay in place for another
full flood season before the instruments are moved downstream.</p>
</article>
</body>
</html>`

const libraryHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<title>Library branch reopens after renovation</title>
</head>
<body>
<article>
<h1>Library branch reopens after renovation</h1>
<p>The Riverside branch library reopened on Saturday after an eighteen month renovation
that doubled the size of the children's reading room and added a row of study booths
along the windows facing the park.</p>
<p>Circulation staff said the returns conveyor and the self service kiosks should clear
the backlog of held items within a week, and asked patrons to keep using the book drop
on the Elm Street side until then.</p>
<p>The project came in slightly under its bond allocation, and the district board said
the remaining funds will go toward replacing the public computers at the two smallest
branches early next year.</p>
</article>
</body>
</html>`

func crawlerConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.URL = filepath.Join(dir, "crawler.db")
	cfg.Stream.URL = "memory"
	cfg.Bus.URL = ""
	cfg.Crawl.Addr = "127.0.0.1:0"
	cfg.Crawl.ProfilesDir = filepath.Join(dir, "profiles")
	cfg.Crawl.SchedulePath = ""
	cfg.Article = config.ArticleConfig{
		ExtractorPrimary: "trafilatura",
		ConfidenceGate:   0.3,
		URLHashAlgo:      "sha256",
		URLNormalization: "strict",
		MinWords:         40,
		MinTextHTMLRatio: 0.01,
		RawHTMLDir:       filepath.Join(dir, "raw_html"),
	}
	return cfg
}

func writeProfile(t *testing.T, dir, name, doc string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir profiles: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func writeSchedule(t *testing.T, cfg *config.Config, doc string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	cfg.Crawl.SchedulePath = path
}

// newNewsSite serves an index page linking to two full articles, enough
// for an end-to-end crawl through the real pipeline.
func newNewsSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/news", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="/news/levee">Levee</a>
			<a href="/news/library">Library</a>
			<a href="/about">About</a>
		</body></html>`)
	})
	mux.HandleFunc("/news/levee", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, leveeHTML)
	})
	mux.HandleFunc("/news/library", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, libraryHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func siteProfileDoc(srv *httptest.Server) string {
	return fmt.Sprintf(`domain: 127.0.0.1
rate_rps: 500
concurrency: 2
skip_seeds: true
include:
  - /news/*
seeds:
  - %s/news
`, srv.URL)
}

func newCrawler(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	svc, err := NewService(cfg, events.NewBus(32), zap.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.db.Close() })
	return svc
}

func startCrawler(t *testing.T, cfg config.Config) (*Service, string) {
	t.Helper()
	svc := newCrawler(t, cfg)

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
		t.Fatal("service never bound its listener")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not shut down")
		}
	})
	return svc, "http://" + addr
}

func callTool(t *testing.T, base, tool string, kwargs map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"args": []any{}, "kwargs": kwargs})
	if err != nil {
		t.Fatalf("marshal kwargs: %v", err)
	}
	resp, err := http.Post(base+"/"+tool, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /%s: %v", tool, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode /%s response: %v", tool, err)
	}
	return resp, decoded
}

func TestCrawlerAdvertisesTools(t *testing.T) {
	svc := newCrawler(t, crawlerConfig(t))

	want := []string{"crawl_domain", "crawl_history", "list_profiles", "plan_pass", "reload_profiles"}
	if got := svc.Shell().ToolNames(); !slices.Equal(got, want) {
		t.Errorf("tools = %v, want %v", got, want)
	}
}

func TestCrawlerCrawlDomainOverHTTP(t *testing.T) {
	site := newNewsSite(t)
	cfg := crawlerConfig(t)
	writeProfile(t, cfg.Crawl.ProfilesDir, "local.yaml", siteProfileDoc(site))
	// Pause the domain so the loop's startup pass leaves it alone and
	// only the on-demand runs below touch the site.
	writeSchedule(t, &cfg, "domains:\n  127.0.0.1:\n    paused: true\n")

	_, base := startCrawler(t, cfg)

	resp, envelope := callTool(t, base, "crawl_domain", map[string]any{"domain": "127.0.0.1"})
	if resp.StatusCode != http.StatusOK || envelope["status"] != "success" {
		t.Fatalf("crawl status = %d (%v)", resp.StatusCode, envelope)
	}
	report, ok := envelope["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %T (%v)", envelope["data"], envelope)
	}
	if report["domain"] != "127.0.0.1" {
		t.Errorf("domain = %v", report["domain"])
	}
	if report["ingested"] != float64(2) || report["errors"] != float64(0) {
		t.Errorf("report = %v, want both articles ingested", report)
	}

	// The same pages again now dedup against the store.
	_, envelope = callTool(t, base, "crawl_domain", map[string]any{"domain": "127.0.0.1"})
	if envelope["status"] != "success" {
		t.Fatalf("second crawl failed: %v", envelope)
	}
	report, _ = envelope["data"].(map[string]any)
	if report["duplicates"] != float64(2) || report["ingested"] != float64(0) {
		t.Errorf("second report = %v, want two duplicates", report)
	}

	_, envelope = callTool(t, base, "crawl_history", nil)
	data, _ := envelope["data"].(map[string]any)
	if data["count"] != float64(0) {
		t.Errorf("history count = %v, on-demand runs must not move cadence anchors", data["count"])
	}
}

func TestCrawlerCrawlDomainValidation(t *testing.T) {
	svc := newCrawler(t, crawlerConfig(t))
	ctx := context.Background()

	_, err := svc.toolCrawlDomain(ctx, agent.ToolRequest{})
	if !fault.Is(err, fault.KindValidation) || !strings.Contains(err.Error(), "domain is required") {
		t.Errorf("missing domain returned %v", err)
	}

	_, err = svc.toolCrawlDomain(ctx, agent.ToolRequest{Kwargs: map[string]any{"domain": "nowhere.example"}})
	if !fault.Is(err, fault.KindNotFound) || !strings.Contains(err.Error(), "no profile for domain nowhere.example") {
		t.Errorf("unknown domain returned %v", err)
	}
}

func TestCrawlerPlanAndHistoryTools(t *testing.T) {
	cfg := crawlerConfig(t)
	cfg.Scheduler.GlobalArticleBudget = 10
	writeProfile(t, cfg.Crawl.ProfilesDir, "alpha.yaml", profileDoc("alpha.example", 2, false))
	writeProfile(t, cfg.Crawl.ProfilesDir, "beta.yaml", profileDoc("beta.example", 3, true))
	svc := newCrawler(t, cfg)
	ctx := context.Background()

	out, err := svc.toolPlanPass(ctx, agent.ToolRequest{})
	if err != nil {
		t.Fatalf("plan_pass: %v", err)
	}
	plan, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("plan_pass returned %T", out)
	}
	candidates, ok := plan["candidates"].([]Candidate)
	if !ok || len(candidates) != 2 || plan["count"] != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	byDomain := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byDomain[c.Domain] = c
	}
	if got := byDomain["alpha.example"]; got.Budget != 2 || got.Adaptive {
		t.Errorf("alpha candidate = %+v", got)
	}
	// beta gets its own 3 plus the unclaimed 5.
	if got := byDomain["beta.example"]; got.Budget != 8 || !got.Adaptive {
		t.Errorf("beta candidate = %+v", got)
	}

	at := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	if err := svc.scheduler.History().RecordRun("alpha.example", &crawl.DomainReport{Attempted: 4, Ingested: 3, Duplicates: 1}, "ok", at); err != nil {
		t.Fatalf("record run: %v", err)
	}
	out, err = svc.toolCrawlHistory(ctx, agent.ToolRequest{})
	if err != nil {
		t.Fatalf("crawl_history: %v", err)
	}
	hist, _ := out.(map[string]any)
	domains, ok := hist["domains"].([]DomainHistory)
	if !ok || hist["count"] != 1 || len(domains) != 1 {
		t.Fatalf("history = %+v", hist)
	}
	if domains[0].Domain != "alpha.example" || domains[0].Ingested != 3 {
		t.Errorf("history record = %+v", domains[0])
	}
}

func TestCrawlerListProfilesResolvesSchedule(t *testing.T) {
	cfg := crawlerConfig(t)
	writeProfile(t, cfg.Crawl.ProfilesDir, "alpha.yaml", profileDoc("alpha.example", 2, false))
	writeProfile(t, cfg.Crawl.ProfilesDir, "beta.yaml", profileDoc("beta.example", 3, false))
	writeSchedule(t, &cfg, "domains:\n  alpha.example:\n    cadence: 30m\n  beta.example:\n    paused: true\n")
	svc := newCrawler(t, cfg)

	out, err := svc.toolListProfiles(context.Background(), agent.ToolRequest{})
	if err != nil {
		t.Fatalf("list_profiles: %v", err)
	}
	data, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("list_profiles returned %T", out)
	}
	views, ok := data["profiles"].([]profileView)
	if !ok || len(views) != 2 {
		t.Fatalf("profiles = %+v", data["profiles"])
	}
	if views[0].Domain != "alpha.example" || views[0].Cadence != "30m" {
		t.Errorf("alpha view = %+v, want the schedule override cadence", views[0])
	}
	if views[1].Domain != "beta.example" || !views[1].Paused {
		t.Errorf("beta view = %+v, want paused", views[1])
	}
	if views[1].Cadence != "1h" {
		t.Errorf("beta cadence = %q, want the schedule default", views[1].Cadence)
	}
}

func TestCrawlerReloadProfiles(t *testing.T) {
	cfg := crawlerConfig(t)
	writeProfile(t, cfg.Crawl.ProfilesDir, "alpha.yaml", profileDoc("alpha.example", 2, false))
	svc := newCrawler(t, cfg)
	ctx := context.Background()

	writeProfile(t, cfg.Crawl.ProfilesDir, "beta.yaml", profileDoc("beta.example", 3, false))
	out, err := svc.toolReloadProfiles(ctx, agent.ToolRequest{})
	if err != nil {
		t.Fatalf("reload_profiles: %v", err)
	}
	if data, _ := out.(map[string]any); data["loaded"] != 2 {
		t.Errorf("loaded = %v, want 2", data["loaded"])
	}
	if _, ok := svc.profiles.Get("beta.example"); !ok {
		t.Error("reload did not pick up the new profile")
	}
}

func TestCrawlerToleratesMissingProfilesDir(t *testing.T) {
	svc := newCrawler(t, crawlerConfig(t))
	ctx := context.Background()

	out, err := svc.toolListProfiles(ctx, agent.ToolRequest{})
	if err != nil {
		t.Fatalf("list_profiles: %v", err)
	}
	if data, _ := out.(map[string]any); data["count"] != 0 {
		t.Errorf("profile count = %v in a service started without a directory", data["count"])
	}
	if _, err := svc.toolReloadProfiles(ctx, agent.ToolRequest{}); !fault.Is(err, fault.KindTransient) {
		t.Errorf("reload on a missing directory returned %v", err)
	}
}
