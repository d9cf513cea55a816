package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/agent"
	"github.com/justnews/fabric/internal/archive"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.URL = filepath.Join(dir, "memory.db")
	cfg.Stream.URL = "memory"
	cfg.Bus.URL = ""
	cfg.Memory.Addr = "127.0.0.1:0"
	cfg.Article = testConfig()
	cfg.Article.RawHTMLDir = filepath.Join(dir, "raw_html")
	cfg.Archive.Dir = filepath.Join(dir, "transparency")
	return cfg
}

func newMemoryService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	svc, err := New(cfg, events.NewBus(32), zap.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.db.Close() })
	return svc
}

func startMemory(t *testing.T, cfg config.Config) (*Service, string) {
	t.Helper()
	svc := newMemoryService(t, cfg)

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

func TestServiceAdvertisesMemoryTools(t *testing.T) {
	svc := newMemoryService(t, memoryConfig(t))

	want := []string{
		"archive_artifact", "article_stats", "get_article", "list_artifacts",
		"recent_articles", "search_articles", "store_article", "verify_archive",
	}
	if got := svc.Shell().ToolNames(); !slices.Equal(got, want) {
		t.Errorf("tools = %v, want %v", got, want)
	}
}

func TestServiceStoreAndGetOverHTTP(t *testing.T) {
	_, base := startMemory(t, memoryConfig(t))

	resp, envelope := callTool(t, base, "store_article", map[string]any{
		"url":        "https://example.com/news/budget",
		"html":       budgetHTML,
		"fetched_at": "2026-08-25T09:00:00Z",
	})
	if resp.StatusCode != http.StatusOK || envelope["status"] != "success" {
		t.Fatalf("store status = %d (%v)", resp.StatusCode, envelope)
	}
	data, _ := envelope["data"].(map[string]any)
	if data["status"] != StatusOK {
		t.Fatalf("ingest status = %v (reasons %v)", data["status"], data["reasons"])
	}
	articleID, _ := data["article_id"].(string)
	if articleID == "" {
		t.Fatalf("no article_id in %v", data)
	}

	// The same story through a tracking link folds onto the stored row.
	resp, envelope = callTool(t, base, "store_article", map[string]any{
		"url":  "https://Example.com/news/budget?utm_campaign=newsletter#latest",
		"html": budgetHTML,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate store status = %d (%v)", resp.StatusCode, envelope)
	}
	data, _ = envelope["data"].(map[string]any)
	if data["status"] != StatusDuplicate || data["article_id"] != articleID {
		t.Fatalf("duplicate result = %v, want %s again", data, articleID)
	}

	resp, envelope = callTool(t, base, "get_article", map[string]any{
		"url": "https://example.com/news/budget?utm_source=mail",
	})
	if resp.StatusCode != http.StatusOK || envelope["status"] != "success" {
		t.Fatalf("get by url status = %d (%v)", resp.StatusCode, envelope)
	}
	art, _ := envelope["data"].(map[string]any)
	if art["id"] != articleID {
		t.Errorf("id = %v, want %s", art["id"], articleID)
	}
	if art["normalized_url"] != "https://example.com/news/budget" {
		t.Errorf("normalized_url = %v", art["normalized_url"])
	}
	if !strings.Contains(fmt.Sprint(art["content"]), "marathon session") {
		t.Error("content missing body text")
	}

	resp, envelope = callTool(t, base, "get_article", map[string]any{"article_id": articleID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get by id status = %d (%v)", resp.StatusCode, envelope)
	}
	art, _ = envelope["data"].(map[string]any)
	if art["source_url"] != "https://example.com/news/budget" {
		t.Errorf("source_url = %v", art["source_url"])
	}

	resp, envelope = callTool(t, base, "get_article", map[string]any{"article_id": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing article status = %d, want 404 (%v)", resp.StatusCode, envelope)
	}
	if envelope["status"] != "error" || envelope["kind"] != "not_found" {
		t.Errorf("error envelope = %v", envelope)
	}
}

func TestServiceToolValidation(t *testing.T) {
	svc := newMemoryService(t, memoryConfig(t))
	ctx := t.Context()

	cases := []struct {
		name   string
		call   func() (any, error)
		wantIn string
	}{
		{"store without url", func() (any, error) {
			return svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{"html": budgetHTML}})
		}, "url is required"},
		{"store without html", func() (any, error) {
			return svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{"url": "https://example.com/x"}})
		}, "html is required"},
		{"store with bad timestamp", func() (any, error) {
			return svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{
				"url": "https://example.com/x", "html": budgetHTML, "fetched_at": "yesterday",
			}})
		}, "fetched_at"},
		{"get without selector", func() (any, error) {
			return svc.toolGetArticle(ctx, agent.ToolRequest{})
		}, "article_id or url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.call()
			if !fault.Is(err, fault.KindValidation) {
				t.Fatalf("kind = %q, want validation", fault.KindOf(err))
			}
			if !strings.Contains(err.Error(), tc.wantIn) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantIn)
			}
		})
	}
}

func TestSearchNeedsVectorBackend(t *testing.T) {
	svc := newMemoryService(t, memoryConfig(t))

	_, err := svc.toolSearchArticles(t.Context(), agent.ToolRequest{
		Kwargs: map[string]any{"query": "anything"},
	})
	if !fault.Is(err, fault.KindPrecondition) {
		t.Fatalf("kind = %q, want precondition", fault.KindOf(err))
	}
}

func TestServiceSearchArticles(t *testing.T) {
	// OpenAI-compatible embeddings endpoint that picks a fixed vector
	// per topic so similarity ranking is deterministic.
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := []float32{0, 0, 1}
		if len(req.Input) > 0 {
			text := strings.ToLower(req.Input[0])
			switch {
			case strings.Contains(text, "council"):
				vec = []float32{1, 0, 0}
			case strings.Contains(text, "harbor"):
				vec = []float32{0, 1, 0}
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": vec}},
		})
	}))
	t.Cleanup(embedSrv.Close)

	cfg := memoryConfig(t)
	cfg.Embedding.BaseURL = embedSrv.URL
	cfg.Vector.URL = "memory"
	cfg.Vector.Collection = "articles"
	svc := newMemoryService(t, cfg)
	ctx := t.Context()

	budget, err := svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"url": "https://example.com/news/budget", "html": budgetHTML,
	}})
	if err != nil {
		t.Fatalf("store budget article: %v", err)
	}
	budgetRes := budget.(*Result)
	if !budgetRes.Embedded {
		t.Fatal("budget article was not embedded")
	}
	if _, err := svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"url": "https://example.com/news/harbor-expansion", "html": canonicalHTML,
	}}); err != nil {
		t.Fatalf("store harbor article: %v", err)
	}

	out, err := svc.toolSearchArticles(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"query": "council budget vote", "limit": 2,
	}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	payload := out.(map[string]any)
	if payload["count"] != 2 {
		t.Fatalf("count = %v, want 2", payload["count"])
	}
	matches := payload["matches"].([]map[string]any)
	if matches[0]["article_id"] != budgetRes.ArticleID {
		t.Errorf("top match = %v, want the budget article %s", matches[0], budgetRes.ArticleID)
	}
	if !strings.Contains(strings.ToLower(fmt.Sprint(matches[0]["title"])), "budget") {
		t.Errorf("top match title = %v", matches[0]["title"])
	}
	if matches[0]["url"] != "https://example.com/news/budget" {
		t.Errorf("top match url = %v", matches[0]["url"])
	}

	if _, err := svc.toolSearchArticles(ctx, agent.ToolRequest{}); !fault.Is(err, fault.KindValidation) {
		t.Errorf("empty query: kind = %q, want validation", fault.KindOf(err))
	}
}

func TestServiceRecentAndStats(t *testing.T) {
	svc := newMemoryService(t, memoryConfig(t))
	ctx := t.Context()

	if _, err := svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"url": "https://example.com/news/budget", "html": budgetHTML, "fetched_at": "2026-08-25T09:00:00Z",
	}}); err != nil {
		t.Fatalf("store first: %v", err)
	}
	if _, err := svc.toolStoreArticle(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"url": "https://example.com/empty", "html": emptyHTML, "fetched_at": "2026-08-25T10:00:00Z",
	}}); err != nil {
		t.Fatalf("store second: %v", err)
	}

	recent, err := svc.toolRecentArticles(ctx, agent.ToolRequest{Kwargs: map[string]any{"limit": 1}})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	listing := recent.(map[string]any)
	briefs := listing["articles"].([]articleBrief)
	if len(briefs) != 1 || listing["count"] != 1 {
		t.Fatalf("listing = %v", listing)
	}
	if briefs[0].SourceURL != "https://example.com/empty" {
		t.Errorf("newest = %q, want the later fetch", briefs[0].SourceURL)
	}
	if !briefs[0].NeedsReview {
		t.Error("empty page should be flagged for review")
	}

	stats, err := svc.toolArticleStats(ctx, agent.ToolRequest{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	sp := stats.(map[string]any)
	if sp["articles"] != 2 || sp["needs_review"] != 1 {
		t.Errorf("stats = %v, want 2 articles with 1 needing review", sp)
	}
	if sp["archive_artifacts"] != int64(0) {
		t.Errorf("archive_artifacts = %v, want 0", sp["archive_artifacts"])
	}
}

func TestServiceArchiveChain(t *testing.T) {
	svc := newMemoryService(t, memoryConfig(t))
	ctx := t.Context()

	first, err := svc.toolArchiveArtifact(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"kind":    "evidence",
		"subject": "crawl:example.com",
		"payload": map[string]any{"urls_seen": 12},
	}})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	art1 := first.(*archive.Artifact)
	if art1.Sequence != 1 || art1.PrevSHA != "" || art1.SHA256 == "" {
		t.Fatalf("first artifact = %+v", art1)
	}

	second, err := svc.toolArchiveArtifact(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"kind":    "fact",
		"subject": "story:budget",
		"payload": map[string]any{"claim": "budget approved 31 to 14"},
	}})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	art2 := second.(*archive.Artifact)
	if art2.Sequence != 2 || art2.PrevSHA != art1.SHA256 {
		t.Fatalf("second artifact does not chain: %+v", art2)
	}

	listed, err := svc.toolListArtifacts(ctx, agent.ToolRequest{Kwargs: map[string]any{"kind": "fact"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lp := listed.(map[string]any)
	arts := lp["artifacts"].([]archive.Artifact)
	if lp["count"] != 1 || len(arts) != 1 || arts[0].ID != art2.ID {
		t.Fatalf("fact listing = %v", lp)
	}

	verified, err := svc.toolVerifyArchive(ctx, agent.ToolRequest{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	vp := verified.(map[string]any)
	if vp["verified"] != 2 || vp["intact"] != true {
		t.Errorf("verify = %v", vp)
	}

	if _, err := svc.toolArchiveArtifact(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"kind": "gossip", "payload": map[string]any{},
	}}); !fault.Is(err, fault.KindValidation) {
		t.Errorf("unknown kind: kind = %q, want validation", fault.KindOf(err))
	}
	if _, err := svc.toolArchiveArtifact(ctx, agent.ToolRequest{Kwargs: map[string]any{
		"kind": "fact",
	}}); !fault.Is(err, fault.KindValidation) {
		t.Errorf("missing payload: kind = %q, want validation", fault.KindOf(err))
	}
}
