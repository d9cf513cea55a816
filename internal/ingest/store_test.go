package ingest

import (
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/justnews/fabric/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleArticle(now time.Time) *Article {
	return &Article{
		Title:                "Council approves budget",
		Content:              "The council approved the budget after a long debate.",
		SourceURL:            "https://example.com/news/budget",
		NormalizedURL:        "https://example.com/news/budget",
		URLHash:              "hash-budget",
		URLHashAlgo:          "sha256",
		Language:             "en",
		Section:              "Politics",
		Tags:                 []string{"budget", "council"},
		Authors:              []string{"Dana Ruiz"},
		RawHTMLRef:           "ab/abcdef.html",
		ExtractionConfidence: 0.82,
		NeedsReview:          false,
		ExtractionMetadata:   map[string]any{"extractor": "trafilatura"},
		PublicationDate:      time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
		Metadata:             map[string]any{"crawl_pass": "morning"},
		CollectionTimestamp:  now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestStoreInsertAndGetArticle(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	in := sampleArticle(now)
	if err := s.InsertArticle(in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if in.ID == "" {
		t.Fatal("insert did not assign an id")
	}

	got, err := s.GetArticle(in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != in.Title || got.Content != in.Content || got.SourceURL != in.SourceURL {
		t.Fatalf("core fields mismatch: %+v", got)
	}
	if got.NormalizedURL != in.NormalizedURL || got.URLHash != in.URLHash || got.URLHashAlgo != "sha256" {
		t.Fatalf("url fields mismatch: %+v", got)
	}
	if !slices.Equal(got.Tags, in.Tags) || !slices.Equal(got.Authors, in.Authors) {
		t.Fatalf("tags/authors mismatch: %v %v", got.Tags, got.Authors)
	}
	if got.ExtractionConfidence != 0.82 || got.NeedsReview {
		t.Fatalf("quality fields mismatch: %+v", got)
	}
	if got.ExtractionMetadata["extractor"] != "trafilatura" {
		t.Fatalf("extraction metadata mismatch: %v", got.ExtractionMetadata)
	}
	if !got.PublicationDate.Equal(in.PublicationDate) {
		t.Fatalf("publication date = %v, want %v", got.PublicationDate, in.PublicationDate)
	}
	if got.Metadata["crawl_pass"] != "morning" {
		t.Fatalf("metadata mismatch: %v", got.Metadata)
	}
	if !got.CollectionTimestamp.Equal(now) || !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps mismatch: %+v", got)
	}
	if got.Embedding != nil {
		t.Fatalf("expected no embedding, got %v", got.Embedding)
	}
}

func TestStoreGetArticleByHash(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	in := sampleArticle(now)
	if err := s.InsertArticle(in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetArticleByHash("hash-budget")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != in.ID {
		t.Fatalf("id = %q, want %q", got.ID, in.ID)
	}

	if _, err := s.GetArticleByHash("missing"); !store.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreRejectsDuplicateHash(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	first := sampleArticle(now)
	if err := s.InsertArticle(first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := sampleArticle(now)
	second.SourceURL = "https://example.com/news/budget-2"
	second.NormalizedURL = "https://example.com/news/budget-2"
	if err := s.InsertArticle(second); err == nil {
		t.Fatal("expected unique hash violation")
	}
}

func TestStoreAllowsMissingHashes(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for _, u := range []string{"https://a.example/one", "https://b.example/two"} {
		a := sampleArticle(now)
		a.SourceURL = u
		a.NormalizedURL = ""
		a.URLHash = ""
		if err := s.InsertArticle(a); err != nil {
			t.Fatalf("insert %s: %v", u, err)
		}
	}
	total, _, err := s.CountArticles()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
}

func TestStoreTouchArticle(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	in := sampleArticle(now)
	if err := s.InsertArticle(in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	later := now.Add(2 * time.Hour)
	if err := s.TouchArticle(in.ID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := s.GetArticle(in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, later)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at moved: %v", got.CreatedAt)
	}

	if err := s.TouchArticle("missing", later); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestStoreSetEmbedding(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	in := sampleArticle(now)
	if err := s.InsertArticle(in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	vec := []float32{0.5, -0.25, 1}
	if err := s.SetEmbedding(in.ID, vec, now.Add(time.Minute)); err != nil {
		t.Fatalf("set embedding: %v", err)
	}
	got, err := s.GetArticle(in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !slices.Equal(got.Embedding, vec) {
		t.Fatalf("embedding = %v, want %v", got.Embedding, vec)
	}

	if err := s.SetEmbedding("missing", vec, now); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestStoreListRecent(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		a := sampleArticle(base.Add(time.Duration(i) * time.Hour))
		a.SourceURL = a.SourceURL + string(rune('a'+i))
		a.NormalizedURL = a.SourceURL
		a.URLHash = a.URLHash + string(rune('a'+i))
		if err := s.InsertArticle(a); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := s.ListRecent(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].CollectionTimestamp.After(got[1].CollectionTimestamp) {
		t.Fatalf("expected newest first, got %v then %v",
			got[0].CollectionTimestamp, got[1].CollectionTimestamp)
	}
}

func TestStoreCountArticles(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	ok := sampleArticle(now)
	if err := s.InsertArticle(ok); err != nil {
		t.Fatalf("insert ok: %v", err)
	}
	flagged := sampleArticle(now)
	flagged.SourceURL = "https://example.com/short"
	flagged.NormalizedURL = "https://example.com/short"
	flagged.URLHash = "hash-short"
	flagged.NeedsReview = true
	flagged.ReviewReasons = []string{ReasonBelowMinWords}
	if err := s.InsertArticle(flagged); err != nil {
		t.Fatalf("insert flagged: %v", err)
	}

	total, needsReview, err := s.CountArticles()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 || needsReview != 1 {
		t.Fatalf("counts = (%d, %d), want (2, 1)", total, needsReview)
	}
}

func TestStoreUpsertSource(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	src, err := s.UpsertSource("Example.com", map[string]any{
		"last_status": "ok",
		"profile":     map[string]any{"max_links": float64(50), "note": "seed"},
	}, now)
	if err != nil {
		t.Fatalf("insert upsert: %v", err)
	}
	if src.Domain != "example.com" {
		t.Fatalf("domain = %q, want lowercased", src.Domain)
	}
	if !src.Canonical {
		t.Fatal("new source should be canonical")
	}

	later := now.Add(time.Hour)
	src, err = s.UpsertSource("example.com", map[string]any{
		"last_status": "needs_review",
		"profile":     map[string]any{"max_links": float64(80), "note": nil},
	}, later)
	if err != nil {
		t.Fatalf("merge upsert: %v", err)
	}
	if src.Metadata["last_status"] != "needs_review" {
		t.Fatalf("last_status = %v", src.Metadata["last_status"])
	}
	profile, ok := src.Metadata["profile"].(map[string]any)
	if !ok {
		t.Fatalf("profile missing: %v", src.Metadata)
	}
	if profile["max_links"] != float64(80) {
		t.Fatalf("max_links = %v, want 80", profile["max_links"])
	}
	if _, exists := profile["note"]; exists {
		t.Fatal("nil patch value should delete the key")
	}

	stored, err := s.GetSource("example.com")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if !stored.UpdatedAt.Equal(later) {
		t.Fatalf("updated_at = %v, want %v", stored.UpdatedAt, later)
	}
	if stored.Metadata["last_status"] != "needs_review" {
		t.Fatalf("stored metadata out of date: %v", stored.Metadata)
	}
}

func TestStoreConsolidateSource(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	canonical, err := s.UpsertSource("example.com", map[string]any{"last_status": "ok"}, now)
	if err != nil {
		t.Fatalf("upsert canonical: %v", err)
	}
	if _, err := s.UpsertSource("www.example.com", map[string]any{"last_status": "ok"}, now); err != nil {
		t.Fatalf("upsert duplicate: %v", err)
	}

	if err := s.ConsolidateSource("www.example.com", "example.com", now.Add(time.Minute)); err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	dup, err := s.GetSource("www.example.com")
	if err != nil {
		t.Fatalf("get duplicate: %v", err)
	}
	if dup.Canonical {
		t.Fatal("duplicate still marked canonical")
	}
	if dup.CanonicalSourceID != canonical.ID {
		t.Fatalf("canonical_source_id = %q, want %q", dup.CanonicalSourceID, canonical.ID)
	}

	if err := s.ConsolidateSource("missing.example", "example.com", now); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestMergeMetadata(t *testing.T) {
	base := map[string]any{
		"a": "keep",
		"b": "replace",
		"c": map[string]any{"x": 1, "y": 2},
		"d": "delete",
	}
	patch := map[string]any{
		"b": "replaced",
		"c": map[string]any{"y": 20, "z": 30},
		"d": nil,
		"e": "new",
	}

	got := MergeMetadata(base, patch)
	if got["a"] != "keep" || got["b"] != "replaced" || got["e"] != "new" {
		t.Fatalf("scalar merge wrong: %v", got)
	}
	if _, exists := got["d"]; exists {
		t.Fatal("nil should delete")
	}
	nested := got["c"].(map[string]any)
	if nested["x"] != 1 || nested["y"] != 20 || nested["z"] != 30 {
		t.Fatalf("nested merge wrong: %v", nested)
	}
	if base["b"] != "replace" {
		t.Fatal("merge mutated its input")
	}
}
