// Package ingest turns fetched pages into persisted articles. The
// pipeline archives the raw HTML, runs the extractor cascade,
// deduplicates by normalized URL hash, applies the quality heuristics,
// and computes an embedding best-effort. Every non-duplicate page is
// persisted; quality failures flag the row for review instead of
// dropping it.
package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

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

const agentName = "memory"

// Ingest outcomes.
const (
	StatusOK          = "ok"
	StatusNeedsReview = "needs_review"
	StatusDuplicate   = "duplicate"
)

// Review reasons attached by the quality heuristics.
const (
	ReasonEmptyBody       = "empty_body"
	ReasonBelowMinWords   = "below_min_words"
	ReasonLowTextRatio    = "low_text_ratio"
	ReasonMissingTitle    = "missing_title"
	ReasonLanguageUnknown = "language_unknown"
)

// Deps carries the pipeline's collaborators. Embedder, Vectors, and
// Events are optional; the pipeline degrades to persistence-only when
// they are absent.
type Deps struct {
	Store    *Store
	Cascade  *extract.Cascade
	Raw      *archive.RawStore
	Embedder *embed.Embedder
	Vectors  vector.Store
	Events   *events.Bus
}

// Result reports what happened to one page.
type Result struct {
	Status    string   `json:"status"`
	ArticleID string   `json:"article_id"`
	Reasons   []string `json:"reasons,omitempty"`
	Embedded  bool     `json:"embedded"`
}

// Pipeline ingests one URL at a time. It is safe for concurrent use.
type Pipeline struct {
	cfg    config.ArticleConfig
	deps   Deps
	hasher *urlnorm.Hasher
	mode   urlnorm.Mode
	logger *zap.Logger

	ensureCollection sync.Once
}

// NewPipeline validates the dependency set and prepares the URL
// normalizer and hasher from cfg.
func NewPipeline(cfg config.ArticleConfig, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("ingest pipeline needs a store")
	}
	if deps.Cascade == nil {
		return nil, fmt.Errorf("ingest pipeline needs an extractor cascade")
	}
	if deps.Raw == nil {
		return nil, fmt.Errorf("ingest pipeline needs a raw HTML store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, err := urlnorm.ParseMode(cfg.URLNormalization)
	if err != nil {
		return nil, err
	}
	hasher, err := urlnorm.NewHasher(cfg.URLHashAlgo)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		hasher: hasher,
		mode:   mode,
		logger: logger.Named("ingest"),
	}, nil
}

// Ingest processes one fetched page. Duplicates refresh the surviving
// row and return StatusDuplicate; everything else is persisted, flagged
// for review when the quality heuristics fail, and embedded
// best-effort.
func (p *Pipeline) Ingest(ctx context.Context, rawURL string, html []byte, fetchedAt time.Time) (*Result, error) {
	const op = "ingest.pipeline"
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindDeadline, op, err)
	}
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	fetchedAt = fetchedAt.UTC()

	rawRef, err := p.deps.Raw.Save(rawURL, fetchedAt, html)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	ext, err := p.deps.Cascade.Extract(ctx, rawURL, html)
	if err != nil {
		return nil, err
	}

	// An in-page canonical link names the URL the publisher considers
	// authoritative; dedupe keys off it rather than the fetch URL.
	pageURL := rawURL
	if ext.Metadata.CanonicalURL != "" {
		resolved, err := urlnorm.ResolveCanonical(rawURL, ext.Metadata.CanonicalURL)
		if err != nil {
			p.logger.Debug("unusable canonical link",
				zap.String("url", rawURL),
				zap.String("canonical", ext.Metadata.CanonicalURL),
				zap.Error(err))
		} else {
			pageURL = resolved
		}
	}
	normalized, err := urlnorm.Normalize(pageURL, p.mode)
	if err != nil {
		return nil, fault.New(fault.KindValidation, op, "normalize %q: %v", pageURL, err)
	}
	hash := p.hasher.Sum(normalized)

	existing, err := p.deps.Store.GetArticleByHash(hash)
	switch {
	case err == nil:
		if err := p.deps.Store.TouchArticle(existing.ID, fetchedAt); err != nil {
			return nil, fault.Wrap(fault.KindTransient, op, err)
		}
		p.emit(events.ArticleDuplicate, fmt.Sprintf("duplicate of article %s", existing.ID), map[string]any{
			"url":      rawURL,
			"url_hash": hash,
		})
		return &Result{Status: StatusDuplicate, ArticleID: existing.ID}, nil
	case store.IsNotFound(err):
	default:
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	reasons := p.reviewReasons(ext, len(html))
	status := StatusOK
	if len(reasons) > 0 {
		status = StatusNeedsReview
	}

	if u, err := url.Parse(normalized); err == nil && u.Hostname() != "" {
		patch := map[string]any{
			"last_seen":   store.FormatTime(fetchedAt),
			"last_status": status,
		}
		if name := ext.Metadata.SiteName; name != "" {
			patch["site_name"] = name
		}
		if _, err := p.deps.Store.UpsertSource(u.Hostname(), patch, fetchedAt); err != nil {
			return nil, fault.Wrap(fault.KindTransient, op, err)
		}
	}

	art := &Article{
		ID:                   uuid.NewString(),
		Title:                ext.Title,
		Content:              ext.Text,
		SourceURL:            rawURL,
		NormalizedURL:        normalized,
		URLHash:              hash,
		URLHashAlgo:          p.hasher.Algo(),
		Language:             ext.Language,
		Section:              ext.Metadata.Section,
		Tags:                 ext.Metadata.Tags,
		Authors:              ext.Metadata.Authors,
		RawHTMLRef:           rawRef,
		ExtractionConfidence: ext.Confidence,
		NeedsReview:          len(reasons) > 0,
		ReviewReasons:        reasons,
		ExtractionMetadata:   extractionMetadata(ext),
		PublicationDate:      ext.Metadata.PublicationDate,
		CollectionTimestamp:  fetchedAt,
		CreatedAt:            fetchedAt,
		UpdatedAt:            fetchedAt,
	}
	if err := p.deps.Store.InsertArticle(art); err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	res := &Result{Status: status, ArticleID: art.ID, Reasons: reasons}
	p.embedArticle(ctx, art, res)

	detail := map[string]any{
		"url":        rawURL,
		"article_id": art.ID,
		"extractor":  ext.Extractor,
		"embedded":   res.Embedded,
	}
	if status == StatusNeedsReview {
		detail["reasons"] = reasons
		p.emit(events.ArticleNeedsReview, fmt.Sprintf("article %s needs review", art.ID), detail)
	} else {
		p.emit(events.ArticleIngested, fmt.Sprintf("ingested %s", rawURL), detail)
	}

	p.logger.Info("article ingested",
		zap.String("article_id", art.ID),
		zap.String("status", status),
		zap.String("extractor", ext.Extractor),
		zap.Float64("confidence", ext.Confidence),
		zap.Bool("embedded", res.Embedded))
	return res, nil
}

// reviewReasons applies the quality heuristics. An empty body is its
// own terminal reason; the remaining checks only apply to pages that
// produced text.
func (p *Pipeline) reviewReasons(ext *extract.Extraction, htmlLen int) []string {
	words := ext.WordCount()
	if words == 0 {
		return []string{ReasonEmptyBody}
	}
	var reasons []string
	if words < p.cfg.MinWords {
		reasons = append(reasons, ReasonBelowMinWords)
	}
	if htmlLen > 0 && float64(len(ext.Text))/float64(htmlLen) < p.cfg.MinTextHTMLRatio {
		reasons = append(reasons, ReasonLowTextRatio)
	}
	if strings.TrimSpace(ext.Title) == "" {
		reasons = append(reasons, ReasonMissingTitle)
	}
	if ext.Language == "" {
		reasons = append(reasons, ReasonLanguageUnknown)
	}
	return reasons
}

// embedArticle computes and stores the embedding. Failures are logged
// and leave the article persisted without a vector; the embedder has
// already counted the miss.
func (p *Pipeline) embedArticle(ctx context.Context, art *Article, res *Result) {
	if p.deps.Embedder == nil || art.Content == "" {
		return
	}
	vec, err := p.deps.Embedder.Embed(ctx, art.Content)
	if err != nil {
		p.logger.Warn("embedding unavailable",
			zap.String("article_id", art.ID),
			zap.Error(err))
		return
	}
	if err := p.deps.Store.SetEmbedding(art.ID, vec, art.UpdatedAt); err != nil {
		p.logger.Warn("store embedding",
			zap.String("article_id", art.ID),
			zap.Error(err))
		return
	}
	art.Embedding = vec
	res.Embedded = true
	p.mirrorVector(ctx, art, vec)
}

// mirrorVector copies the embedding into the vector store keyed by
// article id. Mirror failures never fail the ingest.
func (p *Pipeline) mirrorVector(ctx context.Context, art *Article, vec []float32) {
	if p.deps.Vectors == nil {
		return
	}
	p.ensureCollection.Do(func() {
		if err := p.deps.Vectors.EnsureCollection(ctx, len(vec)); err != nil {
			p.logger.Warn("ensure vector collection", zap.Error(err))
		}
	})
	point := vector.Point{
		ID:     art.ID,
		Vector: vec,
		Payload: map[string]any{
			"title":    art.Title,
			"url":      art.SourceURL,
			"language": art.Language,
		},
	}
	if err := p.deps.Vectors.Upsert(ctx, point); err != nil {
		p.logger.Warn("mirror embedding",
			zap.String("article_id", art.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) emit(t events.EventType, summary string, detail any) {
	if p.deps.Events == nil {
		return
	}
	p.deps.Events.Emit(t, agentName, summary, detail)
}

// extractionMetadata flattens the cascade's structured metadata for the
// extraction_metadata JSON column.
func extractionMetadata(ext *extract.Extraction) map[string]any {
	md := map[string]any{
		"extractor": ext.Extractor,
	}
	if !ext.Metadata.PublicationDate.IsZero() {
		md["publication_date"] = ext.Metadata.PublicationDate.UTC().Format(time.RFC3339)
	}
	if ext.Metadata.CanonicalURL != "" {
		md["canonical_url"] = ext.Metadata.CanonicalURL
	}
	if ext.Metadata.SiteName != "" {
		md["site_name"] = ext.Metadata.SiteName
	}
	if ext.Metadata.Description != "" {
		md["description"] = ext.Metadata.Description
	}
	return md
}
