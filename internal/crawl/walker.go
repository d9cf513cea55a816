package crawl

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/ingest"
)

const (
	defaultMaxLinks      = 200
	defaultDomainArticle = 50
	defaultConcurrency   = 2
	defaultURLTimeout    = 60 * time.Second
)

// Ingestor consumes fetched pages. *ingest.Pipeline satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, rawURL string, html []byte, fetchedAt time.Time) (*ingest.Result, error)
}

// DomainReport summarizes one domain run.
type DomainReport struct {
	Domain     string        `json:"domain"`
	Attempted  int           `json:"attempted"`
	Ingested   int           `json:"ingested"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
	Skipped    int           `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed"`
}

type tally struct {
	attempted  atomic.Int64
	ingested   atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64
	skipped    atomic.Int64
}

// Walker crawls one domain: seed pages are fetched and mined for links,
// links are filtered through the profile, and each surviving URL is
// fetched and handed to the ingestor until the article budget is spent.
type Walker struct {
	fetcher    *Fetcher
	ingestor   Ingestor
	logger     *zap.Logger
	urlTimeout time.Duration
}

// NewWalker builds a walker over the given fetcher and ingestor.
func NewWalker(fetcher *Fetcher, ingestor Ingestor, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{
		fetcher:    fetcher,
		ingestor:   ingestor,
		logger:     logger.Named("walker"),
		urlTimeout: defaultURLTimeout,
	}
}

// CrawlDomain runs one pass over a domain. budget caps accepted
// articles (ok or needs_review ingests); duplicates and failures do not
// consume it. The walk stops early when ctx ends.
func (w *Walker) CrawlDomain(ctx context.Context, p *Profile, budget int) (*DomainReport, error) {
	start := time.Now()
	if budget <= 0 {
		budget = p.MaxArticles
	}
	if budget <= 0 {
		budget = defaultDomainArticle
	}

	var t tally
	frontier := w.collectFrontier(ctx, p, budget, &t)

	workers := p.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	urls := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for link := range urls {
				if ctx.Err() != nil || t.ingested.Load() >= int64(budget) {
					continue
				}
				w.crawlURL(ctx, p, link, &t)
			}
		}()
	}
feed:
	for _, link := range frontier {
		select {
		case <-ctx.Done():
			break feed
		case urls <- link:
		}
	}
	close(urls)
	wg.Wait()

	rep := &DomainReport{
		Domain:     p.Domain,
		Attempted:  int(t.attempted.Load()),
		Ingested:   int(t.ingested.Load()),
		Duplicates: int(t.duplicates.Load()),
		Errors:     int(t.errors.Load()),
		Skipped:    int(t.skipped.Load()),
		Elapsed:    time.Since(start),
	}
	w.logger.Info("domain crawled",
		zap.String("domain", p.Domain),
		zap.Int("attempted", rep.Attempted),
		zap.Int("ingested", rep.Ingested),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("errors", rep.Errors),
		zap.Duration("elapsed", rep.Elapsed))
	return rep, ctx.Err()
}

// collectFrontier fetches the seeds, ingests them unless the profile
// skips seeds, and returns the discovered in-domain article URLs.
func (w *Walker) collectFrontier(ctx context.Context, p *Profile, budget int, t *tally) []string {
	maxLinks := p.MaxLinks
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}

	seen := make(map[string]struct{}, maxLinks)
	var frontier []string
	for _, seed := range p.Seeds {
		if ctx.Err() != nil {
			break
		}
		page, err := w.fetcher.FetchWithBudget(ctx, seed, p.RateRPS, p.Retries)
		if err != nil {
			if errors.Is(err, ErrRobotsDisallowed) {
				t.skipped.Add(1)
			} else {
				t.errors.Add(1)
			}
			w.logger.Warn("seed fetch failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		if !p.SkipSeeds && t.ingested.Load() < int64(budget) {
			t.attempted.Add(1)
			w.ingestPage(ctx, page, t)
		}
		for _, link := range DiscoverLinks(page.FinalURL, page.Body) {
			if len(frontier) >= maxLinks {
				break
			}
			if !inDomain(link, p.Domain) || !p.AllowsURL(link) {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			frontier = append(frontier, link)
		}
	}
	return frontier
}

// crawlURL fetches and ingests one article URL under the per-URL
// deadline.
func (w *Walker) crawlURL(ctx context.Context, p *Profile, link string, t *tally) {
	urlCtx, cancel := context.WithTimeout(ctx, w.urlTimeout)
	defer cancel()

	t.attempted.Add(1)
	page, err := w.fetcher.FetchWithBudget(urlCtx, link, p.RateRPS, p.Retries)
	if err != nil {
		if errors.Is(err, ErrRobotsDisallowed) {
			t.attempted.Add(-1)
			t.skipped.Add(1)
			return
		}
		t.errors.Add(1)
		w.logger.Debug("fetch failed", zap.String("url", link), zap.Error(err))
		return
	}
	w.ingestPage(urlCtx, page, t)
}

func (w *Walker) ingestPage(ctx context.Context, page *Page, t *tally) {
	res, err := w.ingestor.Ingest(ctx, page.FinalURL, page.Body, page.FetchedAt)
	if err != nil {
		t.errors.Add(1)
		w.logger.Warn("ingest failed", zap.String("url", page.FinalURL), zap.Error(err))
		return
	}
	switch res.Status {
	case ingest.StatusDuplicate:
		t.duplicates.Add(1)
	default:
		t.ingested.Add(1)
	}
}

// DiscoverLinks extracts the candidate article links from a page:
// same-document fragments dropped, relative hrefs resolved against the
// page URL, non-HTTP schemes ignored. Order follows the document.
func DiscoverLinks(pageURL string, html []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// inDomain reports whether a URL's host is the domain or a subdomain of
// it.
func inDomain(link, domain string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}
