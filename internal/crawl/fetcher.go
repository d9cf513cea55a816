package crawl

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/fault"
)

const (
	defaultUserAgent = "justnews-crawler/1.0"
	robotsTTL        = time.Hour
	maxBodyBytes     = 10 << 20
	maxFetchAttempts = 3
	retryBaseDelay   = 500 * time.Millisecond
)

// ErrRobotsDisallowed marks URLs the origin's robots.txt excludes.
// Callers skip these permanently; they are not fetch failures.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

// Page is one fetched document.
type Page struct {
	URL       string
	FinalURL  string
	Status    int
	Body      []byte
	FetchedAt time.Time
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Fetcher downloads pages politely: robots.txt consulted per host with
// a TTL-bounded cache, per-domain pacing, and bounded retries with
// jittered backoff on transient failures.
type Fetcher struct {
	client    *http.Client
	limiter   *Limiter
	logger    *zap.Logger
	userAgent string
	retryBase time.Duration

	mu     sync.RWMutex
	robots map[string]robotsEntry
}

// NewFetcher creates a fetcher with the default client and rate limiter.
func NewFetcher(logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   NewLimiter(),
		logger:    logger,
		userAgent: defaultUserAgent,
		retryBase: retryBaseDelay,
		robots:    make(map[string]robotsEntry),
	}
}

// Fetch downloads one URL at the given per-domain rate. Transient
// failures (network errors, 408, 429, 5xx) are retried up to three
// attempts; everything else surfaces immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, rps float64) (*Page, error) {
	return f.FetchWithBudget(ctx, rawURL, rps, maxFetchAttempts)
}

// FetchWithBudget is Fetch with a per-call attempt budget, for profiles
// that override the default retry policy. attempts <= 0 falls back to
// the default.
func (f *Fetcher) FetchWithBudget(ctx context.Context, rawURL string, rps float64, attempts int) (*Page, error) {
	const op = "crawl.fetch"
	if attempts <= 0 {
		attempts = maxFetchAttempts
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fault.New(fault.KindValidation, op, "invalid URL %q: %v", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.New(fault.KindValidation, op, "unsupported scheme %q", u.Scheme)
	}
	if !f.allowed(ctx, u) {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrRobotsDisallowed)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := f.limiter.Wait(ctx, u.Hostname(), rps); err != nil {
			return nil, err
		}
		page, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !fault.Retryable(err) || attempt == attempts {
			break
		}
		delay := jitter(f.retryBase << (attempt - 1))
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Page, error) {
	const op = "crawl.fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fault.New(fault.KindValidation, op, "build request: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.New(fault.KindTransient, op, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := fault.KindUpstream
		if transientStatus(resp.StatusCode) {
			kind = fault.KindTransient
		}
		return nil, fault.New(kind, op, "fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fault.New(fault.KindTransient, op, "read %s: %v", rawURL, err)
	}
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Page{
		URL:       rawURL,
		FinalURL:  finalURL,
		Status:    resp.StatusCode,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// allowed consults the host's robots.txt, fetching and caching it on
// first contact. An unreachable or unparseable robots.txt allows
// everything; a 5xx from the origin disallows everything for the TTL,
// per the usual crawler convention.
func (f *Fetcher) allowed(ctx context.Context, u *url.URL) bool {
	host := u.Host
	f.mu.RLock()
	entry, ok := f.robots[host]
	f.mu.RUnlock()

	if !ok || time.Since(entry.fetchedAt) > robotsTTL {
		entry = robotsEntry{data: f.fetchRobots(ctx, u), fetchedAt: time.Now()}
		f.mu.Lock()
		f.robots[host] = entry
		f.mu.Unlock()
	}
	if entry.data == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return entry.data.TestAgent(path, f.userAgent)
}

func (f *Fetcher) fetchRobots(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("robots fetch failed", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		f.logger.Debug("robots parse failed", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	return data
}

// jitter adds 0-50% random jitter to a duration to prevent thundering
// herd retries against a recovering origin.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}
