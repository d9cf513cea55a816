// Package embed computes sentence embeddings through an
// OpenAI-compatible provider and caches results by model and content
// hash. Embedding is best-effort for the pipeline: callers persist
// articles whether or not a vector came back.
package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/metrics"
)

const (
	defaultModel    = "all-MiniLM-L6-v2"
	defaultCacheTTL = time.Hour
	maxCacheEntries = 4096

	statusOK               = "ok"
	statusModelUnavailable = "model_unavailable"
	cacheHit               = "hit"
	cacheMiss              = "miss"
)

// Provider computes embeddings for text.
type Provider interface {
	Name() string
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// OpenAIProvider implements Provider against any OpenAI-compatible
// embeddings endpoint (TEI, vLLM, Ollama, OpenAI itself).
type OpenAIProvider struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewOpenAIProvider creates a provider for the configured endpoint.
func NewOpenAIProvider(cfg config.EmbeddingConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8080/v1"
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingResponse is the raw API response format.
type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.cfg.BaseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return parsed.Data[0].Embedding, nil
}

// ContentHash derives the cache key component from article text.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type cacheKey struct {
	model string
	hash  string
}

type cacheEntry struct {
	vector  []float32
	expires time.Time
}

// Embedder wraps a provider with a TTL cache keyed by model and
// content hash, recording outcome and latency metrics per attempt.
type Embedder struct {
	provider Provider
	model    string
	ttl      time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

// New builds an embedder for the given model. An empty model selects
// the platform default.
func New(provider Provider, model string, logger *zap.Logger) *Embedder {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Embedder{
		provider: provider,
		model:    model,
		ttl:      defaultCacheTTL,
		logger:   logger,
		cache:    make(map[cacheKey]cacheEntry),
	}
}

// Model reports the model the embedder computes with.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding for content, serving repeated content
// from the cache. Provider failures count as model unavailability; the
// error is returned without being cached so the next article retries.
func (e *Embedder) Embed(ctx context.Context, content string) ([]float32, error) {
	start := time.Now()
	key := cacheKey{model: e.model, hash: ContentHash(content)}

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && entry.expires.After(time.Now()) {
		metrics.RecordEmbedding(statusOK, cacheHit, time.Since(start))
		return entry.vector, nil
	}

	vector, err := e.provider.Embed(ctx, e.model, content)
	if err != nil {
		if ctx.Err() == nil {
			metrics.RecordEmbedding(statusModelUnavailable, "", 0)
		}
		return nil, fmt.Errorf("embed: %w", err)
	}

	e.store(key, vector)
	metrics.RecordEmbedding(statusOK, cacheMiss, time.Since(start))
	return vector, nil
}

func (e *Embedder) store(key cacheKey, vector []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if len(e.cache) >= maxCacheEntries {
		for k, entry := range e.cache {
			if !entry.expires.After(now) {
				delete(e.cache, k)
			}
		}
	}
	if len(e.cache) >= maxCacheEntries {
		// Still full of live entries: drop one rather than grow
		// without bound.
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[key] = cacheEntry{vector: vector, expires: now.Add(e.ttl)}
}
