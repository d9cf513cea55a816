package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
)

const defaultSearchLimit = 10

// Client talks to a Qdrant-compatible REST endpoint.
type Client struct {
	baseURL    string
	collection string
	client     *http.Client
	logger     *zap.Logger
}

var _ Store = (*Client)(nil)

// NewClient creates a client for the configured endpoint and
// collection.
func NewClient(cfg config.VectorConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		collection: cfg.Collection,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (c *Client) EnsureCollection(ctx context.Context, size int) error {
	exists, err := c.collectionExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{"size": size, "distance": "Cosine"},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, payload, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", c.collection, err)
	}
	c.logger.Info("vector collection created",
		zap.String("collection", c.collection),
		zap.Int("size", size))
	return nil
}

func (c *Client) collectionExists(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections/"+c.collection, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("vector store returned %d", resp.StatusCode)
	}
}

func (c *Client) Upsert(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	payload := map[string]any{"points": points}
	path := "/collections/" + c.collection + "/points?wait=true"
	if err := c.do(ctx, http.MethodPut, path, payload, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// searchHit is the raw result shape. Point IDs come back as numbers or
// strings depending on how they were written.
type searchHit struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	payload := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var hits []searchHit
	path := "/collections/" + c.collection + "/points/search"
	if err := c.do(ctx, http.MethodPost, path, payload, &hits); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := make([]Match, 0, len(hits))
	for _, hit := range hits {
		out = append(out, Match{ID: hitID(hit.ID), Score: hit.Score, Payload: hit.Payload})
	}
	return out, nil
}

func hitID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return fmt.Sprintf("%v", id)
	}
}

// do performs one API call. Responses arrive wrapped in an envelope
// whose result field carries the payload.
func (c *Client) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if result == nil {
		return nil
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("parse result: %w", err)
	}
	return nil
}
