// Package busclient is the typed HTTP client agents and the CLI use to
// talk to the MCP bus.
package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/justnews/fabric/internal/bus"
	"github.com/justnews/fabric/internal/fault"
)

// Client wraps the bus HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the bus at baseURL. The client timeout is
// generous because routed calls can legitimately take most of the bus's
// 30 second deadline.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 45 * time.Second},
	}
}

// Register announces an agent to the bus.
func (c *Client) Register(ctx context.Context, name, endpoint string, capabilities []string) error {
	body := map[string]any{
		"name":         name,
		"endpoint":     endpoint,
		"capabilities": capabilities,
	}
	return c.post(ctx, "/register", body, nil)
}

// Unregister removes an agent from the bus registry. Safe to call for an
// agent that was never registered.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.post(ctx, "/unregister", map[string]any{"name": name}, nil)
}

// Call routes a tool invocation through the bus and returns the raw
// response body from the target agent.
func (c *Client) Call(ctx context.Context, agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"agent":  agent,
		"tool":   tool,
		"args":   args,
		"kwargs": kwargs,
	}
	var raw json.RawMessage
	if err := c.post(ctx, "/call", body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Health fetches the composite health report.
func (c *Client) Health(ctx context.Context) (bus.HealthReport, error) {
	var report bus.HealthReport
	if err := c.get(ctx, "/health", &report); err != nil {
		return bus.HealthReport{}, err
	}
	return report, nil
}

// Ready reports whether the bus has completed its first probe cycle.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fault.Wrap(fault.KindUpstream, "bus.ready", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode == http.StatusOK, nil
}

// Breakers fetches the circuit breaker snapshot.
func (c *Client) Breakers(ctx context.Context) (map[string]bus.BreakerStatus, error) {
	var parsed struct {
		Breakers map[string]bus.BreakerStatus `json:"breakers"`
	}
	if err := c.get(ctx, "/circuit_breakers", &parsed); err != nil {
		return nil, err
	}
	return parsed.Breakers, nil
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]bus.Agent, error) {
	var parsed struct {
		Agents []bus.Agent `json:"agents"`
	}
	if err := c.get(ctx, "/agents", &parsed); err != nil {
		return nil, err
	}
	return parsed.Agents, nil
}

func (c *Client) post(ctx context.Context, path string, body any, into any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, into)
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, into)
}

func (c *Client) do(req *http.Request, path string, into any) error {
	op := "bus" + strings.ReplaceAll(path, "/", ".")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fault.Wrap(fault.KindUpstream, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Detail string `json:"detail"`
			Kind   string `json:"kind"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Kind != "" {
			return fault.FromEnvelope(op, resp.StatusCode, envelope.Kind, envelope.Detail)
		}
		return fault.FromStatus(op, resp.StatusCode, string(raw))
	}

	if into == nil {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fault.Wrap(fault.KindUpstream, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
