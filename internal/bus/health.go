package bus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentHealth is the probe outcome for one agent.
type AgentHealth struct {
	Status       string  `json:"status"`
	ResponseTime float64 `json:"response_time"`
	StatusCode   int     `json:"status_code,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// HealthReport is the composite view the bus serves on /health.
type HealthReport struct {
	OverallStatus        string                 `json:"overall_status"`
	Agents               map[string]AgentHealth `json:"agents"`
	CircuitBreakerActive bool                   `json:"circuit_breaker_active"`
	CheckedAt            time.Time              `json:"checked_at"`
}

// Prober fans out health checks across the registry.
type Prober struct {
	registry *Registry
	breaker  *Breaker
	client   *http.Client
	logger   *zap.Logger
}

// NewProber builds a prober with the given per-probe timeout; zero uses
// the 1 second default.
func NewProber(registry *Registry, breaker *Breaker, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Prober{
		registry: registry,
		breaker:  breaker,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// CheckAll probes every registered agent in parallel and aggregates.
// Probes are best-effort; an empty registry yields an unknown overall
// status rather than an error.
func (p *Prober) CheckAll(ctx context.Context) HealthReport {
	agents := p.registry.List()
	report := HealthReport{
		Agents:               make(map[string]AgentHealth, len(agents)),
		CircuitBreakerActive: p.breaker.AnyOpen(),
		CheckedAt:            time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, a := range agents {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			h := p.checkOne(ctx, a)
			mu.Lock()
			report.Agents[a.Name] = h
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	report.OverallStatus = overallStatus(report.Agents)
	return report
}

func (p *Prober) checkOne(ctx context.Context, a Agent) AgentHealth {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Endpoint+"/health", nil)
	if err != nil {
		return AgentHealth{Status: "unknown", Error: err.Error()}
	}

	resp, err := p.client.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return AgentHealth{Status: "unreachable", ResponseTime: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()

	h := AgentHealth{ResponseTime: elapsed, StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.Status = "unhealthy"
		return h
	}

	var body struct {
		Status string `json:"status"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || json.Unmarshal(raw, &body) != nil {
		h.Status = "unknown"
		return h
	}
	switch body.Status {
	case "healthy", "degraded", "unhealthy":
		h.Status = body.Status
	case "":
		h.Status = "unknown"
	default:
		// An agent reporting a status outside the contract still
		// answered, so treat it as degraded rather than guessing.
		h.Status = "degraded"
	}
	return h
}

// overallStatus folds per-agent statuses into a composite: healthy only
// when every agent is healthy, unhealthy when none are, degraded in
// between. An empty registry is unknown.
func overallStatus(agents map[string]AgentHealth) string {
	if len(agents) == 0 {
		return "unknown"
	}
	healthy := 0
	for _, h := range agents {
		if h.Status == "healthy" {
			healthy++
		}
	}
	switch healthy {
	case len(agents):
		return "healthy"
	case 0:
		return "unhealthy"
	default:
		return "degraded"
	}
}
