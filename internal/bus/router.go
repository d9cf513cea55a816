package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/metrics"
	"github.com/justnews/fabric/internal/telemetry"
)

// CallRequest is one routed tool invocation.
type CallRequest struct {
	Agent  string         `json:"agent"`
	Tool   string         `json:"tool"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// CallResult is the upstream agent's successful response, passed through
// verbatim.
type CallResult struct {
	StatusCode int
	Body       json.RawMessage
}

// Router forwards calls to registered agents, guarding each with the
// per-agent circuit breaker.
type Router struct {
	registry *Registry
	breaker  *Breaker
	events   *events.Bus
	client   *http.Client
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRouter wires a Router. timeout is the per-call deadline; zero uses
// the 30 second default.
func NewRouter(registry *Registry, breaker *Breaker, eventBus *events.Bus, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Router{
		registry: registry,
		breaker:  breaker,
		events:   eventBus,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger,
	}
	breaker.OnStateChange = r.onBreakerChange
	return r
}

func (r *Router) onBreakerChange(agent string, from, to BreakerState) {
	r.logger.Warn("circuit breaker transition",
		zap.String("agent", agent),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	switch to {
	case BreakerOpen:
		r.events.Emit(events.BreakerOpened, agent, "circuit opened for "+agent, map[string]string{"from": string(from)})
	case BreakerClosed:
		if from != "" {
			r.events.Emit(events.BreakerClosed, agent, "circuit closed for "+agent, nil)
		}
	}
}

// Call routes req to the target agent's tool endpoint. Failures carry the
// taxonomy kinds the callers dispatch on: agent_unknown, circuit_open,
// upstream_error or timeout.
func (r *Router) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	ctx, span := telemetry.StartCallSpan(ctx, req.Agent, req.Tool)
	start := time.Now()
	result, err := r.call(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = fault.CodeOf(err)
		if outcome == "" {
			outcome = string(fault.KindOf(err))
		}
	}
	metrics.RecordBusCall(req.Agent, outcome, time.Since(start))
	telemetry.EndCallSpan(span, outcome, result.StatusCode)
	return result, err
}

func (r *Router) call(ctx context.Context, req CallRequest) (CallResult, error) {
	const op = "bus.call"

	if req.Agent == "" || req.Tool == "" {
		return CallResult{}, fault.New(fault.KindValidation, op, "agent and tool are required")
	}

	agent, ok := r.registry.Get(req.Agent)
	if !ok {
		return CallResult{}, fault.Coded(fault.KindNotFound, fault.CodeAgentUnknown, op,
			"agent %q is not registered", req.Agent)
	}

	allowed, state := r.breaker.Allow(req.Agent)
	if !allowed {
		return CallResult{}, fault.Coded(fault.KindPrecondition, fault.CodeCircuitOpen, op,
			"circuit for %q is %s", req.Agent, state)
	}

	payload := struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}{Args: req.Args, Kwargs: req.Kwargs}
	if payload.Args == nil {
		payload.Args = []any{}
	}
	if payload.Kwargs == nil {
		payload.Kwargs = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CallResult{}, fault.Wrap(fault.KindValidation, op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := agent.Endpoint + "/" + req.Tool
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CallResult{}, fault.Wrap(fault.KindValidation, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	metrics.BusCallLatencySeconds.WithLabelValues(req.Agent).Observe(time.Since(start).Seconds())
	if err != nil {
		r.breaker.Failure(req.Agent)
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return CallResult{}, fault.Coded(fault.KindDeadline, "timeout", op,
				"call to %s/%s exceeded %s", req.Agent, req.Tool, r.timeout)
		}
		return CallResult{}, fault.Coded(fault.KindUpstream, "upstream_error", op,
			"call to %s/%s failed: %v", req.Agent, req.Tool, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		r.breaker.Failure(req.Agent)
		return CallResult{}, fault.Coded(fault.KindUpstream, "upstream_error", op,
			"read response from %s/%s: %v", req.Agent, req.Tool, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.breaker.Failure(req.Agent)
		detail := upstreamDetail(raw)
		return CallResult{StatusCode: resp.StatusCode}, fault.Coded(fault.KindUpstream, "upstream_error", op,
			"%s/%s returned %d: %s", req.Agent, req.Tool, resp.StatusCode, detail)
	}

	r.breaker.Success(req.Agent)
	return CallResult{StatusCode: resp.StatusCode, Body: raw}, nil
}

// upstreamDetail pulls the detail field out of an error body so the
// surfaced message stays readable. Falls back to a truncated raw body.
func upstreamDetail(raw []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	s := string(raw)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "(empty body)"
	}
	return s
}

// ProbeEndpoint checks that an endpoint answers /health, used at
// registration time.
func ProbeEndpoint(ctx context.Context, client *http.Client, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
