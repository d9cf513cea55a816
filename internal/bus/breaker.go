package bus

import (
	"sync"
	"time"

	"github.com/justnews/fabric/internal/metrics"
)

// BreakerState is the circuit state for one agent.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-agent circuit breaker.
type BreakerConfig struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int
	// Window is the rolling window failures are counted over.
	Window time.Duration
	// OpenFor is how long the circuit stays open before a half-open probe.
	OpenFor time.Duration
}

// DefaultBreakerConfig matches the platform defaults: three failures in a
// minute open the circuit for thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, Window: time.Minute, OpenFor: 30 * time.Second}
}

// BreakerStatus is the introspection view of one agent's circuit.
type BreakerStatus struct {
	State          BreakerState `json:"state"`
	OpenUntil      *time.Time   `json:"open_until,omitempty"`
	RecentFailures int          `json:"recent_failures"`
}

// Breaker tracks a circuit per agent. Calls ask Allow first; the router
// reports the outcome with Success or Failure.
type Breaker struct {
	cfg BreakerConfig

	// OnStateChange, when set, is invoked outside the lock after a
	// circuit transitions. The router uses it to emit events.
	OnStateChange func(agent string, from, to BreakerState)

	mu     sync.Mutex
	agents map[string]*circuit
}

type circuit struct {
	state     BreakerState
	failures  []time.Time
	openUntil time.Time
	probing   bool
}

// NewBreaker creates a breaker with cfg. Zero-valued fields fall back to
// the defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = def.OpenFor
	}
	return &Breaker{cfg: cfg, agents: make(map[string]*circuit)}
}

// Allow reports whether a call to agent may proceed. An open circuit past
// its open window transitions to half-open and admits a single probe call;
// further calls are rejected until the probe reports back.
func (b *Breaker) Allow(agent string) (bool, BreakerState) {
	b.mu.Lock()
	c := b.circuit(agent)
	now := time.Now()

	var transition func()
	allowed := false
	switch c.state {
	case BreakerClosed:
		allowed = true
	case BreakerOpen:
		if now.After(c.openUntil) {
			transition = b.setState(agent, c, BreakerHalfOpen)
			c.probing = true
			allowed = true
		}
	case BreakerHalfOpen:
		if !c.probing {
			c.probing = true
			allowed = true
		}
	}
	state := c.state
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return allowed, state
}

// Success records a successful call, closing the circuit.
func (b *Breaker) Success(agent string) {
	b.mu.Lock()
	c := b.circuit(agent)
	c.failures = nil
	c.probing = false
	transition := b.setState(agent, c, BreakerClosed)
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Failure records a failed call. A half-open probe failure reopens the
// circuit immediately; in the closed state the circuit opens once the
// failure count within the window reaches the threshold.
func (b *Breaker) Failure(agent string) {
	b.mu.Lock()
	c := b.circuit(agent)
	now := time.Now()
	c.failures = append(c.failures, now)
	b.prune(c, now)

	var transition func()
	switch c.state {
	case BreakerHalfOpen:
		c.probing = false
		c.openUntil = now.Add(b.cfg.OpenFor)
		transition = b.setState(agent, c, BreakerOpen)
	case BreakerClosed:
		if len(c.failures) >= b.cfg.Threshold {
			c.openUntil = now.Add(b.cfg.OpenFor)
			transition = b.setState(agent, c, BreakerOpen)
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// State returns the current circuit state for agent.
func (b *Breaker) State(agent string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.agents[agent]
	if !ok {
		return BreakerClosed
	}
	return c.state
}

// AnyOpen reports whether any circuit is not closed.
func (b *Breaker) AnyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.agents {
		if c.state != BreakerClosed {
			return true
		}
	}
	return false
}

// Snapshot returns the introspection view of every tracked circuit.
func (b *Breaker) Snapshot() map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	out := make(map[string]BreakerStatus, len(b.agents))
	for agent, c := range b.agents {
		b.prune(c, now)
		st := BreakerStatus{State: c.state, RecentFailures: len(c.failures)}
		if c.state == BreakerOpen {
			until := c.openUntil
			st.OpenUntil = &until
		}
		out[agent] = st
	}
	return out
}

// circuit returns the tracked circuit for agent. Callers hold mu.
func (b *Breaker) circuit(agent string) *circuit {
	c, ok := b.agents[agent]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.agents[agent] = c
	}
	return c
}

// prune drops failures older than the rolling window. Callers hold mu.
func (b *Breaker) prune(c *circuit, now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = kept
}

// setState updates the circuit state and gauge, returning a deferred
// OnStateChange invocation for the caller to run outside the lock.
// Callers hold mu.
func (b *Breaker) setState(agent string, c *circuit, to BreakerState) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to

	var gauge float64
	switch to {
	case BreakerHalfOpen:
		gauge = 1
	case BreakerOpen:
		gauge = 2
	}
	metrics.BreakerState.WithLabelValues(agent).Set(gauge)

	if b.OnStateChange == nil {
		return nil
	}
	return func() { b.OnStateChange(agent, from, to) }
}
