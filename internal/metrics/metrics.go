/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the platform services.
//
// All metrics are registered with the default registry and served on each
// service's /metrics endpoint; the crawl scheduler additionally snapshots
// its families to a node-exporter textfile (see textfile.go).
//
// Metric naming follows Prometheus conventions:
//   - justnews_ prefix for bus/pipeline metrics
//   - gpu_orchestrator_ prefix for orchestrator metrics (scrape contract
//     shared with the ops dashboards)
//   - _total suffix for counters, _seconds suffix for durations
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool status gauge values for gpu_orchestrator_vllm_status.
const (
	PoolStatusStopped  = 0
	PoolStatusStarting = 1
	PoolStatusRunning  = 2
	PoolStatusDraining = 3
	PoolStatusDegraded = 4
)

var (
	// DomainsCrawledTotal counts domains crawled by scheduler passes.
	DomainsCrawledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "justnews_crawler_scheduler_domains_crawled_total",
			Help: "Total number of domain crawl passes dispatched by the scheduler.",
		},
	)

	// ArticlesAcceptedTotal counts articles accepted across scheduler runs.
	ArticlesAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "justnews_crawler_scheduler_articles_accepted_total",
			Help: "Total articles accepted by the ingestion pipeline via scheduled crawls.",
		},
	)

	// AdaptiveArticlesTotal counts articles admitted through adaptive budget headroom.
	AdaptiveArticlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "justnews_crawler_scheduler_adaptive_articles_total",
			Help: "Total articles admitted beyond per-domain targets from unused global budget.",
		},
	)

	// SchedulerLagSeconds is the per-domain delay behind cadence.
	SchedulerLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "justnews_crawler_scheduler_lag_seconds",
			Help: "Seconds a domain is behind its cadence because a pass was skipped or late.",
		},
		[]string{"domain"},
	)

	// EmbeddingTotal counts Stage-B embedding outcomes.
	EmbeddingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justnews_stage_b_embedding_total",
			Help: "Total embedding computations by outcome status.",
		},
		[]string{"status"},
	)

	// EmbeddingLatencySeconds is the embedding latency by cache disposition.
	EmbeddingLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justnews_stage_b_embedding_latency_seconds",
			Help:    "Latency of embedding computation, labeled by cache hit/miss.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"cache"},
	)

	// BusCallsTotal counts routed bus calls by agent and outcome.
	BusCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justnews_mcp_bus_calls_total",
			Help: "Total calls routed through the MCP bus by agent and outcome.",
		},
		[]string{"agent", "outcome"},
	)

	// BusCallLatencySeconds is the routed call latency by agent.
	BusCallLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justnews_mcp_bus_call_latency_seconds",
			Help:    "Latency of calls routed through the MCP bus.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"agent"},
	)

	// BreakerState is the per-agent circuit state (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "justnews_mcp_bus_circuit_state",
			Help: "Circuit breaker state per agent: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"agent"},
	)

	// ToolRequestsTotal counts agent tool invocations by tool and status.
	ToolRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justnews_agent_tool_requests_total",
			Help: "Total tool requests handled by agent shells.",
		},
		[]string{"agent", "tool", "status"},
	)

	// LeaseExpiredTotal counts leases reclaimed after expiry.
	LeaseExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_lease_expired_total",
			Help: "Total GPU leases expired and removed by the reclaimer.",
		},
	)

	// JobReclaimedTotal counts jobs re-claimed from dead pools.
	JobReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_job_reclaimed_total",
			Help: "Total stream-pending jobs reassigned from non-live pools.",
		},
	)

	// JobDeadLetteredTotal counts jobs moved to DLQ streams.
	JobDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_job_dead_lettered_total",
			Help: "Total jobs dead-lettered after exhausting delivery attempts.",
		},
	)

	// JobQueueDepth is the pending depth per stream.
	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_orchestrator_job_queue_depth",
			Help: "Pending entries per orchestrator job stream.",
		},
		[]string{"stream"},
	)

	// VLLMRestartsTotal counts worker restarts triggered by the OOM watcher.
	VLLMRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_vllm_restarts_total",
			Help: "Total vLLM worker restarts attempted after OOM detection.",
		},
	)

	// VLLMOOMsTotal counts OOM markers observed in worker log streams.
	VLLMOOMsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_vllm_ooms_total",
			Help: "Total out-of-memory events detected in worker logs.",
		},
	)

	// VLLMStatus is the per-pool worker status gauge.
	VLLMStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_orchestrator_vllm_status",
			Help: "Worker pool status: 0 stopped, 1 starting, 2 running, 3 draining, 4 degraded.",
		},
		[]string{"pool"},
	)

	// InvariantViolationsTotal counts quarantined records by component.
	InvariantViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justnews_invariant_violations_total",
			Help: "Total fatal invariant violations quarantined instead of crashing.",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(
		DomainsCrawledTotal,
		ArticlesAcceptedTotal,
		AdaptiveArticlesTotal,
		SchedulerLagSeconds,
		EmbeddingTotal,
		EmbeddingLatencySeconds,
		BusCallsTotal,
		BusCallLatencySeconds,
		BreakerState,
		ToolRequestsTotal,
		LeaseExpiredTotal,
		JobReclaimedTotal,
		JobDeadLetteredTotal,
		JobQueueDepth,
		VLLMRestartsTotal,
		VLLMOOMsTotal,
		VLLMStatus,
		InvariantViolationsTotal,
	)
}

// RecordBusCall records one routed call.
func RecordBusCall(agent, outcome string, duration time.Duration) {
	BusCallsTotal.WithLabelValues(agent, outcome).Inc()
	BusCallLatencySeconds.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordEmbedding records one embedding attempt.
func RecordEmbedding(status, cache string, duration time.Duration) {
	EmbeddingTotal.WithLabelValues(status).Inc()
	if cache != "" {
		EmbeddingLatencySeconds.WithLabelValues(cache).Observe(duration.Seconds())
	}
}

// RecordToolRequest records one handled tool invocation.
func RecordToolRequest(agent, tool, status string) {
	ToolRequestsTotal.WithLabelValues(agent, tool, status).Inc()
}

// RecordPoolStatus updates the status gauge for a pool.
func RecordPoolStatus(pool string, status float64) {
	VLLMStatus.WithLabelValues(pool).Set(status)
}

// RecordInvariantViolation records one quarantined record.
func RecordInvariantViolation(component string) {
	InvariantViolationsTotal.WithLabelValues(component).Inc()
}
