/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the platform
// services.
//
// Custom span attributes use the `justnews.` prefix. Bus routing, job
// lifecycle, and pipeline stages each get a span so a single article or
// job can be followed across services.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "justnews.io/fabric"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on service exit.
func InitTraceProvider(ctx context.Context, endpoint, service, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCallSpan creates the span for a bus-routed call.
func StartCallSpan(ctx context.Context, agent, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "bus.call",
		trace.WithAttributes(
			attribute.String("justnews.agent", agent),
			attribute.String("justnews.tool", tool),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndCallSpan enriches the call span with the routing outcome.
func EndCallSpan(span trace.Span, outcome string, statusCode int) {
	span.SetAttributes(
		attribute.String("justnews.outcome", outcome),
		attribute.Int("justnews.status_code", statusCode),
	)
	span.End()
}

// StartJobSpan creates a span for one job lifecycle step.
func StartJobSpan(ctx context.Context, jobID, jobType, step string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator.job."+step,
		trace.WithAttributes(
			attribute.String("justnews.job_id", jobID),
			attribute.String("justnews.job_type", jobType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartLeaseSpan creates a span for a lease operation.
func StartLeaseSpan(ctx context.Context, op, agent string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator.lease."+op,
		trace.WithAttributes(
			attribute.String("justnews.agent", agent),
		),
	)
}

// StartPipelineSpan creates a span for one ingestion pipeline stage.
func StartPipelineSpan(ctx context.Context, stage, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ingest."+stage,
		trace.WithAttributes(
			attribute.String("justnews.url", url),
		),
	)
}

// EndPipelineSpan enriches the stage span with its disposition.
func EndPipelineSpan(span trace.Span, status string, needsReview bool) {
	span.SetAttributes(
		attribute.String("justnews.status", status),
		attribute.Bool("justnews.needs_review", needsReview),
	)
	span.End()
}

// StartCrawlSpan creates the parent span for one domain crawl pass.
func StartCrawlSpan(ctx context.Context, domain, profile string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "crawl.pass",
		trace.WithAttributes(
			attribute.String("justnews.domain", domain),
			attribute.String("justnews.profile", profile),
		),
	)
}
