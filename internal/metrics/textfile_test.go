/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()

	accepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "justnews_crawler_scheduler_articles_accepted_total",
		Help: "Total articles accepted.",
	})
	lag := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "justnews_crawler_scheduler_lag_seconds",
		Help: "Per-domain lag.",
	}, []string{"domain"})
	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unrelated_total",
		Help: "Should be filtered out.",
	})
	reg.MustRegister(accepted, lag, other)

	accepted.Add(42)
	lag.WithLabelValues("example.com").Set(600)
	other.Inc()
	return reg
}

func TestRenderFiltersByPrefix(t *testing.T) {
	w := NewTextfileWriter(testRegistry(t), "justnews_crawler_scheduler_")
	text, err := w.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(text, "justnews_crawler_scheduler_articles_accepted_total 42") {
		t.Errorf("accepted counter missing:\n%s", text)
	}
	if !strings.Contains(text, `justnews_crawler_scheduler_lag_seconds{domain="example.com"} 600`) {
		t.Errorf("lag gauge missing:\n%s", text)
	}
	if strings.Contains(text, "unrelated_total") {
		t.Errorf("unfiltered family leaked:\n%s", text)
	}
	if !strings.Contains(text, "# TYPE justnews_crawler_scheduler_articles_accepted_total counter") {
		t.Errorf("TYPE line missing:\n%s", text)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage_b.prom")

	w := NewTextfileWriter(testRegistry(t), "justnews_")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(data), "articles_accepted_total 42") {
		t.Errorf("snapshot content wrong:\n%s", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestHistogramRendering(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "justnews_stage_b_embedding_latency_seconds",
		Help:    "Latency.",
		Buckets: []float64{0.1, 1},
	}, []string{"cache"})
	reg.MustRegister(h)
	h.WithLabelValues("hit").Observe(0.05)
	h.WithLabelValues("hit").Observe(2)

	text, err := NewTextfileWriter(reg).Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, `justnews_stage_b_embedding_latency_seconds_bucket{cache="hit",le="0.1"} 1`) {
		t.Errorf("bucket line missing:\n%s", text)
	}
	if !strings.Contains(text, `le="+Inf"} 2`) {
		t.Errorf("+Inf bucket missing:\n%s", text)
	}
	if !strings.Contains(text, `justnews_stage_b_embedding_latency_seconds_count{cache="hit"} 2`) {
		t.Errorf("count line missing:\n%s", text)
	}
}
