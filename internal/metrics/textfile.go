/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TextfileWriter snapshots selected metric families to a node-exporter
// textfile. The scheduler uses it so crawl metrics survive between scrapes
// of a short-lived run.
type TextfileWriter struct {
	gatherer prometheus.Gatherer
	prefixes []string
}

// NewTextfileWriter snapshots families whose names match any of the given
// prefixes; no prefixes means every family.
func NewTextfileWriter(g prometheus.Gatherer, prefixes ...string) *TextfileWriter {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &TextfileWriter{gatherer: g, prefixes: prefixes}
}

// WriteFile renders the snapshot and atomically replaces path.
func (t *TextfileWriter) WriteFile(path string) error {
	text, err := t.Render()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".stage_b_*.prom")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Render produces the Prometheus text exposition for the selected families.
func (t *TextfileWriter) Render() (string, error) {
	families, err := t.gatherer.Gather()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, mf := range families {
		if !t.wants(mf.GetName()) {
			continue
		}
		renderFamily(&b, mf)
	}
	return b.String(), nil
}

func (t *TextfileWriter) wants(name string) bool {
	if len(t.prefixes) == 0 {
		return true
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func renderFamily(b *strings.Builder, mf *dto.MetricFamily) {
	name := mf.GetName()
	if help := mf.GetHelp(); help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, strings.ToLower(mf.GetType().String()))

	for _, m := range mf.GetMetric() {
		labels := renderLabels(m.GetLabel())
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			fmt.Fprintf(b, "%s%s %v\n", name, labels, m.GetCounter().GetValue())
		case dto.MetricType_GAUGE:
			fmt.Fprintf(b, "%s%s %v\n", name, labels, m.GetGauge().GetValue())
		case dto.MetricType_UNTYPED:
			fmt.Fprintf(b, "%s%s %v\n", name, labels, m.GetUntyped().GetValue())
		case dto.MetricType_HISTOGRAM:
			h := m.GetHistogram()
			for _, bk := range h.GetBucket() {
				fmt.Fprintf(b, "%s_bucket%s %d\n", name,
					appendLabel(m.GetLabel(), "le", fmt.Sprintf("%v", bk.GetUpperBound())),
					bk.GetCumulativeCount())
			}
			fmt.Fprintf(b, "%s_bucket%s %d\n", name,
				appendLabel(m.GetLabel(), "le", "+Inf"), h.GetSampleCount())
			fmt.Fprintf(b, "%s_sum%s %v\n", name, labels, h.GetSampleSum())
			fmt.Fprintf(b, "%s_count%s %d\n", name, labels, h.GetSampleCount())
		}
	}
}

func renderLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func appendLabel(pairs []*dto.LabelPair, name, value string) string {
	parts := make([]string, 0, len(pairs)+1)
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	parts = append(parts, fmt.Sprintf("%s=%q", name, value))
	return "{" + strings.Join(parts, ",") + "}"
}
