/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/justnews/fabric/internal/crawl"
)

// DomainHistory is one domain's cumulative crawl record. LastAttempt
// anchors the cadence: it is the dispatch time of the most recent run,
// and skipped passes deliberately leave it untouched.
type DomainHistory struct {
	Domain        string    `json:"domain"`
	LastAttempt   time.Time `json:"last_attempt"`
	LastStatus    string    `json:"last_status,omitempty"`
	Attempted     int       `json:"attempted"`
	Ingested      int       `json:"ingested"`
	Duplicates    int       `json:"duplicates"`
	Errors        int       `json:"errors"`
	SkippedPasses int       `json:"skipped_passes,omitempty"`
	LagSeconds    float64   `json:"lag_seconds,omitempty"`
}

// History holds the per-domain records and rewrites the backing file
// after every change. With an empty path it lives in memory only.
type History struct {
	path string

	mu      sync.Mutex
	domains map[string]*DomainHistory
}

// LoadHistory reads the history file at path. A missing file starts an
// empty history; a present but unparseable one is an error, so a
// corrupt file never silently resets every cadence anchor.
func LoadHistory(path string) (*History, error) {
	h := &History{path: path, domains: make(map[string]*DomainHistory)}
	if path == "" {
		return h, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crawl history: %w", err)
	}
	var loaded map[string]*DomainHistory
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse crawl history %s: %w", path, err)
	}
	for domain, entry := range loaded {
		if entry == nil {
			continue
		}
		entry.Domain = domain
		h.domains[domain] = entry
	}
	return h, nil
}

// RecordRun folds one finished domain run into the record and advances
// the cadence anchor to the run's dispatch time.
func (h *History) RecordRun(domain string, rep *crawl.DomainReport, status string, dispatched time.Time) error {
	h.mu.Lock()
	e := h.entry(domain)
	e.LastAttempt = dispatched.UTC()
	e.LastStatus = status
	e.Attempted += rep.Attempted
	e.Ingested += rep.Ingested
	e.Duplicates += rep.Duplicates
	e.Errors += rep.Errors
	e.LagSeconds = 0
	h.mu.Unlock()
	return h.save()
}

// RecordSkip notes a pass that found the domain still running.
func (h *History) RecordSkip(domain string, lag time.Duration) error {
	h.mu.Lock()
	e := h.entry(domain)
	e.SkippedPasses++
	e.LagSeconds = lag.Seconds()
	h.mu.Unlock()
	return h.save()
}

// Get returns a copy of one domain's record.
func (h *History) Get(domain string) (DomainHistory, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.domains[domain]
	if !ok {
		return DomainHistory{}, false
	}
	return *e, true
}

// All returns every record, sorted by domain.
func (h *History) All() []DomainHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DomainHistory, 0, len(h.domains))
	for _, e := range h.domains {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// LastAttempt returns the domain's cadence anchor, zero when the
// domain has never run.
func (h *History) LastAttempt(domain string) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.domains[domain]; ok {
		return e.LastAttempt
	}
	return time.Time{}
}

// entry returns the record for domain, creating it if needed.
// Callers hold h.mu.
func (h *History) entry(domain string) *DomainHistory {
	e, ok := h.domains[domain]
	if !ok {
		e = &DomainHistory{Domain: domain}
		h.domains[domain] = e
	}
	return e
}

// save rewrites the history file via a temp file and rename, so a
// crash mid-write leaves the previous snapshot intact.
func (h *History) save() error {
	if h.path == "" {
		return nil
	}
	h.mu.Lock()
	data, err := json.MarshalIndent(h.domains, "", "  ")
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode crawl history: %w", err)
	}

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history_*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write crawl history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close crawl history: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", h.path, err)
	}
	return nil
}
