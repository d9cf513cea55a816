/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scheduler drives the periodic crawl loop. Each pass it
// selects the domains whose cadence is due, divides the global article
// budget among them, and dispatches one bounded run per domain. A
// domain never runs twice concurrently: a pass that finds a domain
// still busy skips it and records the lag instead. After every pass
// the package snapshots crawl metrics to a node-exporter textfile and
// persists per-domain success history.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/crawl"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/metrics"
)

const (
	agentName = "crawler"

	defaultInterval     = time.Hour
	defaultGlobalBudget = 500
	defaultDomainCap    = 40 * time.Minute
	defaultDomainTarget = 25
)

// DomainCrawler runs one bounded crawl of a single domain.
// *crawl.Walker is the production implementation.
type DomainCrawler interface {
	CrawlDomain(ctx context.Context, p *crawl.Profile, budget int) (*crawl.DomainReport, error)
}

// Scheduler owns the crawl loop state: the profile set, the cadence
// schedule, the set of domains currently running, and the persisted
// per-domain history.
type Scheduler struct {
	cfg      config.SchedulerConfig
	profiles *crawl.ProfileSet
	schedule *crawl.Schedule
	crawler  DomainCrawler
	events   *events.Bus
	logger   *zap.Logger
	snapshot *metrics.TextfileWriter
	history  *History

	mu      sync.Mutex
	running map[string]time.Time
	passSeq int64

	inflight sync.WaitGroup
}

// New builds a scheduler over the given profiles and schedule. The
// schedule may be nil when no schedule file is configured; every other
// dependency except the bus is required. History is loaded from
// cfg.HistoryPath, or kept in memory when the path is empty.
func New(cfg config.SchedulerConfig, profiles *crawl.ProfileSet, schedule *crawl.Schedule, crawler DomainCrawler, bus *events.Bus, logger *zap.Logger) (*Scheduler, error) {
	if profiles == nil {
		return nil, fmt.Errorf("scheduler needs a profile set")
	}
	if crawler == nil {
		return nil, fmt.Errorf("scheduler needs a domain crawler")
	}
	if schedule == nil {
		var err error
		schedule, err = crawl.ParseSchedule(nil)
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	history, err := LoadHistory(cfg.HistoryPath)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:      cfg,
		profiles: profiles,
		schedule: schedule,
		crawler:  crawler,
		events:   bus,
		logger:   logger.Named(agentName),
		snapshot: metrics.NewTextfileWriter(prometheus.DefaultGatherer, "justnews_crawler_scheduler_", "justnews_stage_b_"),
		history:  history,
		running:  make(map[string]time.Time),
	}, nil
}

// History exposes the per-domain crawl record for introspection.
func (s *Scheduler) History() *History { return s.history }

func (s *Scheduler) interval() time.Duration {
	if s.cfg.IntervalSeconds > 0 {
		return time.Duration(s.cfg.IntervalSeconds) * time.Second
	}
	return defaultInterval
}

func (s *Scheduler) globalBudget() int {
	if s.cfg.GlobalArticleBudget > 0 {
		return s.cfg.GlobalArticleBudget
	}
	return defaultGlobalBudget
}

func (s *Scheduler) domainCap() time.Duration {
	if s.cfg.DomainRunCapSeconds > 0 {
		return time.Duration(s.cfg.DomainRunCapSeconds) * time.Second
	}
	return defaultDomainCap
}

// Run executes passes until ctx is cancelled. The first pass starts
// immediately; later passes follow the configured interval. The loop
// never blocks on a slow domain: long runs simply cause their domain
// to be skipped, with lag recorded, on subsequent ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval()),
		zap.Int("global_budget", s.globalBudget()),
		zap.Int("profiles", s.profiles.Len()),
	)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// RunPass executes a single pass and waits for every dispatched domain
// to finish. The CLI's one-shot mode calls it directly.
func (s *Scheduler) RunPass(ctx context.Context) (*PassReport, error) {
	report, wg := s.startPass(ctx, time.Now().UTC())
	wg.Wait()
	s.finishPass(report)
	return report, ctx.Err()
}

// Candidate is one planned domain run.
type Candidate struct {
	Domain   string `json:"domain"`
	Budget   int    `json:"budget"`
	Adaptive bool   `json:"adaptive,omitempty"`
	Cadence  string `json:"cadence,omitempty"`
}

// Plan reports the batch a pass at now would dispatch, without
// crawling anything or touching history.
func (s *Scheduler) Plan(now time.Time) []Candidate {
	targets := s.selectTargets(now.UTC(), nil)
	out := make([]Candidate, 0, len(targets))
	for _, t := range targets {
		out = append(out, Candidate{
			Domain:   t.profile.Domain,
			Budget:   t.budget,
			Adaptive: t.profile.Adaptive,
			Cadence:  s.schedule.CadenceFor(t.profile.Domain, t.profile.Cadence()).String(),
		})
	}
	return out
}

func (s *Scheduler) dispatch(ctx context.Context) {
	report, wg := s.startPass(ctx, time.Now().UTC())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		wg.Wait()
		s.finishPass(report)
	}()
}

// startPass selects the batch, marks its domains running, and launches
// one goroutine per domain. The returned wait group completes when all
// of them have finished.
func (s *Scheduler) startPass(ctx context.Context, now time.Time) (*PassReport, *sync.WaitGroup) {
	s.mu.Lock()
	s.passSeq++
	seq := s.passSeq
	s.mu.Unlock()

	report := &PassReport{Pass: seq, Started: now}
	targets := s.selectTargets(now, report)

	s.emit(events.CrawlPassStarted,
		fmt.Sprintf("pass %d: %d domains dispatched", seq, len(targets)),
		map[string]any{
			"pass":            seq,
			"dispatched":      report.Dispatched,
			"skipped_running": report.SkippedRunning,
			"deferred":        report.Deferred,
		})
	s.logger.Info("crawl pass started",
		zap.Int64("pass", seq),
		zap.Int("dispatched", len(targets)),
		zap.Strings("skipped_running", report.SkippedRunning),
		zap.Strings("deferred", report.Deferred),
	)

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			s.runDomain(ctx, t, now, report)
		}(t)
	}
	return report, &wg
}

type target struct {
	profile *crawl.Profile
	budget  int
	base    int
}

// selectTargets computes the batch for a pass at now. Domains are
// considered most-stale-first so a tight global budget starves nobody
// permanently. With a nil report the selection is a dry run: no lag is
// recorded, no domain is marked running.
func (s *Scheduler) selectTargets(now time.Time, report *PassReport) []target {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles := s.profiles.All()
	sort.SliceStable(profiles, func(i, j int) bool {
		li := s.history.LastAttempt(profiles[i].Domain)
		lj := s.history.LastAttempt(profiles[j].Domain)
		if li.Equal(lj) {
			return profiles[i].Domain < profiles[j].Domain
		}
		return li.Before(lj)
	})

	remaining := s.globalBudget()
	var targets []target
	for _, p := range profiles {
		if s.schedule.Paused(p.Domain) {
			if report != nil {
				report.Paused = append(report.Paused, p.Domain)
			}
			continue
		}
		cadence := s.schedule.CadenceFor(p.Domain, p.Cadence())
		last := s.history.LastAttempt(p.Domain)
		if !cadence.Due(last, now) {
			continue
		}
		if startedAt, ok := s.running[p.Domain]; ok {
			if report != nil {
				lag := skipLag(cadence, last, startedAt, now)
				metrics.SchedulerLagSeconds.WithLabelValues(p.Domain).Set(lag.Seconds())
				if err := s.history.RecordSkip(p.Domain, lag); err != nil {
					s.logger.Warn("persist crawl history", zap.Error(err))
				}
				report.SkippedRunning = append(report.SkippedRunning, p.Domain)
				s.logger.Warn("domain still running, skipping",
					zap.String("domain", p.Domain),
					zap.Duration("lag", lag),
				)
			}
			continue
		}
		if remaining <= 0 {
			if report != nil {
				report.Deferred = append(report.Deferred, p.Domain)
			}
			continue
		}
		base := p.MaxArticles
		if base <= 0 {
			base = defaultDomainTarget
		}
		if base > remaining {
			base = remaining
		}
		remaining -= base
		targets = append(targets, target{profile: p, budget: base, base: base})
	}

	// Budget the due domains did not claim tops up the adaptive ones.
	if remaining > 0 {
		var adaptive []int
		for i := range targets {
			if targets[i].profile.Adaptive {
				adaptive = append(adaptive, i)
			}
		}
		if len(adaptive) > 0 {
			share := remaining / len(adaptive)
			extra := remaining % len(adaptive)
			for j, i := range adaptive {
				targets[i].budget += share
				if j < extra {
					targets[i].budget++
				}
			}
		}
	}

	if report != nil {
		for _, t := range targets {
			s.running[t.profile.Domain] = now
			report.Dispatched = append(report.Dispatched, t.profile.Domain)
		}
	}
	return targets
}

// skipLag measures how far behind a skipped domain is. It is counted
// from the later of the cadence due point and the moment the blocking
// run started, so a domain on its first ever run reports the time it
// has been waiting rather than its entire unattempted lifetime.
func skipLag(c crawl.Cadence, last, startedAt, now time.Time) time.Duration {
	due := c.NextAfter(last)
	if last.IsZero() || due.Before(startedAt) {
		due = startedAt
	}
	lag := now.Sub(due)
	if lag < 0 {
		lag = 0
	}
	return lag
}

// runDomain executes one bounded crawl and folds the outcome into
// metrics, history, and the pass report. dispatched is the pass start
// time and becomes the domain's cadence anchor.
func (s *Scheduler) runDomain(ctx context.Context, t target, dispatched time.Time, report *PassReport) {
	runCtx, cancel := context.WithTimeout(ctx, s.domainCap())
	defer cancel()

	rep, err := s.crawler.CrawlDomain(runCtx, t.profile, t.budget)

	s.mu.Lock()
	delete(s.running, t.profile.Domain)
	s.mu.Unlock()

	if rep == nil {
		rep = &crawl.DomainReport{Domain: t.profile.Domain}
	}
	status := "ok"
	if err != nil {
		status = "error"
		s.logger.Warn("domain run failed",
			zap.String("domain", t.profile.Domain),
			zap.Error(err),
		)
	}

	metrics.DomainsCrawledTotal.Inc()
	metrics.ArticlesAcceptedTotal.Add(float64(rep.Ingested))
	if t.profile.Adaptive && rep.Ingested > t.base {
		metrics.AdaptiveArticlesTotal.Add(float64(rep.Ingested - t.base))
	}
	metrics.SchedulerLagSeconds.WithLabelValues(t.profile.Domain).Set(0)

	if err := s.history.RecordRun(t.profile.Domain, rep, status, dispatched); err != nil {
		s.logger.Warn("persist crawl history", zap.Error(err))
	}
	report.addDomain(rep, err)
}

// finishPass runs after the last domain of a pass completes.
func (s *Scheduler) finishPass(report *PassReport) {
	report.finish(time.Now().UTC())
	s.writeSnapshot()

	totals := report.Totals()
	s.emit(events.CrawlPassFinished,
		fmt.Sprintf("pass %d: %d articles from %d domains", report.Pass, totals.Ingested, len(report.Dispatched)),
		map[string]any{
			"pass":       report.Pass,
			"domains":    len(report.Dispatched),
			"attempted":  totals.Attempted,
			"ingested":   totals.Ingested,
			"duplicates": totals.Duplicates,
			"errors":     totals.Errors,
			"failed":     report.FailedRuns(),
		})
	s.logger.Info("crawl pass finished",
		zap.Int64("pass", report.Pass),
		zap.Int("domains", len(report.Dispatched)),
		zap.Int("ingested", totals.Ingested),
		zap.Int("duplicates", totals.Duplicates),
		zap.Int("errors", totals.Errors),
	)
}

// writeSnapshot refreshes the textfile node-exporter scrapes, so crawl
// counters survive scheduler restarts.
func (s *Scheduler) writeSnapshot() {
	if s.cfg.MetricsPath == "" {
		return
	}
	if err := s.snapshot.WriteFile(s.cfg.MetricsPath); err != nil {
		s.logger.Warn("write metrics snapshot", zap.Error(err))
	}
}

func (s *Scheduler) emit(t events.EventType, summary string, detail any) {
	if s.events == nil {
		return
	}
	s.events.Emit(t, agentName, summary, detail)
}

// PassReport is the outcome of one scheduling pass.
type PassReport struct {
	Pass           int64     `json:"pass"`
	Started        time.Time `json:"started"`
	Finished       time.Time `json:"finished"`
	Dispatched     []string  `json:"dispatched"`
	SkippedRunning []string  `json:"skipped_running,omitempty"`
	Paused         []string  `json:"paused,omitempty"`
	Deferred       []string  `json:"deferred,omitempty"`

	mu      sync.Mutex
	domains []crawl.DomainReport
	failed  int
}

func (r *PassReport) addDomain(rep *crawl.DomainReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = append(r.domains, *rep)
	if err != nil {
		r.failed++
	}
}

func (r *PassReport) finish(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Finished = at
}

// Domains returns the per-domain reports collected so far.
func (r *PassReport) Domains() []crawl.DomainReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crawl.DomainReport, len(r.domains))
	copy(out, r.domains)
	return out
}

// FailedRuns counts domain runs that returned an error.
func (r *PassReport) FailedRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Totals sums the per-domain reports of the pass.
func (r *PassReport) Totals() crawl.DomainReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t crawl.DomainReport
	for _, d := range r.domains {
		t.Attempted += d.Attempted
		t.Ingested += d.Ingested
		t.Duplicates += d.Duplicates
		t.Errors += d.Errors
		t.Skipped += d.Skipped
	}
	return t
}
