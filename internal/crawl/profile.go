// Package crawl holds the crawler's domain inputs: per-domain YAML
// profiles, the schedule file, and a robots-aware rate-limited fetcher.
// The scheduler decides when a domain runs; this package decides what a
// run may touch and how politely it fetches.
package crawl

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Cadence is how often a domain becomes eligible. The source string is
// either a duration ("30m") or a standard cron spec ("0 * * * *").
type Cadence struct {
	source string
	every  time.Duration
	spec   cron.Schedule
}

// ParseCadence parses the dual duration/cron format. An empty string
// yields the zero Cadence, which is always due.
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cadence{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Cadence{}, fmt.Errorf("cadence %q: interval must be > 0", s)
		}
		return Cadence{source: s, every: d}, nil
	}
	spec, err := cron.ParseStandard(s)
	if err != nil {
		return Cadence{}, fmt.Errorf("cadence %q: %v", s, err)
	}
	return Cadence{source: s, spec: spec}, nil
}

// IsZero reports whether the cadence was left unset.
func (c Cadence) IsZero() bool { return c.every == 0 && c.spec == nil }

func (c Cadence) String() string { return c.source }

// Due reports whether a domain last run at last is eligible at now. An
// unset cadence is always due; a zero last time anchors on now so a
// never-run domain is picked up on the first tick.
func (c Cadence) Due(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !c.NextAfter(last).After(now.UTC())
}

// NextAfter returns the next eligible instant following last.
func (c Cadence) NextAfter(last time.Time) time.Time {
	anchor := last.UTC()
	switch {
	case c.every > 0:
		return anchor.Add(c.every)
	case c.spec != nil:
		return c.spec.Next(anchor)
	default:
		return anchor
	}
}

// Profile describes one domain's crawl behavior. SkipSeeds treats seed
// pages as link sources only; with it unset the seeds themselves are
// ingested as articles.
type Profile struct {
	Domain      string   `yaml:"domain"`
	CadenceSpec string   `yaml:"cadence,omitempty"`
	MaxArticles int      `yaml:"max_articles,omitempty"`
	MaxLinks    int      `yaml:"max_links,omitempty"`
	Concurrency int      `yaml:"concurrency,omitempty"`
	SkipSeeds   bool     `yaml:"skip_seeds,omitempty"`
	Retries     int      `yaml:"retries,omitempty"`
	Adaptive    bool     `yaml:"adaptive,omitempty"`
	RateRPS     float64  `yaml:"rate_rps,omitempty"`
	Seeds       []string `yaml:"seeds"`
	Include     []string `yaml:"include,omitempty"`
	Exclude     []string `yaml:"exclude,omitempty"`

	cadence Cadence
	include []glob.Glob
	exclude []glob.Glob
}

// ParseProfile parses and validates one profile document. Include and
// exclude patterns are globs over the URL path with '/' as separator,
// so "/news/**" matches arbitrarily deep paths under /news.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	p.Domain = strings.ToLower(strings.TrimSpace(p.Domain))
	if p.Domain == "" {
		return nil, fmt.Errorf("profile has no domain")
	}
	if len(p.Seeds) == 0 {
		return nil, fmt.Errorf("profile %s has no seeds", p.Domain)
	}
	var err error
	if p.cadence, err = ParseCadence(p.CadenceSpec); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Domain, err)
	}
	if p.include, err = compilePatterns(p.Include); err != nil {
		return nil, fmt.Errorf("profile %s include: %w", p.Domain, err)
	}
	if p.exclude, err = compilePatterns(p.Exclude); err != nil {
		return nil, fmt.Errorf("profile %s exclude: %w", p.Domain, err)
	}
	return &p, nil
}

// LoadProfile reads and parses a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]glob.Glob, 0, len(patterns))
	for _, pat := range patterns {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %v", pat, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Cadence returns the parsed cadence.
func (p *Profile) Cadence() Cadence { return p.cadence }

// Allows reports whether a URL path is inside the profile's crawl
// surface. Excludes win over includes; with no include patterns every
// non-excluded path is allowed.
func (p *Profile) Allows(u *url.URL) bool {
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, g := range p.exclude {
		if g.Match(path) {
			return false
		}
	}
	if len(p.include) == 0 {
		return true
	}
	for _, g := range p.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// AllowsURL is Allows for a raw URL string. Unparseable URLs are not
// allowed.
func (p *Profile) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return p.Allows(u)
}

// Schedule is the operator-maintained schedule file: a default cadence
// plus per-domain overrides and pauses. Profiles keep their own cadence;
// the schedule file wins when both are set.
type Schedule struct {
	DefaultCadence string                   `yaml:"default_cadence,omitempty"`
	Domains        map[string]ScheduleEntry `yaml:"domains,omitempty"`

	defaultCadence Cadence
	overrides      map[string]scheduleOverride
}

// ScheduleEntry is one domain's override.
type ScheduleEntry struct {
	Cadence string `yaml:"cadence,omitempty"`
	Paused  bool   `yaml:"paused,omitempty"`
}

type scheduleOverride struct {
	cadence Cadence
	paused  bool
}

// ParseSchedule parses the schedule document.
func ParseSchedule(data []byte) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	var err error
	if s.defaultCadence, err = ParseCadence(s.DefaultCadence); err != nil {
		return nil, err
	}
	if s.defaultCadence.IsZero() {
		s.defaultCadence, _ = ParseCadence("1h")
	}
	s.overrides = make(map[string]scheduleOverride, len(s.Domains))
	for domain, entry := range s.Domains {
		c, err := ParseCadence(entry.Cadence)
		if err != nil {
			return nil, fmt.Errorf("schedule domain %s: %w", domain, err)
		}
		s.overrides[strings.ToLower(domain)] = scheduleOverride{cadence: c, paused: entry.Paused}
	}
	return &s, nil
}

// LoadSchedule reads the schedule file. An empty path yields a schedule
// with only the hourly default.
func LoadSchedule(path string) (*Schedule, error) {
	if path == "" {
		return ParseSchedule(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return ParseSchedule(data)
}

// CadenceFor resolves the effective cadence for a domain: schedule
// override, then the profile's own cadence, then the schedule default.
func (s *Schedule) CadenceFor(domain string, profile Cadence) Cadence {
	if o, ok := s.overrides[strings.ToLower(domain)]; ok && !o.cadence.IsZero() {
		return o.cadence
	}
	if !profile.IsZero() {
		return profile
	}
	return s.defaultCadence
}

// Paused reports whether the schedule file pauses a domain.
func (s *Schedule) Paused(domain string) bool {
	return s.overrides[strings.ToLower(domain)].paused
}
