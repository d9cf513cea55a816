package crawl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of filesystem events an editor or
// deploy emits for a single logical change.
const reloadDebounce = 250 * time.Millisecond

// ProfileSet is the live view of the profiles directory. Load reads it
// once; Watch keeps it current until the context ends.
type ProfileSet struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewProfileSet creates a set over dir without loading it.
func NewProfileSet(dir string, logger *zap.Logger) *ProfileSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileSet{
		dir:      dir,
		logger:   logger,
		profiles: make(map[string]*Profile),
	}
}

// Load scans the directory and replaces the set wholesale. Files that
// fail to parse are logged and skipped so one broken profile cannot take
// the rest of the fleet offline. Returns the number of loaded profiles.
func (ps *ProfileSet) Load() (int, error) {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		return 0, fmt.Errorf("read profiles dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		path := filepath.Join(ps.dir, entry.Name())
		profile, err := LoadProfile(path)
		if err != nil {
			ps.logger.Warn("skipping profile", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if _, ok := loaded[profile.Domain]; ok {
			ps.logger.Warn("duplicate profile domain",
				zap.String("domain", profile.Domain),
				zap.String("file", entry.Name()))
			continue
		}
		loaded[profile.Domain] = profile
	}

	ps.mu.Lock()
	ps.profiles = loaded
	ps.mu.Unlock()
	return len(loaded), nil
}

func isProfileFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Get returns the profile for a domain.
func (ps *ProfileSet) Get(domain string) (*Profile, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.profiles[strings.ToLower(domain)]
	return p, ok
}

// All returns every profile sorted by domain.
func (ps *ProfileSet) All() []*Profile {
	ps.mu.RLock()
	out := make([]*Profile, 0, len(ps.profiles))
	for _, p := range ps.profiles {
		out = append(out, p)
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Len returns the number of loaded profiles.
func (ps *ProfileSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.profiles)
}

// Watch reloads the set whenever profile files change, until ctx ends.
// Reload failures keep the previous set.
func (ps *ProfileSet) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(ps.dir); err != nil {
		return fmt.Errorf("watch %s: %w", ps.dir, err)
	}

	var pending *time.Timer
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(filepath.Base(event.Name)) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(reloadDebounce)
				reload = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(reloadDebounce)
			}
		case <-reload:
			pending = nil
			reload = nil
			n, err := ps.Load()
			if err != nil {
				ps.logger.Warn("profile reload failed", zap.Error(err))
				continue
			}
			ps.logger.Info("profiles reloaded", zap.Int("count", n))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ps.logger.Warn("profile watcher error", zap.Error(err))
		}
	}
}
