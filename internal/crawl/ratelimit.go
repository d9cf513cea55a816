package crawl

import (
	"context"
	"sync"
	"time"
)

// defaultRPS applies when a profile sets no rate.
const defaultRPS = 1.0

// Limiter paces fetches per domain. Each domain gets a rolling
// next-slot time; Wait books the next slot and sleeps until it.
type Limiter struct {
	mu   sync.Mutex
	next map[string]time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{next: make(map[string]time.Time)}
}

// Wait blocks until the domain's next fetch slot, or until ctx ends.
// rps <= 0 falls back to the default rate.
func (l *Limiter) Wait(ctx context.Context, domain string, rps float64) error {
	if rps <= 0 {
		rps = defaultRPS
	}
	interval := time.Duration(float64(time.Second) / rps)

	l.mu.Lock()
	now := time.Now()
	at := l.next[domain]
	if at.Before(now) {
		at = now
	}
	l.next[domain] = at.Add(interval)
	l.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reserve reports the delay a Wait for this domain would incur right
// now, without booking a slot. Used for backpressure visibility.
func (l *Limiter) Reserve(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := time.Until(l.next[domain])
	if d < 0 {
		return 0
	}
	return d
}
