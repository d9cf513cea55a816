// Package events provides a pub/sub event bus for platform-wide events.
// Used by the dashboard for real-time updates and consumed by logs and the
// MCP introspection server.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies platform events.
type EventType string

const (
	AgentRegistered    EventType = "agent.registered"
	AgentUnregistered  EventType = "agent.unregistered"
	BreakerOpened      EventType = "breaker.opened"
	BreakerClosed      EventType = "breaker.closed"
	LeaseIssued        EventType = "lease.issued"
	LeaseReleased      EventType = "lease.released"
	LeaseExpired       EventType = "lease.expired"
	JobSubmitted       EventType = "job.submitted"
	JobReclaimed       EventType = "job.reclaimed"
	JobDeadLettered    EventType = "job.dead_lettered"
	PoolStateChanged   EventType = "pool.state_changed"
	PoolDegraded       EventType = "pool.degraded"
	PoolRestarted      EventType = "pool.restarted"
	LeaderElected      EventType = "leader.elected"
	LeaderLost         EventType = "leader.lost"
	ArticleIngested    EventType = "article.ingested"
	ArticleDuplicate   EventType = "article.duplicate"
	ArticleNeedsReview EventType = "article.needs_review"
	CrawlPassStarted   EventType = "crawl.pass_started"
	CrawlPassFinished  EventType = "crawl.pass_finished"
	InvariantViolation EventType = "invariant.violation"
)

// Event represents one platform event.
type Event struct {
	Type      EventType `json:"type"`
	Agent     string    `json:"agent,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus. It also keeps a bounded ring of recent
// events so late subscribers (dashboard, MCP resources) can show history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
	recent      []Event
	recentCap   int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
		recentCap:   256,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > b.recentCap {
		b.recent = b.recent[len(b.recent)-b.recentCap:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber rather than blocking publishers
		}
	}
}

// Emit is shorthand for Publish with the common fields.
func (b *Bus) Emit(t EventType, agent, summary string, detail any) {
	b.Publish(Event{Type: t, Agent: agent, Summary: summary, Detail: detail})
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned
// id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Recent returns up to n most recent events, newest last.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
