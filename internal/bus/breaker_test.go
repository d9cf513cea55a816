package bus

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 3, Window: time.Minute, OpenFor: time.Minute})

	for i := 0; i < 2; i++ {
		b.Failure("analyst")
		if got := b.State("analyst"); got != BreakerClosed {
			t.Fatalf("state after %d failures = %s, want closed", i+1, got)
		}
	}

	b.Failure("analyst")
	if got := b.State("analyst"); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}

	allowed, state := b.Allow("analyst")
	if allowed {
		t.Error("open circuit should reject calls")
	}
	if state != BreakerOpen {
		t.Errorf("state = %s", state)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute, OpenFor: 30 * time.Millisecond})

	b.Failure("analyst")
	if b.State("analyst") != BreakerOpen {
		t.Fatal("circuit should be open")
	}

	time.Sleep(50 * time.Millisecond)

	// First caller after the open window gets the probe slot.
	allowed, _ := b.Allow("analyst")
	if !allowed {
		t.Fatal("half-open circuit should admit one probe")
	}
	if b.State("analyst") != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State("analyst"))
	}

	// Second caller is rejected while the probe is in flight.
	if allowed, _ := b.Allow("analyst"); allowed {
		t.Error("only one probe call may be in flight")
	}

	b.Success("analyst")
	if b.State("analyst") != BreakerClosed {
		t.Errorf("state after probe success = %s, want closed", b.State("analyst"))
	}
	if allowed, _ := b.Allow("analyst"); !allowed {
		t.Error("closed circuit should admit calls")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute, OpenFor: 20 * time.Millisecond})

	b.Failure("analyst")
	time.Sleep(40 * time.Millisecond)
	if allowed, _ := b.Allow("analyst"); !allowed {
		t.Fatal("expected probe slot")
	}

	b.Failure("analyst")
	if b.State("analyst") != BreakerOpen {
		t.Fatalf("state after probe failure = %s, want open", b.State("analyst"))
	}
	if allowed, _ := b.Allow("analyst"); allowed {
		t.Error("reopened circuit should reject immediately")
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 3, Window: 30 * time.Millisecond, OpenFor: time.Minute})

	b.Failure("analyst")
	b.Failure("analyst")
	time.Sleep(50 * time.Millisecond)

	// The first two failures have aged out of the window.
	b.Failure("analyst")
	if got := b.State("analyst"); got != BreakerClosed {
		t.Errorf("state = %s, want closed (stale failures pruned)", got)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute, OpenFor: time.Minute})

	type change struct {
		agent    string
		from, to BreakerState
	}
	var changes []change
	b.OnStateChange = func(agent string, from, to BreakerState) {
		changes = append(changes, change{agent, from, to})
	}

	b.Failure("analyst")
	b.Success("analyst")

	if len(changes) != 2 {
		t.Fatalf("got %d transitions, want 2: %+v", len(changes), changes)
	}
	if changes[0].to != BreakerOpen || changes[1].to != BreakerClosed {
		t.Errorf("transitions = %+v", changes)
	}
}

func TestBreakerSnapshotAndAnyOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute, OpenFor: time.Minute})

	if b.AnyOpen() {
		t.Error("no circuits yet")
	}
	b.Failure("analyst")
	b.Success("scout")
	if !b.AnyOpen() {
		t.Error("analyst circuit should count as open")
	}

	snap := b.Snapshot()
	if snap["analyst"].State != BreakerOpen || snap["analyst"].OpenUntil == nil {
		t.Errorf("analyst snapshot = %+v", snap["analyst"])
	}
	if snap["scout"].State != BreakerClosed {
		t.Errorf("scout snapshot = %+v", snap["scout"])
	}
}
