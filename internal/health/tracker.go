package health

import (
	"sync"
	"time"

	"github.com/lfarias/mailkeep/internal/bus"
)

// State is the coarse connectivity health derived from recent outcomes.
type State string

const (
	Healthy  State = "HEALTHY"
	Degraded State = "DEGRADED"
	Blocked  State = "BLOCKED"
)

const (
	degradedThreshold = 2
	blockedThreshold  = 4

	degradedBackoff = 10 * time.Second
)

// Tracker observes the outcome of every network operation and derives the
// health state from a sliding window of recent failures. Degraded inserts a
// back-off delay after failures; Blocked rejects network-bound admission
// entirely until the window drains.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	failures []time.Time
	current  State
	bus      *bus.Bus
	now      func() time.Time
}

// NewTracker creates a tracker with the given sliding window.
func NewTracker(window time.Duration, b *bus.Bus) *Tracker {
	return &Tracker{
		window:  window,
		current: Healthy,
		bus:     b,
		now:     time.Now,
	}
}

// Change is the payload for health change events.
type Change struct {
	From State
	To   State
}

// RecordFailure adds a failure to the window.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, t.now())
	t.recompute()
}

// RecordSuccess removes the oldest failure from consideration.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failures) > 0 {
		t.failures = t.failures[1:]
	}
	t.recompute()
}

// State returns the current health state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recompute()
	return t.current
}

// BackoffDelay returns the pause callers insert before their next attempt.
// Zero while healthy.
func (t *Tracker) BackoffDelay() time.Duration {
	if t.State() == Healthy {
		return 0
	}
	return degradedBackoff
}

// recompute prunes expired failures and derives the state.
// Caller must hold t.mu.
func (t *Tracker) recompute() {
	cutoff := t.now().Add(-t.window)
	kept := t.failures[:0]
	for _, f := range t.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	t.failures = kept

	next := Healthy
	switch {
	case len(t.failures) >= blockedThreshold:
		next = Blocked
	case len(t.failures) >= degradedThreshold:
		next = Degraded
	case len(t.failures) > 0:
		// Below the degraded threshold the previous non-blocked state holds;
		// only an empty window returns to Healthy.
		if t.current == Blocked {
			next = Degraded
		} else {
			next = t.current
		}
	}

	if next != t.current {
		from := t.current
		t.current = next
		if t.bus != nil {
			t.bus.Publish(bus.Event{
				Kind:    bus.KindHealthChanged,
				Payload: Change{From: from, To: next},
			})
		}
	}
}
