package emotion

import (
	"sync"

	"github.com/aroproduction/embot-server/internal/analysis/emotion"
)

// Listener receives promoted emotion changes. Delivery is one-way: no
// acknowledgment, no backpressure.
type Listener func(sessionID string, label emotion.Label)

// Tracker holds the sticky "current emotion" per session. Readings below the
// confidence gate never touch the stored value; the last confident reading
// persists across low-confidence frames.
type Tracker struct {
	mu        sync.RWMutex
	current   map[string]emotion.Label
	listeners []Listener
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{current: make(map[string]emotion.Label)}
}

// Subscribe registers a listener for promoted readings. Listeners registered
// after startup race with in-flight promotions, so wiring happens before the
// first frame arrives.
func (t *Tracker) Subscribe(fn Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Promote reduces one frame's scores and, when the dominant reading clears
// the gate, replaces the session's current emotion. It returns the reading
// and whether it was promoted.
func (t *Tracker) Promote(sessionID string, scores emotion.Scores) (emotion.Reading, bool) {
	reading := emotion.Dominant(scores)
	if !reading.Confident() {
		return reading, false
	}

	t.mu.Lock()
	t.current[sessionID] = reading.Label
	listeners := t.listeners
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(sessionID, reading.Label)
	}
	return reading, true
}

// Current returns the session's emotion, defaulting to neutral before any
// confident reading has been observed.
func (t *Tracker) Current(sessionID string) emotion.Label {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if label, ok := t.current[sessionID]; ok {
		return label
	}
	return emotion.Neutral
}

// Forget drops the tracked emotion for a session, e.g. on session teardown.
// Clearing a chat transcript deliberately does NOT call this.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.current, sessionID)
	t.mu.Unlock()
}
