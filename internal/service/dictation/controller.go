package dictation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// State is the controller's top-level state. Reconnecting is a sub-state of
// Listening and is reported separately so "reconnecting while idle" is
// unrepresentable.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// ErrorKind classifies recognizer failures. Network errors are transient and
// recovered with a single delayed restart; everything else is fatal and
// forces the controller idle.
type ErrorKind string

const (
	ErrorNetwork    ErrorKind = "network"
	ErrorNotAllowed ErrorKind = "not-allowed"
	ErrorAborted    ErrorKind = "aborted"
	ErrorUnknown    ErrorKind = "unknown"
)

// DefaultRestartDelay is the pause before a stop+start cycle, both for
// network recovery and for re-arming a recognizer that ended on its own.
const DefaultRestartDelay = 500 * time.Millisecond

var ErrClosed = errors.New("dictation controller is closed")

// Recognizer abstracts the underlying speech recognizer session. Start may
// fail (typically a microphone permission denial); Stop must be safe to call
// on an already-stopped recognizer.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop()
}

// Snapshot is a point-in-time view of the controller for observers.
type Snapshot struct {
	State        State  `json:"state"`
	Reconnecting bool   `json:"reconnecting"`
	Input        string `json:"input"`
	Reason       string `json:"reason,omitempty"`
}

// Controller supervises a non-continuous recognizer into an effectively
// continuous dictation session. All timers are guarded by a generation
// token: Stop and Close bump the generation so a pending restart can never
// fire against a session the caller already tore down.
type Controller struct {
	mu           sync.Mutex
	recognizer   Recognizer
	restartDelay time.Duration
	onChange     func(Snapshot)

	ctx          context.Context
	state        State
	reconnecting bool
	generation   int
	restartTimer *time.Timer
	input        []string
	reason       string
	closed       bool
}

// NewController builds an idle controller around the given recognizer. A
// non-positive delay falls back to DefaultRestartDelay.
func NewController(recognizer Recognizer, restartDelay time.Duration) *Controller {
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	return &Controller{
		recognizer:   recognizer,
		restartDelay: restartDelay,
		state:        StateIdle,
	}
}

// OnChange registers a single observer notified after every state change.
// The callback runs without the controller lock held.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Start transitions idle→listening. A recognizer start failure (permission
// denial) keeps the controller idle and is surfaced to the caller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateListening {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Start outside the lock: acquiring the device may block.
	if err := c.recognizer.Start(ctx); err != nil {
		c.mu.Lock()
		c.reason = "microphone access was denied or is unavailable"
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snapshot)
		return fmt.Errorf("recognizer start: %w", err)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.state = StateListening
	c.reconnecting = false
	c.reason = ""
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snapshot)
	return nil
}

// Stop transitions listening→idle on user request and cancels any pending
// restart timer.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.toIdleLocked("")
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.recognizer.Stop()
	c.emit(snapshot)
}

// Result feeds a recognized utterance. Utterances append space-joined to the
// existing input content; a successful result clears the reconnecting flag.
func (c *Controller) Result(text string) {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	if c.state != StateListening || text == "" {
		c.mu.Unlock()
		return
	}
	c.input = append(c.input, text)
	c.reconnecting = false
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snapshot)
}

// RecognitionError handles a recognizer failure. Network errors keep the
// controller logically listening, mark it reconnecting and schedule exactly
// one delayed stop+start cycle; all other kinds force idle with a
// human-readable reason.
func (c *Controller) RecognitionError(kind ErrorKind) {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return
	}

	if kind == ErrorNetwork {
		if c.reconnecting {
			// The single retry for this outage is already scheduled.
			c.mu.Unlock()
			return
		}
		c.reconnecting = true
		c.scheduleLocked(c.restartCycle)
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snapshot)
		return
	}

	c.toIdleLocked(reasonFor(kind))
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.recognizer.Stop()
	c.emit(snapshot)
}

// Ended handles the recognizer finishing on its own, a native behavior of
// non-continuous recognition. While listening and outside a network outage
// it is re-armed after a short delay, producing a continuous session.
func (c *Controller) Ended() {
	c.mu.Lock()
	if c.state != StateListening || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.scheduleLocked(c.restartOnly)
	c.mu.Unlock()
}

// Input returns the accumulated dictation text.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.input, " ")
}

// SetInput replaces the accumulated text, mirroring the user editing the
// text field directly.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	if text == "" {
		c.input = nil
	} else {
		c.input = []string{text}
	}
	c.mu.Unlock()
}

// TakeInput returns the accumulated text and resets the buffer, used when
// the input is submitted to chat.
func (c *Controller) TakeInput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := strings.Join(c.input, " ")
	c.input = nil
	return text
}

// Snapshot reports the current controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close tears the controller down: the recognizer is stopped and all pending
// timers are cancelled so no zombie restart fires afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasListening := c.state == StateListening
	c.toIdleLocked("")
	c.mu.Unlock()

	if wasListening {
		c.recognizer.Stop()
	}
}

// toIdleLocked performs the common idle transition: bump the generation so
// in-flight timers become no-ops, cancel the timer, clear sub-state.
func (c *Controller) toIdleLocked(reason string) {
	c.generation++
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	c.state = StateIdle
	c.reconnecting = false
	c.reason = reason
}

// scheduleLocked arms the restart timer with the current generation token.
func (c *Controller) scheduleLocked(fn func(generation int)) {
	generation := c.generation
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.restartTimer = time.AfterFunc(c.restartDelay, func() { fn(generation) })
}

// restartCycle is the network-recovery path: one stop+start while remaining
// logically listening. The reconnecting flag clears after the attempt.
func (c *Controller) restartCycle(generation int) {
	c.mu.Lock()
	if generation != c.generation || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.recognizer.Stop()

	// Re-check between the stop and the start: a user Stop may have landed
	// while the recognizer was stopping, and starting it again would revive
	// a session the caller already ended.
	c.mu.Lock()
	if generation != c.generation || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	err := c.recognizer.Start(ctx)

	c.mu.Lock()
	if generation != c.generation || c.state != StateListening {
		c.mu.Unlock()
		if err == nil {
			c.recognizer.Stop()
		}
		return
	}
	c.reconnecting = false
	if err != nil {
		log.Printf("[dictation] restart after network error failed: %v", err)
		c.toIdleLocked(reasonFor(ErrorUnknown))
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snapshot)
}

// restartOnly re-arms a recognizer that ended spontaneously.
func (c *Controller) restartOnly(generation int) {
	c.mu.Lock()
	if generation != c.generation || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	err := c.recognizer.Start(ctx)

	c.mu.Lock()
	if generation != c.generation || c.state != StateListening {
		c.mu.Unlock()
		if err == nil {
			c.recognizer.Stop()
		}
		return
	}
	if err != nil {
		log.Printf("[dictation] auto-restart failed: %v", err)
		c.toIdleLocked(reasonFor(ErrorUnknown))
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snapshot)
		return
	}
	c.mu.Unlock()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:        c.state,
		Reconnecting: c.reconnecting,
		Input:        strings.Join(c.input, " "),
		Reason:       c.reason,
	}
}

func (c *Controller) emit(snapshot Snapshot) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func reasonFor(kind ErrorKind) string {
	switch kind {
	case ErrorNotAllowed:
		return "microphone access was denied or is unavailable"
	case ErrorAborted:
		return "dictation was interrupted"
	default:
		return "speech recognition failed, please try again"
	}
}
