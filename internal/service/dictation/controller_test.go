package dictation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aroproduction/embot-server/internal/service/dictation"
)

// fakeRecognizer records start/stop calls and can fail on demand.
type fakeRecognizer struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (f *fakeRecognizer) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeRecognizer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeRecognizer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func TestStartFailureStaysIdle(t *testing.T) {
	rec := &fakeRecognizer{startErr: errors.New("permission denied")}
	ctrl := dictation.NewController(rec, 10*time.Millisecond)

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}

	snap := ctrl.Snapshot()
	if snap.State != dictation.StateIdle {
		t.Fatalf("expected idle after failed start, got %s", snap.State)
	}
	if snap.Reason == "" {
		t.Fatal("expected a human-readable reason")
	}
}

func TestResultsAppendSpaceJoined(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, 10*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.Result("hello")
	ctrl.Result("  world ")
	ctrl.Result("")

	if got := ctrl.Input(); got != "hello world" {
		t.Fatalf("unexpected input: %q", got)
	}

	if got := ctrl.TakeInput(); got != "hello world" {
		t.Fatalf("unexpected taken input: %q", got)
	}
	if got := ctrl.Input(); got != "" {
		t.Fatalf("input should be empty after take, got %q", got)
	}
}

func TestNetworkErrorReconnectsOnce(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, 20*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	ctrl.RecognitionError(dictation.ErrorNetwork)
	// A second network error during the same outage must not stack retries.
	ctrl.RecognitionError(dictation.ErrorNetwork)

	snap := ctrl.Snapshot()
	if snap.State != dictation.StateListening {
		t.Fatalf("network error must not force idle, got %s", snap.State)
	}
	if !snap.Reconnecting {
		t.Fatal("expected reconnecting sub-state")
	}

	time.Sleep(60 * time.Millisecond)

	starts, stops := rec.counts()
	if starts != 2 || stops != 1 {
		t.Fatalf("expected exactly one stop+start cycle, got starts=%d stops=%d", starts, stops)
	}

	snap = ctrl.Snapshot()
	if snap.State != dictation.StateListening || snap.Reconnecting {
		t.Fatalf("expected listening with reconnecting cleared, got %+v", snap)
	}
}

func TestResultClearsReconnecting(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, time.Minute)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.RecognitionError(dictation.ErrorNetwork)
	ctrl.Result("still here")

	if snap := ctrl.Snapshot(); snap.Reconnecting {
		t.Fatal("a successful result should clear the reconnecting flag")
	}
}

func TestFatalErrorForcesIdle(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, 10*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.RecognitionError(dictation.ErrorNotAllowed)

	snap := ctrl.Snapshot()
	if snap.State != dictation.StateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
	if snap.Reconnecting {
		t.Fatal("reconnecting while idle must be unrepresentable")
	}
	if snap.Reason == "" {
		t.Fatal("expected a reason for the forced stop")
	}
}

func TestSpontaneousEndRestarts(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, 10*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.Ended()

	time.Sleep(40 * time.Millisecond)

	starts, _ := rec.counts()
	if starts != 2 {
		t.Fatalf("expected auto-restart after spontaneous end, starts=%d", starts)
	}
	if snap := ctrl.Snapshot(); snap.State != dictation.StateListening {
		t.Fatalf("expected listening, got %s", snap.State)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, 20*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.RecognitionError(dictation.ErrorNetwork)
	ctrl.Stop()

	time.Sleep(60 * time.Millisecond)

	starts, _ := rec.counts()
	if starts != 1 {
		t.Fatalf("pending restart must not fire after Stop, starts=%d", starts)
	}
	if snap := ctrl.Snapshot(); snap.State != dictation.StateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
}

// gatedRecognizer tracks whether a session is running and can hold one
// designated call open so a user action can land mid-restart.
type gatedRecognizer struct {
	mu              sync.Mutex
	running         bool
	starts          int
	gateSecondStart bool
	gateFirstStop   bool
	reached         chan struct{}
	release         chan struct{}
}

func newGatedRecognizer() *gatedRecognizer {
	return &gatedRecognizer{
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *gatedRecognizer) Start(context.Context) error {
	f.mu.Lock()
	f.starts++
	gate := f.gateSecondStart && f.starts == 2
	f.mu.Unlock()
	if gate {
		close(f.reached)
		<-f.release
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *gatedRecognizer) Stop() {
	f.mu.Lock()
	gate := f.gateFirstStop
	f.gateFirstStop = false
	f.mu.Unlock()
	if gate {
		close(f.reached)
		<-f.release
	}
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *gatedRecognizer) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func TestStopDuringNetworkRestartLeavesRecognizerStopped(t *testing.T) {
	rec := newGatedRecognizer()
	rec.gateFirstStop = true
	ctrl := dictation.NewController(rec, 5*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.RecognitionError(dictation.ErrorNetwork)

	// The recovery timer has fired and is mid-stop; the user stops now.
	<-rec.reached
	ctrl.Stop()
	close(rec.release)

	time.Sleep(100 * time.Millisecond)

	if rec.isRunning() {
		t.Fatal("recognizer left running after user Stop during restart")
	}
	if snap := ctrl.Snapshot(); snap.State != dictation.StateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
}

func TestStopDuringAutoRestartLeavesRecognizerStopped(t *testing.T) {
	rec := newGatedRecognizer()
	rec.gateSecondStart = true
	ctrl := dictation.NewController(rec, 5*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.Ended()

	// The re-arm timer is inside the recognizer start; the user stops now.
	<-rec.reached
	ctrl.Stop()
	close(rec.release)

	time.Sleep(100 * time.Millisecond)

	if rec.isRunning() {
		t.Fatal("recognizer left running after user Stop during auto-restart")
	}
	if snap := ctrl.Snapshot(); snap.State != dictation.StateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
}

func TestCloseCancelsTimersAndStops(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := dictation.NewController(rec, 20*time.Millisecond)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	ctrl.Ended()
	ctrl.Close()

	time.Sleep(60 * time.Millisecond)

	starts, stops := rec.counts()
	if starts != 1 {
		t.Fatalf("zombie restart fired after Close, starts=%d", starts)
	}
	if stops == 0 {
		t.Fatal("Close must stop the recognizer")
	}

	if err := ctrl.Start(context.Background()); !errors.Is(err, dictation.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
