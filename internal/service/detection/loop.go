package detection

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/aroproduction/embot-server/internal/analysis/emotion"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
)

// Source yields per-frame expression scores. NextFrame blocks until a frame
// is available, the source is exhausted (io.EOF) or ctx is cancelled.
type Source interface {
	NextFrame(ctx context.Context) (emotion.Scores, error)
}

// Loop drives frame analysis for one session. Exactly one frame is in flight
// at a time: the next NextFrame call is issued only after the previous
// frame's promotion has completed, so cycles never overlap.
type Loop struct {
	sessionID string
	source    Source
	tracker   *emotionservice.Tracker
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	onReading func(emotion.Reading, bool)
}

// NewLoop pairs a frame source with the emotion tracker.
func NewLoop(sessionID string, source Source, tracker *emotionservice.Tracker) *Loop {
	return &Loop{
		sessionID: sessionID,
		source:    source,
		tracker:   tracker,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnReading registers an observer invoked after each processed frame with
// the reduced reading and whether it was promoted. Must be set before Run.
func (l *Loop) OnReading(fn func(emotion.Reading, bool)) {
	l.onReading = fn
}

// Run consumes frames until the source ends, ctx is cancelled or Stop is
// called. It returns nil on clean shutdown.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer close(l.done)
	defer cancel()

	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		scores, err := l.source.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			// Stopped between delivery and processing: the frame is dropped,
			// never promoted.
			return nil
		default:
		}

		reading, promoted := l.tracker.Promote(l.sessionID, scores)
		if promoted {
			log.Printf("[detection] session=%s emotion=%s confidence=%.2f", l.sessionID, reading.Label, reading.Confidence)
		}
		if l.onReading != nil {
			l.onReading(reading, promoted)
		}
	}
}

// Stop cancels the pending NextFrame call; no further promotions happen once
// the loop has drained. Safe to call at any time, including before Run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
