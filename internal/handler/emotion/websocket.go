package emotion

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	analysis "github.com/aroproduction/embot-server/internal/analysis/emotion"
	chatservice "github.com/aroproduction/embot-server/internal/service/chat"
	"github.com/aroproduction/embot-server/internal/service/detection"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
)

const readTimeout = 60 * time.Second

// FrameStreamHandler runs a detection loop over a websocket frame feed. One
// frame is processed per message; the next read is issued only after the
// previous frame's promotion completed, matching the loop's no-overlap rule.
type FrameStreamHandler struct {
	tracker  *emotionservice.Tracker
	chatSvc  *chatservice.Service
	upgrader websocket.Upgrader
}

// NewFrameStreamHandler creates the websocket frame handler.
func NewFrameStreamHandler(tracker *emotionservice.Tracker, chatSvc *chatservice.Service) *FrameStreamHandler {
	return &FrameStreamHandler{
		tracker: tracker,
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type frameMessage struct {
	Type   string             `json:"type"`
	Scores map[string]float64 `json:"scores,omitempty"`
}

// socketSource adapts the websocket into a detection.Source.
type socketSource struct {
	conn *websocket.Conn
}

func (s *socketSource) NextFrame(ctx context.Context) (analysis.Scores, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg frameMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[emotion-ws] read error: %v", err)
			}
			return nil, io.EOF
		}

		switch msg.Type {
		case "frame":
			return toScores(msg.Scores), nil
		case "stop":
			// Client stopped the camera stream: end the loop cleanly.
			return nil, io.EOF
		default:
			// Unknown message types are skipped, not fatal.
		}
	}
}

func (h *FrameStreamHandler) handleFrameStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[emotion-ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[emotion-ws] frame stream opened session=%s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Closing the connection on ctx teardown unblocks a pending read.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	loop := detection.NewLoop(sessionID, &socketSource{conn: conn}, h.tracker)
	loop.OnReading(func(reading analysis.Reading, promoted bool) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(map[string]any{
			"type":       "reading",
			"label":      reading.Label,
			"confidence": reading.Confidence,
			"promoted":   promoted,
			"emotion":    h.tracker.Current(sessionID),
		}); err != nil {
			log.Printf("[emotion-ws] write failed: %v", err)
		}
	})

	if err := loop.Run(ctx); err != nil {
		log.Printf("[emotion-ws] loop ended with error session=%s: %v", sessionID, err)
	}

	log.Printf("[emotion-ws] frame stream closed session=%s", sessionID)
}
