package dictation

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/aroproduction/embot-server/internal/service/chat"
	"github.com/aroproduction/embot-server/internal/service/dictation"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler runs one dictation controller per websocket connection. The
// browser owns the actual recognizer; it forwards recognizer events upward
// and receives start/stop commands plus controller state downward.
type Handler struct {
	chatSvc      *chatservice.Service
	restartDelay time.Duration
	upgrader     websocket.Upgrader
}

// New creates the dictation handler.
func New(chatSvc *chatservice.Service, restartDelay time.Duration) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		restartDelay: restartDelay,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the dictation websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/dictation/{sessionID}/ws", h.handleWebSocket)
}

type inboundEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// socketWriter serializes writes: controller callbacks fire from timer
// goroutines concurrently with the read loop's replies.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *socketWriter) send(payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(payload); err != nil {
		log.Printf("[dictation-ws] write failed: %v", err)
	}
}

func (w *socketWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// remoteRecognizer drives the browser's recognizer through commands. The
// permission-failure path is reported back by the client as a not-allowed
// error event rather than a Start error, so Start itself only fails when the
// connection is gone.
type remoteRecognizer struct {
	writer *socketWriter
}

func (r *remoteRecognizer) Start(context.Context) error {
	r.writer.send(map[string]string{"type": "command", "command": "start"})
	return nil
}

func (r *remoteRecognizer) Stop() {
	r.writer.send(map[string]string{"type": "command", "command": "stop"})
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[dictation-ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[dictation-ws] connection opened session=%s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := &socketWriter{conn: conn}
	controller := dictation.NewController(&remoteRecognizer{writer: writer}, h.restartDelay)
	// Teardown cancels any pending restart timer: a zombie restart may never
	// fire against a closed connection.
	defer controller.Close()

	controller.OnChange(func(snapshot dictation.Snapshot) {
		writer.send(map[string]any{"type": "state", "data": snapshot})
	})

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go h.pingLoop(ctx, writer)

	writer.send(map[string]any{"type": "state", "data": controller.Snapshot()})

	for {
		var event inboundEvent
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[dictation-ws] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		h.handleEvent(ctx, writer, controller, event)
	}
}

func (h *Handler) handleEvent(ctx context.Context, writer *socketWriter, controller *dictation.Controller, event inboundEvent) {
	switch event.Type {
	case "start":
		if err := controller.Start(ctx); err != nil {
			writer.send(map[string]any{"type": "state", "data": controller.Snapshot()})
		}
	case "stop":
		controller.Stop()
	case "result":
		controller.Result(event.Text)
	case "error":
		controller.RecognitionError(errorKind(event.Error))
	case "end":
		controller.Ended()
	case "set_input":
		controller.SetInput(event.Text)
		writer.send(map[string]any{"type": "state", "data": controller.Snapshot()})
	case "take_input":
		writer.send(map[string]any{"type": "input", "text": controller.TakeInput()})
	default:
		writer.send(map[string]string{"type": "error", "message": "unsupported event type: " + event.Type})
	}
}

func errorKind(raw string) dictation.ErrorKind {
	switch raw {
	case "network":
		return dictation.ErrorNetwork
	case "not-allowed", "service-not-allowed":
		return dictation.ErrorNotAllowed
	case "aborted":
		return dictation.ErrorAborted
	default:
		return dictation.ErrorUnknown
	}
}

func (h *Handler) pingLoop(ctx context.Context, writer *socketWriter) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.ping(); err != nil {
				return
			}
		}
	}
}
