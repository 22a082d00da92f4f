package dictation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/aroproduction/embot-server/internal/service/chat"
	"github.com/aroproduction/embot-server/internal/service/dictation"
)

func TestErrorKindMapping(t *testing.T) {
	cases := map[string]dictation.ErrorKind{
		"network":             dictation.ErrorNetwork,
		"not-allowed":         dictation.ErrorNotAllowed,
		"service-not-allowed": dictation.ErrorNotAllowed,
		"aborted":             dictation.ErrorAborted,
		"something-else":      dictation.ErrorUnknown,
	}
	for raw, want := range cases {
		if got := errorKind(raw); got != want {
			t.Fatalf("errorKind(%q) = %s, want %s", raw, got, want)
		}
	}
}

type wsMessage struct {
	Type    string             `json:"type"`
	Command string             `json:"command,omitempty"`
	Text    string             `json:"text,omitempty"`
	Data    dictation.Snapshot `json:"data,omitempty"`
}

func dialDictation(t *testing.T, restartDelay time.Duration) *websocket.Conn {
	t.Helper()

	chatSvc := chatservice.NewService()
	session, err := chatSvc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	r := chi.NewRouter()
	New(chatSvc, restartDelay).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/dictation/" + session.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read err: %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, payload map[string]string) {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write err: %v", err)
	}
}

func TestDictationSessionOverWebSocket(t *testing.T) {
	conn := dialDictation(t, 30*time.Millisecond)

	if msg := readMessage(t, conn); msg.Type != "state" || msg.Data.State != dictation.StateIdle {
		t.Fatalf("expected initial idle state, got %+v", msg)
	}

	send(t, conn, map[string]string{"type": "start"})
	if msg := readMessage(t, conn); msg.Type != "command" || msg.Command != "start" {
		t.Fatalf("expected start command, got %+v", msg)
	}
	if msg := readMessage(t, conn); msg.Type != "state" || msg.Data.State != dictation.StateListening {
		t.Fatalf("expected listening state, got %+v", msg)
	}

	send(t, conn, map[string]string{"type": "result", "text": "hello"})
	if msg := readMessage(t, conn); msg.Type != "state" || msg.Data.Input != "hello" {
		t.Fatalf("expected input hello, got %+v", msg)
	}

	send(t, conn, map[string]string{"type": "result", "text": "world"})
	if msg := readMessage(t, conn); msg.Data.Input != "hello world" {
		t.Fatalf("expected space-joined input, got %+v", msg)
	}

	send(t, conn, map[string]string{"type": "take_input"})
	if msg := readMessage(t, conn); msg.Type != "input" || msg.Text != "hello world" {
		t.Fatalf("expected taken input, got %+v", msg)
	}

	send(t, conn, map[string]string{"type": "stop"})
	if msg := readMessage(t, conn); msg.Type != "command" || msg.Command != "stop" {
		t.Fatalf("expected stop command, got %+v", msg)
	}
	if msg := readMessage(t, conn); msg.Type != "state" || msg.Data.State != dictation.StateIdle {
		t.Fatalf("expected idle state after stop, got %+v", msg)
	}
}

func TestNetworkErrorTriggersRestartCycle(t *testing.T) {
	conn := dialDictation(t, 30*time.Millisecond)

	readMessage(t, conn) // initial idle state

	send(t, conn, map[string]string{"type": "start"})
	readMessage(t, conn) // start command
	readMessage(t, conn) // listening state

	send(t, conn, map[string]string{"type": "error", "error": "network"})
	if msg := readMessage(t, conn); msg.Type != "state" || !msg.Data.Reconnecting || msg.Data.State != dictation.StateListening {
		t.Fatalf("expected reconnecting listening state, got %+v", msg)
	}

	// The delayed recovery issues exactly one stop+start cycle.
	if msg := readMessage(t, conn); msg.Type != "command" || msg.Command != "stop" {
		t.Fatalf("expected stop command, got %+v", msg)
	}
	if msg := readMessage(t, conn); msg.Type != "command" || msg.Command != "start" {
		t.Fatalf("expected start command, got %+v", msg)
	}
	if msg := readMessage(t, conn); msg.Type != "state" || msg.Data.Reconnecting || msg.Data.State != dictation.StateListening {
		t.Fatalf("expected reconnecting cleared while listening, got %+v", msg)
	}
}
