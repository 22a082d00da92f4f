package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	model "github.com/aroproduction/embot-server/internal/model/chat"
	aiservice "github.com/aroproduction/embot-server/internal/service/ai"
	chatservice "github.com/aroproduction/embot-server/internal/service/chat"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
	"github.com/aroproduction/embot-server/pkg/utils"
)

// Handler streams AI responses over Server-Sent Events.
type Handler struct {
	aiSvc   *aiservice.Service
	chatSvc *chatservice.Service
	tracker *emotionservice.Tracker
}

// New creates a stream handler.
func New(aiSvc *aiservice.Service, chatSvc *chatservice.Service, tracker *emotionservice.Tracker) *Handler {
	return &Handler{
		aiSvc:   aiSvc,
		chatSvc: chatSvc,
		tracker: tracker,
	}
}

// RegisterRoutes mounts the streaming chat endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/{sessionID}/stream", h.handleStream)
}

// StreamResponse is one streamed chunk.
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
}

type streamRequest struct {
	Message string `json:"message"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userMessage := strings.TrimSpace(req.Message)
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The same in-flight latch as the REST dispatch endpoint: one AI request
	// per session at a time, released on every exit path.
	if err := h.chatSvc.AcquireBusy(sessionID); err != nil {
		utils.RespondError(w, http.StatusConflict, "a response is already being generated for this session")
		return
	}
	defer h.chatSvc.ReleaseBusy(sessionID)

	utils.SetupSSEHeaders(w)

	history, err := h.chatSvc.LoadTranscript(r.Context(), sessionID)
	if err != nil {
		h.sendSSE(w, flusher, StreamResponse{Event: "error", SessionID: sessionID, Content: "failed to load conversation"})
		return
	}

	// The client may have persisted the message via REST already; avoid
	// storing it twice.
	if !hasMatchingUserMessage(history, userMessage) {
		saved, err := h.chatSvc.SaveMessage(r.Context(), model.Message{
			SessionID: sessionID,
			Role:      model.RoleUser,
			Content:   userMessage,
		})
		if err != nil {
			log.Printf("[stream] failed to save user message: %v", err)
		} else {
			history = append(history, saved)
		}
	} else {
		// The prompt history must not contain the message being answered.
		history = history[:len(history)-1]
	}

	h.sendSSE(w, flusher, StreamResponse{Event: "start", SessionID: sessionID})

	response, err := h.dispatchAIResponse(r.Context(), w, flusher, sessionID, history, userMessage)
	fallback := false
	content := ""
	if err != nil || response == nil || strings.TrimSpace(response.Content) == "" {
		if err != nil {
			log.Printf("[stream] AI generation failed session=%s: %v", sessionID, err)
		}
		fallback = true
		content = chatservice.FallbackReply
		h.sendSSE(w, flusher, StreamResponse{
			Event:     "message",
			SessionID: sessionID,
			Content:   content,
			Fallback:  true,
		})
	} else {
		content = response.Content
	}

	emotion := string(h.tracker.Current(sessionID))
	if _, err := h.chatSvc.SaveMessage(r.Context(), model.Message{
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Content:   content,
		Emotion:   emotion,
	}); err != nil {
		log.Printf("[stream] failed to save assistant message: %v", err)
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Emotion:   emotion,
		Fallback:  fallback,
		Finished:  true,
	})

	log.Printf("[stream] completed response session=%s fallback=%v", sessionID, fallback)
}

// dispatchAIResponse generates the reply, streaming deltas when the provider
// supports it. A terminal "message" event always carries the full content.
func (h *Handler) dispatchAIResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, history []model.Message, userMessage string) (*schema.Message, error) {
	if h.aiSvc.StreamingEnabled() {
		return h.streamAIResponse(ctx, w, flusher, sessionID, history, userMessage)
	}

	response, err := h.aiSvc.GenerateResponse(ctx, sessionID, history, userMessage)
	if err != nil {
		return nil, err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   response.Content,
	})
	return response, nil
}

func (h *Handler) streamAIResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, history []model.Message, userMessage string) (*schema.Message, error) {
	stream, err := h.aiSvc.StreamResponse(ctx, sessionID, history, userMessage)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			h.sendSSE(w, flusher, StreamResponse{
				Event:     "delta",
				SessionID: sessionID,
				Content:   chunk.Content,
			})
		}
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   response.Content,
	})
	return response, nil
}

func hasMatchingUserMessage(messages []model.Message, content string) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	return last.Role == model.RoleUser && last.Content == content
}

func (h *Handler) sendSSE(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	utils.SendSSEChunk(w, flusher, response)
}
