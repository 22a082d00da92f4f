package emotion

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	analysis "github.com/aroproduction/embot-server/internal/analysis/emotion"
	chatservice "github.com/aroproduction/embot-server/internal/service/chat"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
	"github.com/aroproduction/embot-server/pkg/utils"
)

// Handler accepts per-frame expression scores and reports the tracked
// emotion for a session.
type Handler struct {
	tracker *emotionservice.Tracker
	chatSvc *chatservice.Service
}

// New creates the emotion handler.
func New(tracker *emotionservice.Tracker, chatSvc *chatservice.Service) *Handler {
	return &Handler{tracker: tracker, chatSvc: chatSvc}
}

// RegisterRoutes mounts the emotion endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/emotion/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleCurrent)
		r.Post("/frames", h.handleFrame)

		ws := NewFrameStreamHandler(h.tracker, h.chatSvc)
		r.Get("/ws", ws.handleFrameStream)
	})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"emotion": h.tracker.Current(sessionID),
	})
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	var payload struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(payload.Scores) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "scores are required")
		return
	}

	reading, promoted := h.tracker.Promote(sessionID, toScores(payload.Scores))

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"label":      reading.Label,
		"confidence": reading.Confidence,
		"promoted":   promoted,
		"emotion":    h.tracker.Current(sessionID),
	})
}

// toScores maps raw JSON keys onto the fixed label set; unknown labels are
// dropped here so the reduction never sees them.
func toScores(raw map[string]float64) analysis.Scores {
	scores := make(analysis.Scores, len(raw))
	for key, value := range raw {
		label := analysis.Label(key)
		if label.Valid() {
			scores[label] = value
		}
	}
	return scores
}
