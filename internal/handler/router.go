package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chathandler "github.com/aroproduction/embot-server/internal/handler/chat"
	dictationhandler "github.com/aroproduction/embot-server/internal/handler/dictation"
	emotionhandler "github.com/aroproduction/embot-server/internal/handler/emotion"
	streamhandler "github.com/aroproduction/embot-server/internal/handler/stream"
	middlewarePkg "github.com/aroproduction/embot-server/internal/middleware"
	aiservice "github.com/aroproduction/embot-server/internal/service/ai"
	chatservice "github.com/aroproduction/embot-server/internal/service/chat"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
	"github.com/aroproduction/embot-server/pkg/utils"
)

// NewRouter wires HTTP routes to core services. aiSvc may be nil; the server
// then runs degraded with the AI-backed endpoints answering 503.
func NewRouter(chatSvc *chatservice.Service, tracker *emotionservice.Tracker, dispatcher *chatservice.Dispatcher, aiSvc *aiservice.Service, dictationRestartDelay time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chathandler.New(chatSvc, dispatcher)
	emotionHandler := emotionhandler.New(tracker, chatSvc)
	dictationHandler := dictationhandler.New(chatSvc, dictationRestartDelay)

	var streamHandler *streamhandler.Handler
	if aiSvc != nil {
		streamHandler = streamhandler.New(aiSvc, chatSvc, tracker)
	}

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		emotionHandler.RegisterRoutes(api)
		dictationHandler.RegisterRoutes(api)

		if streamHandler != nil {
			streamHandler.RegisterRoutes(api)
		} else {
			api.Post("/chat/{sessionID}/stream", func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
			})
		}
	})

	return r
}
