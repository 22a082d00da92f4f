package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/aroproduction/embot-server/internal/config"
	"github.com/aroproduction/embot-server/internal/handler"
	"github.com/aroproduction/embot-server/internal/service/ai"
	"github.com/aroproduction/embot-server/internal/service/chat"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
)

func main() {
	addr := pflag.String("addr", "", "listen address, overrides PORT")
	envFile := pflag.String("env-file", ".env", "path to the environment file")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("warning: failed to load %s: %v", *envFile, err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	tracker := emotionservice.NewTracker()
	chatService := chat.NewService()

	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, tracker, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - check the provider credentials")
		} else {
			log.Printf("AI service initialized provider=%s", cfg.AI.Provider)
		}
	} else {
		log.Println("no AI provider configured, chat endpoints will answer 503")
	}

	var dispatcher *chat.Dispatcher
	if aiService != nil {
		dispatcher = chat.NewDispatcher(chatService, aiService)
	}

	router := handler.NewRouter(chatService, tracker, dispatcher, aiService, cfg.Dictation.RestartDelay)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("embot backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
