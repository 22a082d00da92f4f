package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/aroproduction/embot-server/internal/config"
	"github.com/aroproduction/embot-server/internal/model/chat"
	emotionservice "github.com/aroproduction/embot-server/internal/service/emotion"
)

// Service encapsulates AI-powered chat generation: a prompt template chain
// whose system slot is synthesized per request from the tracked emotion.
type Service struct {
	chatModel    model.ChatModel
	tracker      *emotionservice.Tracker
	cfg          config.AIConfig
	historyLimit int
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the AI service for the configured provider.
func NewService(ctx context.Context, tracker *emotionservice.Tracker, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}

	return &Service{
		chatModel:    chatModel,
		tracker:      tracker,
		cfg:          cfg,
		historyLimit: historyLimit,
		chain:        runnable,
	}, nil
}

// StreamingEnabled reports whether SSE streaming output is configured.
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// GenerateResponse runs one blocking inference for a session. The system
// message always reflects the emotion tracked at the moment of the call.
func (s *Service) GenerateResponse(ctx context.Context, sessionID string, history []chat.Message, userMessage string) (*schema.Message, error) {
	input := s.buildChainInput(sessionID, history, userMessage)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response session=%s emotion=%s length=%d", sessionID, s.tracker.Current(sessionID), len(response.Content))
	return response, nil
}

// StreamResponse streams AI response chunks via the configured chain.
func (s *Service) StreamResponse(ctx context.Context, sessionID string, history []chat.Message, userMessage string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	input := s.buildChainInput(sessionID, history, userMessage)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	return stream, nil
}

func (s *Service) buildChainInput(sessionID string, history []chat.Message, userMessage string) map[string]any {
	return map[string]any{
		"system":  BuildSystemPrompt(s.tracker.Current(sessionID)),
		"history": s.buildHistoryMessages(history),
		"query":   userMessage,
	}
}

// buildHistoryMessages trims the transcript to the configured limit and maps
// it into model messages. Only user and assistant turns are forwarded; the
// transcript never stores system messages, but the filter also drops any
// that might sneak in through older payloads.
func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > s.historyLimit {
		startIdx = len(messages) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}
