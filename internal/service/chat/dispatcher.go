package chat

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/aroproduction/embot-server/internal/model/chat"
)

// FallbackReply masks every dispatch failure. The underlying error is logged
// but never surfaced in the transcript.
const FallbackReply = "Sorry, I had trouble processing your request. Please try again."

var ErrEmptyMessage = errors.New("message text is required")

// Responder produces an assistant reply from the prior transcript and the
// new user message. *ai.Service satisfies this.
type Responder interface {
	GenerateResponse(ctx context.Context, sessionID string, history []chat.Message, userMessage string) (*schema.Message, error)
}

// Dispatcher drives a single chat turn: optimistic user append, one AI call,
// assistant (or fallback) append. A per-session busy latch rejects
// submissions while a turn is in flight and is released on every exit path.
type Dispatcher struct {
	store     *Service
	responder Responder
}

// NewDispatcher wires the transcript store to a responder.
func NewDispatcher(store *Service, responder Responder) *Dispatcher {
	return &Dispatcher{store: store, responder: responder}
}

// Result carries the two messages appended by one dispatch.
type Result struct {
	User      chat.Message
	Assistant chat.Message
	// Fallback marks that the assistant message is the masked error reply.
	Fallback bool
}

// Dispatch handles a user submission. Empty or whitespace-only text is a
// no-op: nothing is appended and no request is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}

	if err := d.store.AcquireBusy(sessionID); err != nil {
		return Result{}, err
	}
	defer d.store.ReleaseBusy(sessionID)

	// History is captured before the optimistic append; the new user text
	// rides in the request's final slot, not in the history.
	history, err := d.store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	userMsg, err := d.store.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		Role:      chat.RoleUser,
		Content:   text,
	})
	if err != nil {
		return Result{}, err
	}

	replyText, fallback := d.generate(ctx, sessionID, history, text)

	assistantMsg, err := d.store.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		Role:      chat.RoleAssistant,
		Content:   replyText,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{User: userMsg, Assistant: assistantMsg, Fallback: fallback}, nil
}

func (d *Dispatcher) generate(ctx context.Context, sessionID string, history []chat.Message, text string) (string, bool) {
	if d.responder == nil {
		log.Printf("[chat] dispatch without responder session=%s", sessionID)
		return FallbackReply, true
	}

	response, err := d.responder.GenerateResponse(ctx, sessionID, history, text)
	if err != nil {
		log.Printf("[chat] dispatch failed session=%s: %v", sessionID, err)
		return FallbackReply, true
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		log.Printf("[chat] dispatch returned empty response session=%s", sessionID)
		return FallbackReply, true
	}
	return response.Content, false
}
