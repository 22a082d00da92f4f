package chat_test

import (
	"context"
	"errors"
	"testing"

	model "github.com/aroproduction/embot-server/internal/model/chat"
	chat "github.com/aroproduction/embot-server/internal/service/chat"
)

func TestServiceGetSession(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}

	if got.ID != session.ID {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID, session.ID)
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := chat.NewService()

	if _, err := svc.GetSession(context.Background(), "missing"); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSaveMessageRejectsSystemRole(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx)
	_, err := svc.SaveMessage(ctx, model.Message{
		SessionID: session.ID,
		Role:      model.RoleSystem,
		Content:   "should never persist",
	})
	if !errors.Is(err, chat.ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole, got %v", err)
	}

	transcript, _ := svc.LoadTranscript(ctx, session.ID)
	if len(transcript) != 0 {
		t.Fatalf("transcript should stay empty, has %d messages", len(transcript))
	}
}

func TestClearTranscriptKeepsSession(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx)
	if _, err := svc.SaveMessage(ctx, model.Message{SessionID: session.ID, Role: model.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("SaveMessage err: %v", err)
	}

	if err := svc.ClearTranscript(ctx, session.ID); err != nil {
		t.Fatalf("ClearTranscript err: %v", err)
	}

	transcript, err := svc.LoadTranscript(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadTranscript err: %v", err)
	}
	if len(transcript) != 0 {
		t.Fatalf("expected empty transcript, got %d messages", len(transcript))
	}

	if _, err := svc.GetSession(ctx, session.ID); err != nil {
		t.Fatalf("session should survive clear: %v", err)
	}
}

func TestBusyLatchSerializesDispatch(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx)
	if err := svc.AcquireBusy(session.ID); err != nil {
		t.Fatalf("first acquire err: %v", err)
	}
	if err := svc.AcquireBusy(session.ID); !errors.Is(err, chat.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	svc.ReleaseBusy(session.ID)
	if err := svc.AcquireBusy(session.ID); err != nil {
		t.Fatalf("acquire after release err: %v", err)
	}
}
