package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
)

type racingLog struct {
	*Service
	onHistory func()
	err       error
}

func (l *racingLog) History(ctx context.Context, limit int) ([]Message, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.onHistory != nil {
		l.onHistory()
	}
	return l.Service.History(ctx, limit)
}

func waitForMessages(t *testing.T, stream *Stream, count int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		messages := stream.Messages()
		if len(messages) >= count {
			return messages
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, have %d", count, len(messages))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamLoadsHistoryThenAppends(t *testing.T) {
	db := openTestDatabase(t)
	hub := realtime.NewHub(realtime.HubConfig{})
	service := newTestService(t, db, hub, 0)
	ctx := context.Background()

	if _, err := service.Send(ctx, "user-1", "before attach"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	appended := make(chan Message, 4)
	stream, err := NewStream(StreamConfig{
		Log:        service,
		Subscriber: hub,
		OnAppend: func(message Message) {
			appended <- message
		},
	})
	if err != nil {
		t.Fatalf("failed to build stream: %v", err)
	}
	defer stream.Close()
	if err := stream.Attach(ctx); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if messages := stream.Messages(); len(messages) != 1 || messages[0].Content != "before attach" {
		t.Fatalf("expected history to load, got %+v", messages)
	}

	if err := stream.Send(ctx, "user-2", "after attach"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case message := <-appended:
		if message.Content != "after attach" {
			t.Fatalf("unexpected appended message %+v", message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected append notification")
	}
	messages := waitForMessages(t, stream, 2)
	if messages[1].Content != "after attach" || messages[1].UserID != "user-2" {
		t.Fatalf("expected new message appended last, got %+v", messages)
	}
}

func TestStreamKeepsMessagesCommittedDuringAttachOnce(t *testing.T) {
	db := openTestDatabase(t)
	hub := realtime.NewHub(realtime.HubConfig{})
	service := newTestService(t, db, hub, 0)
	ctx := context.Background()

	log := &racingLog{Service: service}
	log.onHistory = func() {
		if _, err := service.Send(ctx, "user-1", "mid attach"); err != nil {
			t.Errorf("send failed: %v", err)
		}
	}
	stream, err := NewStream(StreamConfig{Log: log, Subscriber: hub})
	if err != nil {
		t.Fatalf("failed to build stream: %v", err)
	}
	defer stream.Close()
	if err := stream.Attach(ctx); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	if err := stream.Send(ctx, "user-1", "marker"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	messages := waitForMessages(t, stream, 2)
	time.Sleep(20 * time.Millisecond)
	messages = stream.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected the racing message once, got %d messages", len(messages))
	}
	if messages[0].Content != "mid attach" || messages[1].Content != "marker" {
		t.Fatalf("unexpected order %+v", messages)
	}
}

func TestStreamSendDoesNotAppendOptimistically(t *testing.T) {
	db := openTestDatabase(t)
	hub := realtime.NewHub(realtime.HubConfig{})
	service := newTestService(t, db, hub, 0)
	stream, err := NewStream(StreamConfig{Log: service, Subscriber: hub})
	if err != nil {
		t.Fatalf("failed to build stream: %v", err)
	}
	defer stream.Close()
	if err := stream.Attach(context.Background()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	if err := stream.Send(context.Background(), "user-1", "   "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if messages := stream.Messages(); len(messages) != 0 {
		t.Fatalf("expected no local append, got %+v", messages)
	}
}

func TestStreamAttachFailures(t *testing.T) {
	db := openTestDatabase(t)
	hub := realtime.NewHub(realtime.HubConfig{})
	service := newTestService(t, db, hub, 0)

	failing := &racingLog{Service: service, err: apperr.Persistence(opHistory, "query_failed", errors.New("timeout"))}
	stream, err := NewStream(StreamConfig{Log: failing, Subscriber: hub})
	if err != nil {
		t.Fatalf("failed to build stream: %v", err)
	}
	if err := stream.Attach(context.Background()); !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	select {
	case <-stream.Done():
	default:
		t.Fatalf("expected failed attach to finish the stream")
	}

	healthy, err := NewStream(StreamConfig{Log: service, Subscriber: hub})
	if err != nil {
		t.Fatalf("failed to build stream: %v", err)
	}
	if err := healthy.Attach(context.Background()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := healthy.Attach(context.Background()); !errors.Is(err, ErrStreamAttached) {
		t.Fatalf("expected ErrStreamAttached, got %v", err)
	}
	healthy.Close()
	select {
	case <-healthy.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected close to stop the stream")
	}
}

func TestNewStreamRequiresCollaborators(t *testing.T) {
	if _, err := NewStream(StreamConfig{}); err == nil {
		t.Fatalf("expected missing log to be rejected")
	}
}
