package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	next    realtime.Notifier
	changes []realtime.RowChange
}

func (n *recordingNotifier) NotifyChange(change realtime.RowChange) {
	n.changes = append(n.changes, change)
	if n.next != nil {
		n.next.NotifyChange(change)
	}
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, notifier realtime.Notifier, historyLimit int) *Service {
	t.Helper()
	clock := &steppingClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:     db,
		Notifier:     notifier,
		Clock:        clock.Now,
		HistoryLimit: historyLimit,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestSendAppendsTrimmedMessageAndNotifies(t *testing.T) {
	db := openTestDatabase(t)
	notifier := &recordingNotifier{}
	service := newTestService(t, db, notifier, 0)

	message, err := service.Send(context.Background(), "user-1", "  hello tavern  ")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if message.Content != "hello tavern" || message.UserID != "user-1" || message.ID == "" {
		t.Fatalf("unexpected message %+v", message)
	}
	if len(notifier.changes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.changes))
	}
	change := notifier.changes[0]
	if change.Type != realtime.ChangeInsert || change.Table != tableTavernMessages {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestSendRejectsBlankContentWithoutWriting(t *testing.T) {
	db := openTestDatabase(t)
	notifier := &recordingNotifier{}
	service := newTestService(t, db, notifier, 0)

	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := service.Send(context.Background(), "user-1", content); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", content, err)
		}
	}
	var count int64
	if err := db.Model(&Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 || len(notifier.changes) != 0 {
		t.Fatalf("expected no writes, got %d rows and %d notifications", count, len(notifier.changes))
	}
}

func TestSendRequiresAuthor(t *testing.T) {
	service := newTestService(t, openTestDatabase(t), nil, 0)
	if _, err := service.Send(context.Background(), " ", "hello"); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
}

func TestSendReportsStoreFailure(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil, 0)
	if err := db.Migrator().DropTable(&Message{}); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	_, err := service.Send(context.Background(), "user-1", "hello")
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if code := apperr.CodeOf(err); code != "chat.send.insert_failed" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestHistoryReturnsMostRecentOldestFirst(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil, 5)
	for index := 1; index <= 8; index++ {
		if _, err := service.Send(context.Background(), "user-1", fmt.Sprintf("message %d", index)); err != nil {
			t.Fatalf("send %d failed: %v", index, err)
		}
	}

	history, err := service.History(context.Background(), 3)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	expected := []string{"message 6", "message 7", "message 8"}
	if len(history) != len(expected) {
		t.Fatalf("expected %d messages, got %d", len(expected), len(history))
	}
	for index, message := range history {
		if message.Content != expected[index] {
			t.Fatalf("position %d: expected %q, got %q", index, expected[index], message.Content)
		}
	}

	clamped, err := service.History(context.Background(), 500)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(clamped) != 5 || clamped[0].Content != "message 4" {
		t.Fatalf("expected the limit to clamp to the five most recent, got %d starting %q", len(clamped), clamped[0].Content)
	}
}
