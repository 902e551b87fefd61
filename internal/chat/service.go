package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultHistoryLimit caps how many messages a history read returns.
	DefaultHistoryLimit = 100

	opSend    = "chat.send"
	opHistory = "chat.history"
)

// ServiceConfig wires the tavern message log.
type ServiceConfig struct {
	Database     *gorm.DB
	Notifier     realtime.Notifier
	IDProvider   ids.Provider
	Clock        func() time.Time
	HistoryLimit int
	Logger       *zap.Logger
}

// Service appends to and reads the tavern message log.
type Service struct {
	db           *gorm.DB
	notifier     realtime.Notifier
	ids          ids.Provider
	now          func() time.Time
	historyLimit int
	logger       *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("chat: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:           cfg.Database,
		notifier:     cfg.Notifier,
		ids:          idProvider,
		now:          clock,
		historyLimit: historyLimit,
		logger:       logger,
	}, nil
}

// Send appends content from userID. Whitespace-only content is rejected before any write.
func (s *Service) Send(ctx context.Context, userID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, apperr.Validation(opSend, "empty_content", nil)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Message{}, apperr.NotAuthenticated(opSend)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Message{}, apperr.Persistence(opSend, "id_failed", err)
	}
	message := Message{
		ID:        id,
		UserID:    userID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSend, "insert_failed", err, zap.String("user_id", userID))
		return Message{}, apperr.Persistence(opSend, "insert_failed", err)
	}
	s.notify(message)
	return message, nil
}

// History returns up to limit of the most recent messages, oldest first. Limits outside
// (0, history limit] are clamped to the configured history limit.
func (s *Service) History(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		s.logError(opHistory, "query_failed", err)
		return nil, apperr.Persistence(opHistory, "query_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

func (s *Service) notify(message Message) {
	if s.notifier == nil {
		return
	}
	change, err := realtime.NewRowChange(realtime.ChangeInsert, tableTavernMessages, message, nil, message.CreatedAt)
	if err != nil {
		s.logError("chat.notify", "encode_failed", err, zap.String("message_id", message.ID))
		return
	}
	s.notifier.NotifyChange(change)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
