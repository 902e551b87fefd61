package raid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opActiveSession   = "raid.active_session"
	opSession         = "raid.session"
	opCreateSession   = "raid.create_session"
	opCompleteSession = "raid.complete_session"
	opUpsertRewards   = "raid.upsert_rewards"
	opRewards         = "raid.rewards"

	postgresUniqueViolation = "23505"
)

var (
	// ErrActiveSessionExists reports that another participant already opened the node's raid.
	ErrActiveSessionExists = errors.New("raid: node already has an active session")
	// ErrSessionClosed reports that the session was completed before this write.
	ErrSessionClosed = errors.New("raid: session is no longer active")
)

// StoreConfig wires the raid record store.
type StoreConfig struct {
	Database   *gorm.DB
	Notifier   realtime.Notifier
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store persists raid sessions and rewards.
type Store struct {
	db       *gorm.DB
	notifier realtime.Notifier
	ids      ids.Provider
	now      func() time.Time
	logger   *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("raid: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:       cfg.Database,
		notifier: cfg.Notifier,
		ids:      idProvider,
		now:      clock,
		logger:   logger,
	}, nil
}

// ActiveSession returns the node's active session, if one exists.
func (s *Store) ActiveSession(ctx context.Context, nodeID string) (Session, bool, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND is_active = ?", nodeID, true).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, apperr.Persistence(opActiveSession, "query_failed", err)
	}
	return session, true, nil
}

// Session loads a session by id.
func (s *Store) Session(ctx context.Context, sessionID string) (Session, bool, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, apperr.Persistence(opSession, "query_failed", err)
	}
	return session, true, nil
}

// CreateSession opens an active session for nodeID. When the node already has one it
// returns ErrActiveSessionExists and leaves the existing session untouched.
func (s *Store) CreateSession(ctx context.Context, nodeID, challengeCode string) (Session, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Session{}, apperr.Persistence(opCreateSession, "id_failed", err)
	}
	session := Session{
		ID:            id,
		NodeID:        nodeID,
		ChallengeCode: challengeCode,
		IsActive:      true,
		StartedAt:     s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrActiveSessionExists
		}
		s.logError(opCreateSession, "insert_failed", err, zap.String("node_id", nodeID))
		return Session{}, apperr.Persistence(opCreateSession, "insert_failed", err)
	}
	s.notify(realtime.ChangeInsert, session)
	return session, nil
}

// CompleteSession records solution and closes the session. Only an active session can be
// completed; a closed one yields ErrSessionClosed.
func (s *Store) CompleteSession(ctx context.Context, sessionID, solution string) (Session, error) {
	completedAt := s.now().UTC()
	var session Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Session{}).
			Where("id = ? AND is_active = ?", sessionID, true).
			Updates(map[string]interface{}{
				"solution_code": solution,
				"completed_at":  completedAt,
				"is_active":     false,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionClosed
		}
		return tx.Where("id = ?", sessionID).Take(&session).Error
	})
	if errors.Is(err, ErrSessionClosed) {
		return Session{}, ErrSessionClosed
	}
	if err != nil {
		s.logError(opCompleteSession, "update_failed", err, zap.String("session_id", sessionID))
		return Session{}, apperr.Persistence(opCompleteSession, "update_failed", err)
	}
	s.notify(realtime.ChangeUpdate, session)
	return session, nil
}

// UpsertRewards grants xp to every user for nodeID. A user already rewarded at the node has
// the existing row overwritten rather than duplicated.
func (s *Store) UpsertRewards(ctx context.Context, nodeID string, userIDs []string, xp int) error {
	if len(userIDs) == 0 {
		return nil
	}
	completedAt := s.now().UTC()
	rewards := make([]Reward, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, duplicate := seen[userID]; duplicate {
			continue
		}
		seen[userID] = struct{}{}
		id, err := s.ids.NewID()
		if err != nil {
			return apperr.Persistence(opUpsertRewards, "id_failed", err)
		}
		rewards = append(rewards, Reward{
			ID:          id,
			UserID:      userID,
			NodeID:      nodeID,
			XPEarned:    xp,
			CompletedAt: completedAt,
		})
	}
	if len(rewards) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"xp_earned", "completed_at"}),
	}).Create(&rewards).Error
	if err != nil {
		return apperr.Persistence(opUpsertRewards, "upsert_failed", err)
	}
	return nil
}

// Rewards lists the rewards granted at nodeID.
func (s *Store) Rewards(ctx context.Context, nodeID string) ([]Reward, error) {
	var rewards []Reward
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("user_id ASC").Find(&rewards).Error; err != nil {
		return nil, apperr.Persistence(opRewards, "query_failed", err)
	}
	return rewards, nil
}

// TotalXP sums every reward granted to userID.
func (s *Store) TotalXP(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.WithContext(ctx).
		Model(&Reward{}).
		Select("COALESCE(SUM(xp_earned), 0)").
		Where("user_id = ?", userID).
		Scan(&total).Error
	if err != nil {
		return 0, apperr.Persistence(opRewards, "sum_failed", err)
	}
	return total, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func (s *Store) notify(changeType realtime.ChangeType, session Session) {
	if s.notifier == nil {
		return
	}
	change, err := realtime.NewRowChange(changeType, tableRaidSessions, session, nil, s.now())
	if err != nil {
		s.logError("raid.notify", "encode_failed", err, zap.String("session_id", session.ID))
		return
	}
	s.notifier.NotifyChange(change)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("raid store error", attrs...)
}
