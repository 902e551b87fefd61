package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/auth"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tableProfiles = "profiles"

	opEnsureProfile = "users.ensure_profile"
	opProfile       = "users.profile"
	opProfiles      = "users.profiles"
	opUpdateProfile = "users.update_profile"
	opNotify        = "users.notify"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidProfile indicates a profile update carried an unusable value.
	ErrInvalidProfile = errors.New("users: invalid profile")
)

// ServiceConfig describes the dependencies required for profile management.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Notifier   realtime.Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages participant profiles.
type Service struct {
	db       *gorm.DB
	ids      ids.Provider
	notifier realtime.Notifier
	now      func() time.Time
	logger   *zap.Logger
	cache    sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
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
	return &Service{
		db:       cfg.Database,
		ids:      idProvider,
		notifier: cfg.Notifier,
		now:      clock,
		logger:   logger,
		cache:    sync.Map{},
	}, nil
}

// EnsureProfile returns the profile for the claims' user, creating it on first sight.
func (s *Service) EnsureProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile, err = s.createProfile(ctx, userID, normalize(claims.Username))
		if err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		s.logError(opEnsureProfile, "query_failed", err, zap.String("user_id", userID))
		return Profile{}, apperr.Persistence(opEnsureProfile, "query_failed", err)
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

func (s *Service) createProfile(ctx context.Context, userID, username string) (Profile, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Profile{}, apperr.Persistence(opEnsureProfile, "id_failed", err)
	}
	if username == "" {
		username = GuestUsername(userID)
	}
	now := s.now().UTC()
	profile := Profile{
		ID:          id,
		UserID:      userID,
		Username:    username,
		CursorColor: RandomNeonColor(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
		// A concurrent first request for the same user may have created the row.
		var existing Profile
		if lookupErr := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&existing).Error; lookupErr == nil {
			return existing, nil
		}
		s.logError(opEnsureProfile, "create_failed", err, zap.String("user_id", userID))
		return Profile{}, apperr.Persistence(opEnsureProfile, "create_failed", err)
	}
	s.notify(realtime.ChangeInsert, profile)
	return profile, nil
}

// Profile returns the stored profile for userID.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, false, nil
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, apperr.Persistence(opProfile, "query_failed", err)
	}
	return profile, true, nil
}

// ProfilesByUserID loads the profiles for the given user ids, keyed by user id.
// Users without a profile are absent from the result.
func (s *Service) ProfilesByUserID(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	result := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&profiles).Error; err != nil {
		return nil, apperr.Persistence(opProfiles, "query_failed", err)
	}
	for _, profile := range profiles {
		result[profile.UserID] = profile
	}
	return result, nil
}

// UpdateProfile applies update to the user's profile.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, apperr.NotAuthenticated(opUpdateProfile)
	}
	updates, err := update.columns()
	if err != nil {
		return Profile{}, apperr.Validation(opUpdateProfile, "invalid_field", err)
	}

	var profile Profile
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Take(&profile).Error; err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		updates["updated_at"] = s.now().UTC()
		if err := tx.Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Take(&profile).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, apperr.Validation(opUpdateProfile, "profile_missing", err)
	}
	if err != nil {
		s.logError(opUpdateProfile, "update_failed", err, zap.String("user_id", userID))
		return Profile{}, apperr.Persistence(opUpdateProfile, "update_failed", err)
	}

	s.cache.Store(userID, profile)
	if len(updates) > 0 {
		s.notify(realtime.ChangeUpdate, profile)
	}
	return profile, nil
}

func (u ProfileUpdate) columns() (map[string]interface{}, error) {
	columns := map[string]interface{}{}
	if u.Username != nil {
		username := normalize(*u.Username)
		if username == "" || len(username) > 64 {
			return nil, fmt.Errorf("%w: username must be 1-64 characters", ErrInvalidProfile)
		}
		columns["username"] = username
	}
	if u.DisplayName != nil {
		columns["display_name"] = normalize(*u.DisplayName)
	}
	if u.CursorColor != nil {
		color := normalize(*u.CursorColor)
		if !ValidCursorColor(color) {
			return nil, fmt.Errorf("%w: cursor color %q", ErrInvalidProfile, color)
		}
		columns["cursor_color"] = color
	}
	if u.UserClass != nil {
		class := normalize(*u.UserClass)
		if !ValidUserClass(class) {
			return nil, fmt.Errorf("%w: user class %q", ErrInvalidProfile, class)
		}
		columns["user_class"] = class
	}
	if u.AvatarURL != nil {
		columns["avatar_url"] = normalize(*u.AvatarURL)
	}
	return columns, nil
}

func (s *Service) notify(changeType realtime.ChangeType, profile Profile) {
	if s.notifier == nil {
		return
	}
	change, err := realtime.NewRowChange(changeType, tableProfiles, profile, nil, s.now())
	if err != nil {
		s.logError(opNotify, "encode_failed", err, zap.String("user_id", profile.UserID))
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
	s.logger.Error("users service error", attrs...)
}
