package relics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCatalog   = "relics.catalog"
	opInventory = "relics.inventory"
	opAcquire   = "relics.acquire"
	opEquip     = "relics.equip"
	opUnequip   = "relics.unequip"
	opLoadout   = "relics.loadout"
)

var (
	// ErrRelicNotFound reports a relic id missing from the catalog.
	ErrRelicNotFound = errors.New("relics: relic not found")
	// ErrRelicAlreadyOwned reports a second acquisition of the same relic.
	ErrRelicAlreadyOwned = errors.New("relics: relic already owned")
	// ErrRelicNotOwned reports an equip of a relic missing from the inventory.
	ErrRelicNotOwned = errors.New("relics: relic not owned")
)

// InventoryFilter selects inventory row changes for userID.
func InventoryFilter(userID string) realtime.ChangeFilter {
	return realtime.ChangeFilter{
		Event:  realtime.ChangeAny,
		Table:  tableInventory,
		Column: "user_id",
		Value:  userID,
	}
}

// ServiceConfig wires the relic catalog and inventories.
type ServiceConfig struct {
	Database   *gorm.DB
	Notifier   realtime.Notifier
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages the relic catalog and the relics each user owns.
type Service struct {
	db       *gorm.DB
	notifier realtime.Notifier
	ids      ids.Provider
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("relics: database connection required")
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
		notifier: cfg.Notifier,
		ids:      idProvider,
		now:      clock,
		logger:   logger,
	}, nil
}

// Catalog lists every relic, common first.
func (s *Service) Catalog(ctx context.Context) ([]Relic, error) {
	var catalog []Relic
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&catalog).Error; err != nil {
		s.logError(opCatalog, "query_failed", err)
		return nil, apperr.Persistence(opCatalog, "query_failed", err)
	}
	sort.SliceStable(catalog, func(i, j int) bool {
		return catalog[i].Rarity.Rank() < catalog[j].Rarity.Rank()
	})
	return catalog, nil
}

// Inventory lists the relics userID owns with their catalog entries loaded.
func (s *Service) Inventory(ctx context.Context, userID string) ([]InventoryItem, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.NotAuthenticated(opInventory)
	}
	var items []InventoryItem
	err := s.db.WithContext(ctx).
		Preload("Relic").
		Where("user_id = ?", userID).
		Order("acquired_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		s.logError(opInventory, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.Persistence(opInventory, "query_failed", err)
	}
	return items, nil
}

// Acquire adds relicID to userID's inventory, unequipped.
func (s *Service) Acquire(ctx context.Context, userID, relicID string) (InventoryItem, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return InventoryItem{}, apperr.NotAuthenticated(opAcquire)
	}
	relicID = strings.TrimSpace(relicID)
	if relicID == "" {
		return InventoryItem{}, apperr.Validation(opAcquire, "missing_relic", nil)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return InventoryItem{}, apperr.Persistence(opAcquire, "id_failed", err)
	}

	item := InventoryItem{
		ID:         id,
		UserID:     userID,
		RelicID:    relicID,
		AcquiredAt: s.now().UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var relic Relic
		if err := tx.Where("id = ?", relicID).Take(&relic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRelicNotFound
			}
			return err
		}
		var owned int64
		if err := tx.Model(&InventoryItem{}).
			Where("user_id = ? AND relic_id = ?", userID, relicID).
			Count(&owned).Error; err != nil {
			return err
		}
		if owned > 0 {
			return ErrRelicAlreadyOwned
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		item.Relic = &relic
		return nil
	})
	switch {
	case errors.Is(err, ErrRelicNotFound), errors.Is(err, ErrRelicAlreadyOwned):
		return InventoryItem{}, err
	case err != nil:
		s.logError(opAcquire, "insert_failed", err, zap.String("user_id", userID), zap.String("relic_id", relicID))
		return InventoryItem{}, apperr.Persistence(opAcquire, "insert_failed", err)
	}
	s.notify(realtime.ChangeInsert, item)
	return item, nil
}

// Equip makes relicID the only equipped relic of userID.
func (s *Service) Equip(ctx context.Context, userID, relicID string) (Loadout, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Loadout{}, apperr.NotAuthenticated(opEquip)
	}
	relicID = strings.TrimSpace(relicID)
	if relicID == "" {
		return Loadout{}, apperr.Validation(opEquip, "missing_relic", nil)
	}

	var changed []InventoryItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target InventoryItem
		if err := tx.Where("user_id = ? AND relic_id = ?", userID, relicID).Take(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRelicNotOwned
			}
			return err
		}
		unequipped, err := unequipAll(tx, userID, target.ID)
		if err != nil {
			return err
		}
		changed = unequipped
		if target.IsEquipped {
			return nil
		}
		if err := tx.Model(&InventoryItem{}).Where("id = ?", target.ID).Update("is_equipped", true).Error; err != nil {
			return err
		}
		target.IsEquipped = true
		changed = append(changed, target)
		return nil
	})
	if errors.Is(err, ErrRelicNotOwned) {
		return Loadout{}, err
	}
	if err != nil {
		s.logError(opEquip, "update_failed", err, zap.String("user_id", userID), zap.String("relic_id", relicID))
		return Loadout{}, apperr.Persistence(opEquip, "update_failed", err)
	}
	for _, item := range changed {
		s.notify(realtime.ChangeUpdate, item)
	}
	return s.Loadout(ctx, userID)
}

// Unequip clears userID's equipped relic.
func (s *Service) Unequip(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.NotAuthenticated(opUnequip)
	}
	var changed []InventoryItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unequipped, err := unequipAll(tx, userID, "")
		changed = unequipped
		return err
	})
	if err != nil {
		s.logError(opUnequip, "update_failed", err, zap.String("user_id", userID))
		return apperr.Persistence(opUnequip, "update_failed", err)
	}
	for _, item := range changed {
		s.notify(realtime.ChangeUpdate, item)
	}
	return nil
}

// Loadout resolves userID's equipped relic and theme.
func (s *Service) Loadout(ctx context.Context, userID string) (Loadout, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Loadout{Theme: DefaultTheme}, nil
	}
	var item InventoryItem
	err := s.db.WithContext(ctx).
		Preload("Relic").
		Where("user_id = ? AND is_equipped = ?", userID, true).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Loadout{Theme: DefaultTheme}, nil
	}
	if err != nil {
		s.logError(opLoadout, "query_failed", err, zap.String("user_id", userID))
		return Loadout{}, apperr.Persistence(opLoadout, "query_failed", err)
	}
	return Loadout{Equipped: item.Relic, Theme: ThemeOf(item.Relic)}, nil
}

// unequipAll clears every equipped item of userID except keepID and returns the items it changed.
func unequipAll(tx *gorm.DB, userID, keepID string) ([]InventoryItem, error) {
	var equipped []InventoryItem
	query := tx.Where("user_id = ? AND is_equipped = ?", userID, true)
	if keepID != "" {
		query = query.Where("id <> ?", keepID)
	}
	if err := query.Find(&equipped).Error; err != nil {
		return nil, err
	}
	if len(equipped) == 0 {
		return nil, nil
	}
	itemIDs := make([]string, 0, len(equipped))
	for index := range equipped {
		itemIDs = append(itemIDs, equipped[index].ID)
		equipped[index].IsEquipped = false
	}
	if err := tx.Model(&InventoryItem{}).Where("id IN ?", itemIDs).Update("is_equipped", false).Error; err != nil {
		return nil, err
	}
	return equipped, nil
}

func (s *Service) notify(changeType realtime.ChangeType, item InventoryItem) {
	if s.notifier == nil {
		return
	}
	item.Relic = nil
	change, err := realtime.NewRowChange(changeType, tableInventory, item, nil, s.now())
	if err != nil {
		s.logError("relics.notify", "encode_failed", err, zap.String("item_id", item.ID))
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
	s.logger.Error("relics service error", attrs...)
}
