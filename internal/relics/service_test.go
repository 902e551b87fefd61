package relics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	changes []realtime.RowChange
}

func (n *recordingNotifier) NotifyChange(change realtime.RowChange) {
	n.changes = append(n.changes, change)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relics.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Relic{}, &InventoryItem{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	seeded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := SeedCatalog(seeded)
	// Insert out of rarity order so the catalog ordering is exercised.
	for index := len(catalog) - 1; index >= 0; index-- {
		if err := db.Create(&catalog[index]).Error; err != nil {
			t.Fatalf("failed to seed relic: %v", err)
		}
	}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{Database: db, Notifier: notifier})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db, notifier
}

func TestCatalogOrdersByRarity(t *testing.T) {
	service, _, _ := newTestService(t)
	catalog, err := service.Catalog(context.Background())
	if err != nil {
		t.Fatalf("catalog failed: %v", err)
	}
	if len(catalog) != 4 {
		t.Fatalf("expected four relics, got %d", len(catalog))
	}
	expected := []Rarity{RarityCommon, RarityRare, RarityEpic, RarityLegendary}
	for index, relic := range catalog {
		if relic.Rarity != expected[index] {
			t.Fatalf("position %d: expected %s, got %s", index, expected[index], relic.Rarity)
		}
	}
}

func TestAcquireRejectsDuplicatesAndUnknownRelics(t *testing.T) {
	service, _, notifier := newTestService(t)
	ctx := context.Background()

	item, err := service.Acquire(ctx, "user-1", "relic-tide-lens")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if item.IsEquipped || item.Relic == nil || item.Relic.Name != "Tide Lens" {
		t.Fatalf("unexpected item %+v", item)
	}
	if len(notifier.changes) != 1 || notifier.changes[0].Type != realtime.ChangeInsert {
		t.Fatalf("expected insert notification, got %+v", notifier.changes)
	}

	if _, err := service.Acquire(ctx, "user-1", "relic-tide-lens"); !errors.Is(err, ErrRelicAlreadyOwned) {
		t.Fatalf("expected ErrRelicAlreadyOwned, got %v", err)
	}
	if _, err := service.Acquire(ctx, "user-1", "relic-missing"); !errors.Is(err, ErrRelicNotFound) {
		t.Fatalf("expected ErrRelicNotFound, got %v", err)
	}
	if _, err := service.Acquire(ctx, "", "relic-tide-lens"); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if _, err := service.Acquire(ctx, "user-1", " "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	inventory, err := service.Inventory(ctx, "user-1")
	if err != nil {
		t.Fatalf("inventory failed: %v", err)
	}
	if len(inventory) != 1 || inventory[0].Relic == nil {
		t.Fatalf("expected one preloaded item, got %+v", inventory)
	}
}

func TestEquipKeepsOneRelicEquipped(t *testing.T) {
	service, db, notifier := newTestService(t)
	ctx := context.Background()
	for _, relicID := range []string{"relic-static-shard", "relic-ember-core"} {
		if _, err := service.Acquire(ctx, "user-1", relicID); err != nil {
			t.Fatalf("acquire %s failed: %v", relicID, err)
		}
	}

	loadout, err := service.Equip(ctx, "user-1", "relic-static-shard")
	if err != nil {
		t.Fatalf("equip failed: %v", err)
	}
	if loadout.Equipped == nil || loadout.Equipped.ID != "relic-static-shard" {
		t.Fatalf("expected static shard equipped, got %+v", loadout.Equipped)
	}
	expected := Theme{
		Primary:   DefaultTheme.Primary,
		Secondary: DefaultTheme.Secondary,
		Accent:    "60 100% 50%",
		Glow:      DefaultTheme.Glow,
	}
	if loadout.Theme != expected {
		t.Fatalf("expected per-field fallback theme %+v, got %+v", expected, loadout.Theme)
	}

	before := len(notifier.changes)
	loadout, err = service.Equip(ctx, "user-1", "relic-ember-core")
	if err != nil {
		t.Fatalf("second equip failed: %v", err)
	}
	if loadout.Equipped == nil || loadout.Equipped.ID != "relic-ember-core" || loadout.Theme.Primary != "15 100% 55%" {
		t.Fatalf("unexpected loadout %+v", loadout)
	}
	if updates := len(notifier.changes) - before; updates != 2 {
		t.Fatalf("expected unequip and equip notifications, got %d", updates)
	}

	var equipped int64
	if err := db.Model(&InventoryItem{}).Where("user_id = ? AND is_equipped = ?", "user-1", true).Count(&equipped).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if equipped != 1 {
		t.Fatalf("expected exactly one equipped relic, got %d", equipped)
	}

	if _, err := service.Equip(ctx, "user-1", "relic-void-crown"); !errors.Is(err, ErrRelicNotOwned) {
		t.Fatalf("expected ErrRelicNotOwned, got %v", err)
	}
	loadout, err = service.Loadout(ctx, "user-1")
	if err != nil {
		t.Fatalf("loadout failed: %v", err)
	}
	if loadout.Equipped == nil || loadout.Equipped.ID != "relic-ember-core" {
		t.Fatalf("expected failed equip to leave the loadout unchanged, got %+v", loadout.Equipped)
	}
}

func TestUnequipRestoresDefaultTheme(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Acquire(ctx, "user-1", "relic-void-crown"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := service.Equip(ctx, "user-1", "relic-void-crown"); err != nil {
		t.Fatalf("equip failed: %v", err)
	}
	if err := service.Unequip(ctx, "user-1"); err != nil {
		t.Fatalf("unequip failed: %v", err)
	}
	loadout, err := service.Loadout(ctx, "user-1")
	if err != nil {
		t.Fatalf("loadout failed: %v", err)
	}
	if loadout.Equipped != nil || loadout.Theme != DefaultTheme {
		t.Fatalf("expected default loadout, got %+v", loadout)
	}
	if err := service.Unequip(ctx, "user-1"); err != nil {
		t.Fatalf("expected unequip with nothing equipped to succeed, got %v", err)
	}
}

func TestThemeOfFallsBackPerField(t *testing.T) {
	if theme := ThemeOf(nil); theme != DefaultTheme {
		t.Fatalf("expected default theme for nil relic, got %+v", theme)
	}
	empty := ""
	relic := &Relic{ThemePrimary: &empty, ThemeGlow: text("1 2% 3%")}
	theme := ThemeOf(relic)
	if theme.Primary != DefaultTheme.Primary || theme.Glow != "1 2% 3%" {
		t.Fatalf("unexpected theme %+v", theme)
	}
}

func TestRarityRank(t *testing.T) {
	if !RarityLegendary.Valid() || Rarity("mythic").Valid() {
		t.Fatalf("unexpected rarity validity")
	}
	if Rarity("mythic").Rank() <= RarityLegendary.Rank() {
		t.Fatalf("expected unknown rarities to sort last")
	}
}
