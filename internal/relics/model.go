package relics

import "time"

const (
	tableRelics    = "relics"
	tableInventory = "user_inventory"
)

// Rarity grades a relic. Catalog order follows rank, common first.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

var rarityRank = map[Rarity]int{
	RarityCommon:    0,
	RarityRare:      1,
	RarityEpic:      2,
	RarityLegendary: 3,
}

// Rank orders rarities from common to legendary. Unknown rarities sort last.
func (r Rarity) Rank() int {
	if rank, ok := rarityRank[r]; ok {
		return rank
	}
	return len(rarityRank)
}

// Valid reports whether r is one of the known rarities.
func (r Rarity) Valid() bool {
	_, ok := rarityRank[r]
	return ok
}

// Relic is a collectible that re-themes its owner's interface while equipped. Theme values
// are HSL triples such as "180 100% 50%"; nil values fall back to the default theme.
type Relic struct {
	ID             string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	Name           string    `gorm:"column:name;size:120;not null" json:"name"`
	Description    *string   `gorm:"column:description;type:text" json:"description"`
	Rarity         Rarity    `gorm:"column:rarity;size:16;not null" json:"rarity"`
	Icon           *string   `gorm:"column:icon;size:64" json:"icon"`
	ThemePrimary   *string   `gorm:"column:theme_primary;size:32" json:"theme_primary"`
	ThemeSecondary *string   `gorm:"column:theme_secondary;size:32" json:"theme_secondary"`
	ThemeAccent    *string   `gorm:"column:theme_accent;size:32" json:"theme_accent"`
	ThemeGlow      *string   `gorm:"column:theme_glow;size:32" json:"theme_glow"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName exposes the table backing the relic catalog.
func (Relic) TableName() string {
	return tableRelics
}

// InventoryItem records a relic owned by a user. A user holds each relic at most once and
// has at most one item equipped.
type InventoryItem struct {
	ID         string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_user_inventory_user_relic,priority:1" json:"user_id"`
	RelicID    string    `gorm:"column:relic_id;size:64;not null;uniqueIndex:idx_user_inventory_user_relic,priority:2" json:"relic_id"`
	IsEquipped bool      `gorm:"column:is_equipped;not null" json:"is_equipped"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null" json:"acquired_at"`
	Relic      *Relic    `gorm:"foreignKey:RelicID;references:ID" json:"relic,omitempty"`
}

// TableName exposes the table backing user inventories.
func (InventoryItem) TableName() string {
	return tableInventory
}

// Theme is the set of interface colors a relic applies.
type Theme struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	Accent    string `json:"accent"`
	Glow      string `json:"glow"`
}

// DefaultTheme applies when nothing is equipped.
var DefaultTheme = Theme{
	Primary:   "180 100% 50%",
	Secondary: "280 100% 60%",
	Accent:    "45 100% 50%",
	Glow:      "180 100% 70%",
}

// ThemeOf resolves relic's theme, taking each missing value from DefaultTheme.
func ThemeOf(relic *Relic) Theme {
	if relic == nil {
		return DefaultTheme
	}
	return Theme{
		Primary:   valueOr(relic.ThemePrimary, DefaultTheme.Primary),
		Secondary: valueOr(relic.ThemeSecondary, DefaultTheme.Secondary),
		Accent:    valueOr(relic.ThemeAccent, DefaultTheme.Accent),
		Glow:      valueOr(relic.ThemeGlow, DefaultTheme.Glow),
	}
}

// Loadout is a user's equipped relic and the theme it yields.
type Loadout struct {
	Equipped *Relic `json:"equipped"`
	Theme    Theme  `json:"theme"`
}

func valueOr(value *string, fallback string) string {
	if value == nil || *value == "" {
		return fallback
	}
	return *value
}
