package relics

import "time"

// SeedCatalog is the relic catalog installed with a fresh database.
func SeedCatalog(createdAt time.Time) []Relic {
	createdAt = createdAt.UTC()
	return []Relic{
		{
			ID:          "relic-static-shard",
			Name:        "Static Shard",
			Description: text("A sliver of signal noise. Hums faintly near open terminals."),
			Rarity:      RarityCommon,
			Icon:        text("zap"),
			ThemeAccent: text("60 100% 50%"),
			CreatedAt:   createdAt,
		},
		{
			ID:             "relic-tide-lens",
			Name:           "Tide Lens",
			Description:    text("Bends the grid into deep-water blues."),
			Rarity:         RarityRare,
			Icon:           text("eye"),
			ThemePrimary:   text("200 100% 50%"),
			ThemeSecondary: text("220 90% 60%"),
			ThemeGlow:      text("200 100% 70%"),
			CreatedAt:      createdAt,
		},
		{
			ID:             "relic-ember-core",
			Name:           "Ember Core",
			Description:    text("Still warm from the raid that forged it."),
			Rarity:         RarityEpic,
			Icon:           text("flame"),
			ThemePrimary:   text("15 100% 55%"),
			ThemeSecondary: text("340 90% 55%"),
			ThemeAccent:    text("45 100% 50%"),
			ThemeGlow:      text("15 100% 70%"),
			CreatedAt:      createdAt,
		},
		{
			ID:             "relic-void-crown",
			Name:           "Void Crown",
			Description:    text("Worn by the first architect to map the whole constellation."),
			Rarity:         RarityLegendary,
			Icon:           text("crown"),
			ThemePrimary:   text("270 100% 60%"),
			ThemeSecondary: text("300 100% 55%"),
			ThemeAccent:    text("50 100% 60%"),
			ThemeGlow:      text("270 100% 75%"),
			CreatedAt:      createdAt,
		},
	}
}

func text(value string) *string {
	return &value
}
