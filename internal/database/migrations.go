package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/relics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationSeedRelicCatalog = "2026-03-01_seed_relic_catalog"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// dataMigration runs once per database, in list order, together with its record.
type dataMigration struct {
	name  string
	apply func(tx *gorm.DB, now time.Time) error
}

var dataMigrations = []dataMigration{
	{name: migrationSeedRelicCatalog, apply: seedRelicCatalog},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var applied []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &applied).Error; err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	done := make(map[string]struct{}, len(applied))
	for _, name := range applied {
		done[name] = struct{}{}
	}

	for _, migration := range dataMigrations {
		if _, ok := done[migration.name]; ok {
			continue
		}
		now := time.Now().UTC()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, now); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: now.Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func seedRelicCatalog(tx *gorm.DB, now time.Time) error {
	catalog := relics.SeedCatalog(now)
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&catalog).Error
}
