package database

import (
	"fmt"

	"gorm.io/gorm"

	"velomarket/server/internal/models"
)

func (d *Database) RunMigrations() error {
	d.logger.Debug("Running schema migrations")
	return MigrateSchema(d.db)
}

// MigrateSchema creates or updates all engine tables.
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Observation{},
		&models.CatalogListing{},
		&models.RefillTask{},
		&models.Bounty{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// At most one active listing per (platform, ad id) when the ad id is known
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_catalog_active_source
		ON catalog_listings(platform, source_ad_id)
		WHERE active = 1 AND source_ad_id IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("failed to create active source index: %w", err)
	}

	return nil
}
