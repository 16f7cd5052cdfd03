package db

import (
	"fmt"

	"ledgersync/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Checkpoint{},
		&models.SyncSession{},
		&models.SyncLog{},
	); err != nil {
		return err
	}

	// staging tables share one row shape, so index names are per table
	for _, entity := range models.AllEntityTypes() {
		desc, _ := models.Describe(entity)
		table := desc.TableName()
		if err := db.Gorm.Table(table).AutoMigrate(&models.StagedRecord{}); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_date_utc)", table, table)
		if err := db.Gorm.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index %s: %w", table, err)
		}
	}

	return db.Gorm.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_sessions_one_running ON sync_sessions (tenant_id) WHERE status = 'running'",
	).Error
}
