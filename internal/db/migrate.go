package db

import (
	"fmt"

	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the service owns.
func AllModels() []interface{} {
	return []interface{}{
		&models.SessionRecord{},
		&models.Job{},
		&models.DedupEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
