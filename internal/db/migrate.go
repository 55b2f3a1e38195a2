package db

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/harborgate/deskhand/internal/config"
	"github.com/harborgate/deskhand/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.OrchestrationRecord{},
		&models.ToolInvocation{},
		&models.Task{},
		&models.Listing{},
		&models.Realtor{},
		&models.DeadLetter{},
		&models.SyncEvent{},
		&models.EntitySequence{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedRealtors upserts roster rows from configuration, keyed by email.
func SeedRealtors(db *gorm.DB, realtors []config.RealtorConfig) error {
	for _, rc := range realtors {
		realtor := models.Realtor{
			ID:         uuid.NewString(),
			Name:       rc.Name,
			Email:      rc.Email,
			Phone:      rc.Phone,
			ChatUserID: rc.ChatUserID,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "phone", "chat_user_id"}),
		}).Create(&realtor)
		if result.Error != nil {
			return fmt.Errorf("db: seed realtor %q: %w", rc.Email, result.Error)
		}
	}
	return nil
}
