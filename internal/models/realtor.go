package models

import (
	"time"

	"gorm.io/gorm"
)

// Realtor is an agent who can be assigned tasks and listings.
type Realtor struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"size:128;not null"`
	Email      string `gorm:"size:128;uniqueIndex"`
	Phone      string `gorm:"size:32"`
	ChatUserID string `gorm:"size:64;index"` // platform user id, if linked
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}
