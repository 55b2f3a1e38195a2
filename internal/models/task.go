package models

import (
	"time"

	"gorm.io/gorm"
)

// Task statuses.
const (
	TaskOpen      = "open"
	TaskNeedsInfo = "needs_info"
	TaskDone      = "done"
)

// Task is an operational to-do created from a chat message or by hand.
type Task struct {
	ID          string `gorm:"primaryKey;size:36"`
	Title       string `gorm:"size:256;not null"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:open;index"`
	Priority    int    `gorm:"default:5"`
	DueDate     *time.Time
	Address     string  `gorm:"size:256"`
	RealtorID   *string `gorm:"size:36;index"`
	DedupKey    *string `gorm:"size:128;uniqueIndex"` // originating message id
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`

	Realtor *Realtor `gorm:"foreignKey:RealtorID"`
}
