package models

import "time"

// DeadLetter records an acknowledgment the dispatcher could not deliver.
// Rows stay until an operator replays them.
type DeadLetter struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	MessageID      string `gorm:"size:128;index"`
	ConversationID string `gorm:"size:128;not null"`
	ThreadID       string `gorm:"size:128"`
	Text           string `gorm:"type:text;not null"` // full intended message
	Reason         string `gorm:"size:256"`
	Attempts       int
	CreatedAt      time.Time
	ReplayedAt     *time.Time
}
