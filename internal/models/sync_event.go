package models

import "time"

// Entity types and mutation operations carried by sync events.
const (
	EntityTask    = "task"
	EntityListing = "listing"

	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// SyncEvent is the persisted form of a reconciliation event. Seq is strictly
// increasing per (EntityType, EntityID); the composite unique index makes a
// duplicate allocation impossible. ID doubles as a global replay cursor for
// the realtime stream.
type SyncEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	EntityType string `gorm:"size:16;not null;uniqueIndex:idx_entity_seq"`
	EntityID   string `gorm:"size:36;not null;uniqueIndex:idx_entity_seq"`
	Seq        int64  `gorm:"not null;uniqueIndex:idx_entity_seq"`
	Op         string `gorm:"size:8;not null"`
	Snapshot   string `gorm:"type:json"`
	CreatedAt  time.Time
}

// EntitySequence allocates per-entity sequence numbers for sync events.
type EntitySequence struct {
	EntityType string `gorm:"primaryKey;size:16"`
	EntityID   string `gorm:"primaryKey;size:36"`
	Counter    int64  `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}
