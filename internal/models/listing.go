package models

import (
	"time"

	"gorm.io/gorm"
)

// Listing types and statuses.
const (
	ListingSale  = "sale"
	ListingLease = "lease"

	ListingActive  = "active"
	ListingPending = "pending"
	ListingClosed  = "closed"
)

// Listing is a property listing tracked by the office.
type Listing struct {
	ID          string  `gorm:"primaryKey;size:36"`
	Address     string  `gorm:"size:256;not null;index"`
	ListingType string  `gorm:"size:8;default:sale"`
	Status      string  `gorm:"size:16;default:active;index"`
	Notes       string  `gorm:"type:text"`
	RealtorID   *string `gorm:"size:36;index"`
	DedupKey    *string `gorm:"size:128;uniqueIndex"` // originating message id
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`

	Realtor *Realtor `gorm:"foreignKey:RealtorID"`
}
