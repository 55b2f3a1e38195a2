package models

import "time"

// Status is the lifecycle state of an orchestration record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusClassified   Status = "classified"
	StatusActing       Status = "acting"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// StatusRank orders statuses for monotonicity checks. A record never moves
// to a status with a lower rank than its current one.
func StatusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusClassified:
		return 1
	case StatusActing:
		return 2
	case StatusAcknowledged, StatusFailed, StatusDeadLettered:
		return 3
	}
	return -1
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusDeadLettered
}

// OrchestrationRecord is the audit and idempotency anchor for one inbound
// message. The message id is the primary key, so at most one record can
// exist per message regardless of redelivery.
type OrchestrationRecord struct {
	MessageID      string `gorm:"primaryKey;size:128"`
	ConversationID string `gorm:"size:128;not null;index"`
	ThreadID       string `gorm:"size:128"`
	SenderID       string `gorm:"size:64"`
	Text           string `gorm:"type:text"`
	ReceivedAt     time.Time

	Status     Status  `gorm:"size:16;default:pending;index"`
	Category   string  `gorm:"size:24"`
	Confidence float64 // meaningful once Status >= classified
	Fields     string  `gorm:"type:json"` // extracted field map

	AckText          string `gorm:"type:text"`
	AckDelivered     bool   `gorm:"default:false"`
	DeliveryAttempts int

	ClassifiedAt *time.Time
	ActingAt     *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Invocations []ToolInvocation `gorm:"foreignKey:MessageID"`
}

// ToolInvocation is one entry in a record's ordered invocation log.
type ToolInvocation struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	MessageID  string `gorm:"size:128;not null;index"`
	Seq        int    `gorm:"not null"`
	Tool       string `gorm:"size:32;not null"`
	OK         bool
	Error      string `gorm:"type:text"`
	Result     string `gorm:"type:json"`
	StartedAt  time.Time
	FinishedAt time.Time
}
