package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborgate/deskhand/internal/models"
	"gorm.io/gorm"
)

// ClaimMessage inserts the pending record for a message. The message id is
// the primary key, so a redelivered message loses the race: the prior record
// is returned with claimed=false and the caller must not re-run side effects.
func (s *Store) ClaimMessage(ctx context.Context, rec *models.OrchestrationRecord) (*models.OrchestrationRecord, bool, error) {
	rec.Status = models.StatusPending
	err := s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return rec, true, nil
	}

	var prior models.OrchestrationRecord
	ferr := s.db.WithContext(ctx).Preload("Invocations").
		First(&prior, "message_id = ?", rec.MessageID).Error
	if ferr == nil {
		return &prior, false, nil
	}
	return nil, false, fmt.Errorf("store: claim message %s: %w", rec.MessageID, err)
}

// Transition moves a record to a new status, applying extra column updates
// in the same write. Status is monotonic: moving to a lower-ranked status,
// or from one terminal status to another, is refused.
func (s *Store) Transition(ctx context.Context, messageID string, to models.Status, set map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.OrchestrationRecord
		if err := tx.First(&rec, "message_id = ?", messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load record: %w", err)
		}
		if rec.Status != to {
			if models.StatusRank(to) < models.StatusRank(rec.Status) {
				return fmt.Errorf("store: record %s cannot move %s -> %s", messageID, rec.Status, to)
			}
			if rec.Status.Terminal() {
				return fmt.Errorf("store: record %s is already terminal (%s)", messageID, rec.Status)
			}
		}

		updates := map[string]interface{}{"status": to}
		for k, v := range set {
			updates[k] = v
		}
		if err := tx.Model(&models.OrchestrationRecord{}).
			Where("message_id = ?", messageID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		return nil
	})
}

// AppendInvocation adds the next entry to a record's invocation log. Seq is
// assigned inside the transaction so the log order is gapless.
func (s *Store) AppendInvocation(ctx context.Context, inv *models.ToolInvocation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ToolInvocation{}).
			Where("message_id = ?", inv.MessageID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count invocations: %w", err)
		}
		inv.Seq = int(count) + 1
		if err := tx.Create(inv).Error; err != nil {
			return fmt.Errorf("append invocation: %w", err)
		}
		return nil
	})
}

// GetRecord loads a record with its invocation log.
func (s *Store) GetRecord(ctx context.Context, messageID string) (*models.OrchestrationRecord, error) {
	var rec models.OrchestrationRecord
	err := s.db.WithContext(ctx).
		Preload("Invocations", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&rec, "message_id = ?", messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get record %s: %w", messageID, err)
	}
	return &rec, nil
}

// RecentRecords lists records newest first, optionally filtered by status.
func (s *Store) RecentRecords(ctx context.Context, status models.Status, limit int) ([]models.OrchestrationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	tx := s.db.WithContext(ctx).Model(&models.OrchestrationRecord{})
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	var recs []models.OrchestrationRecord
	if err := tx.Order("received_at DESC").Limit(limit).
		Preload("Invocations", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: recent records: %w", err)
	}
	return recs, nil
}

// StalledRecords returns non-terminal records untouched since the cutoff,
// oldest first. These are candidates for crash recovery.
func (s *Store) StalledRecords(ctx context.Context, cutoff time.Time) ([]models.OrchestrationRecord, error) {
	var recs []models.OrchestrationRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.Status{models.StatusPending, models.StatusClassified, models.StatusActing}, cutoff).
		Order("updated_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: stalled records: %w", err)
	}
	return recs, nil
}

// CountByStatus tallies orchestration records per status. A zero since
// counts everything; otherwise only records received at or after it.
func (s *Store) CountByStatus(ctx context.Context, since time.Time) (map[models.Status]int64, error) {
	type row struct {
		Status models.Status
		N      int64
	}
	tx := s.db.WithContext(ctx).Model(&models.OrchestrationRecord{})
	if !since.IsZero() {
		tx = tx.Where("received_at >= ?", since)
	}
	var rows []row
	err := tx.Select("status, COUNT(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	out := make(map[models.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
