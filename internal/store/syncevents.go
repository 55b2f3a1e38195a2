package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/harborgate/deskhand/internal/models"
	"gorm.io/gorm"
)

// AppendSyncEvent allocates the next sequence number for the entity and
// persists the event in one transaction. The composite unique index on
// (entity_type, entity_id, seq) guarantees no duplicate allocation; if two
// writers race on the same entity the loser's transaction fails and is
// retried with a fresh allocation.
func (s *Store) AppendSyncEvent(ctx context.Context, entityType, entityID, op, snapshot string) (*models.SyncEvent, error) {
	var ev *models.SyncEvent
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ev, err = s.appendSyncEventOnce(ctx, entityType, entityID, op, snapshot)
		if err == nil {
			return ev, nil
		}
	}
	return nil, fmt.Errorf("store: append sync event for %s/%s: %w", entityType, entityID, err)
}

func (s *Store) appendSyncEventOnce(ctx context.Context, entityType, entityID, op, snapshot string) (*models.SyncEvent, error) {
	var out *models.SyncEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.EntitySequence
		res := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&seq)
		switch {
		case res.Error == nil:
			seq.Counter++
			if err := tx.Model(&models.EntitySequence{}).
				Where("entity_type = ? AND entity_id = ?", entityType, entityID).
				Update("counter", seq.Counter).Error; err != nil {
				return fmt.Errorf("bump counter: %w", err)
			}
		case errors.Is(res.Error, gorm.ErrRecordNotFound):
			seq = models.EntitySequence{EntityType: entityType, EntityID: entityID, Counter: 1}
			if err := tx.Create(&seq).Error; err != nil {
				return fmt.Errorf("create counter: %w", err)
			}
		default:
			return fmt.Errorf("load counter: %w", res.Error)
		}

		ev := &models.SyncEvent{
			EntityType: entityType,
			EntityID:   entityID,
			Seq:        seq.Counter,
			Op:         op,
			Snapshot:   snapshot,
		}
		if err := tx.Create(ev).Error; err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncEventsAfter returns events with a global id greater than afterID, in
// insertion order. Used by the realtime stream to replay missed events.
func (s *Store) SyncEventsAfter(ctx context.Context, afterID uint, limit int) ([]models.SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var evs []models.SyncEvent
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&evs).Error
	if err != nil {
		return nil, fmt.Errorf("store: sync events after %d: %w", afterID, err)
	}
	return evs, nil
}

// LastSequence reports the latest allocated sequence for an entity, 0 when
// none exists.
func (s *Store) LastSequence(ctx context.Context, entityType, entityID string) (int64, error) {
	var seq models.EntitySequence
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&seq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: last sequence for %s/%s: %w", entityType, entityID, err)
	}
	return seq.Counter, nil
}
