package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborgate/deskhand/internal/models"
	"gorm.io/gorm"
)

// AddDeadLetter records an undeliverable acknowledgment for operator replay.
func (s *Store) AddDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if err := s.db.WithContext(ctx).Create(dl).Error; err != nil {
		return fmt.Errorf("store: add dead letter: %w", err)
	}
	return nil
}

// DeadLetters lists dead letters, pending-replay first, newest first within
// each group. includeReplayed widens the listing to already-replayed rows.
func (s *Store) DeadLetters(ctx context.Context, includeReplayed bool, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	tx := s.db.WithContext(ctx).Model(&models.DeadLetter{})
	if !includeReplayed {
		tx = tx.Where("replayed_at IS NULL")
	}
	var rows []models.DeadLetter
	if err := tx.Order("replayed_at IS NOT NULL, created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list dead letters: %w", err)
	}
	return rows, nil
}

// CountDeadLetters tallies dead letters, by default only those still
// awaiting replay.
func (s *Store) CountDeadLetters(ctx context.Context, includeReplayed bool) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.DeadLetter{})
	if !includeReplayed {
		tx = tx.Where("replayed_at IS NULL")
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count dead letters: %w", err)
	}
	return n, nil
}

// GetDeadLetter loads one dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id uint) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := s.db.WithContext(ctx).First(&dl, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get dead letter %d: %w", id, err)
	}
	return &dl, nil
}

// MarkReplayed stamps a dead letter as replayed.
func (s *Store) MarkReplayed(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("id = ? AND replayed_at IS NULL", id).
		Update("replayed_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("store: mark replayed %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
