package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harborgate/deskhand/internal/models"
	"gorm.io/gorm"
)

// TaskDraft carries the fields for a new task.
type TaskDraft struct {
	Title       string
	Description string
	Address     string
	Priority    int
	DueDate     *time.Time
	RealtorID   *string
}

// ListingDraft carries the fields for a new listing.
type ListingDraft struct {
	Address     string
	ListingType string
	Notes       string
	RealtorID   *string
}

// ListingQuery filters SearchListings. Empty fields match everything.
type ListingQuery struct {
	Address     string // substring match
	Status      string
	ListingType string
	Limit       int
}

// CreateTask inserts a task. When dedupKey (the originating message id) has
// been seen before, the original row is returned and the bool is true; no
// duplicate is ever created, even under a concurrent race on the same key.
func (s *Store) CreateTask(ctx context.Context, draft TaskDraft, dedupKey string) (*models.Task, bool, error) {
	var out *models.Task
	var existed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupKey != "" {
			var prior models.Task
			res := tx.Where("dedup_key = ?", dedupKey).First(&prior)
			if res.Error == nil {
				out = &prior
				existed = true
				return nil
			}
			if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("check dedup key: %w", res.Error)
			}
		}

		task := &models.Task{
			ID:          uuid.NewString(),
			Title:       draft.Title,
			Description: draft.Description,
			Status:      models.TaskOpen,
			Priority:    draft.Priority,
			DueDate:     draft.DueDate,
			Address:     draft.Address,
			RealtorID:   draft.RealtorID,
		}
		if task.Priority == 0 {
			task.Priority = 5
		}
		if dedupKey != "" {
			key := dedupKey
			task.DedupKey = &key
		}
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		out = task
		return nil
	})
	if err != nil {
		// A concurrent create carrying the same key may have won the race;
		// the unique index turned ours into an error. Return the winner.
		if dedupKey != "" {
			var prior models.Task
			if ferr := s.db.WithContext(ctx).Where("dedup_key = ?", dedupKey).First(&prior).Error; ferr == nil {
				return &prior, true, nil
			}
		}
		return nil, false, fmt.Errorf("store: %w", err)
	}
	return out, existed, nil
}

// CreateListing mirrors CreateTask for listings.
func (s *Store) CreateListing(ctx context.Context, draft ListingDraft, dedupKey string) (*models.Listing, bool, error) {
	var out *models.Listing
	var existed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupKey != "" {
			var prior models.Listing
			res := tx.Where("dedup_key = ?", dedupKey).First(&prior)
			if res.Error == nil {
				out = &prior
				existed = true
				return nil
			}
			if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("check dedup key: %w", res.Error)
			}
		}

		listing := &models.Listing{
			ID:          uuid.NewString(),
			Address:     draft.Address,
			ListingType: draft.ListingType,
			Status:      models.ListingActive,
			Notes:       draft.Notes,
			RealtorID:   draft.RealtorID,
		}
		if listing.ListingType == "" {
			listing.ListingType = models.ListingSale
		}
		if dedupKey != "" {
			key := dedupKey
			listing.DedupKey = &key
		}
		if err := tx.Create(listing).Error; err != nil {
			return fmt.Errorf("create listing: %w", err)
		}
		out = listing
		return nil
	})
	if err != nil {
		if dedupKey != "" {
			var prior models.Listing
			if ferr := s.db.WithContext(ctx).Where("dedup_key = ?", dedupKey).First(&prior).Error; ferr == nil {
				return &prior, true, nil
			}
		}
		return nil, false, fmt.Errorf("store: %w", err)
	}
	return out, existed, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	return &task, nil
}

// GetListing loads one listing by id.
func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var listing models.Listing
	if err := s.db.WithContext(ctx).First(&listing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get listing %s: %w", id, err)
	}
	return &listing, nil
}

// UpdateTaskStatus sets a task's status and returns the updated row.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) (*models.Task, error) {
	result := s.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return nil, fmt.Errorf("store: update task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetTask(ctx, id)
}

// UpdateListingStatus sets a listing's status and returns the updated row.
func (s *Store) UpdateListingStatus(ctx context.Context, id, status string) (*models.Listing, error) {
	result := s.db.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return nil, fmt.Errorf("store: update listing %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetListing(ctx, id)
}

// DeleteTask soft-deletes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteListing soft-deletes a listing.
func (s *Store) DeleteListing(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.Listing{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete listing %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchListings returns listings matching the query, newest first.
func (s *Store) SearchListings(ctx context.Context, q ListingQuery) ([]models.Listing, error) {
	tx := s.db.WithContext(ctx).Model(&models.Listing{})
	if addr := strings.TrimSpace(q.Address); addr != "" {
		tx = tx.Where("address LIKE ?", "%"+addr+"%")
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.ListingType != "" {
		tx = tx.Where("listing_type = ?", q.ListingType)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	var listings []models.Listing
	if err := tx.Order("created_at DESC").Limit(limit).Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("store: search listings: %w", err)
	}
	return listings, nil
}
