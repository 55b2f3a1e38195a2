// Package store is the typed entity-store client used by the orchestration
// pipeline. All persistence goes through here; callers never touch gorm
// directly.
package store

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a GORM connection with pipeline-shaped operations.
type Store struct {
	db *gorm.DB
}

// New returns a Store over an open connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for migration and health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}
