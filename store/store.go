package store

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrChatNotFound is returned when a write references a chat that does not exist.
	ErrChatNotFound = errors.New("chat not found")
	// ErrVersionConflict is returned when a write carries a stale chat version.
	ErrVersionConflict = errors.New("chat version conflict")
)

// Store provides database access to all raw objects.
type Store struct {
	driver Driver
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{
		driver: driver,
	}
}

// Migrate creates the tables the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) GetDriver() Driver {
	return s.driver
}
