// Package store is the transactional record store for bots, orders and bridge
// transfers. Every state transition is a single-row conditional update: the
// WHERE clause carries the expected current state, and zero affected rows
// means another writer got there first.
package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"marketbot/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition is returned when a conditional update matched no row
	// because the record already moved past the expected state.
	ErrStaleTransition = errors.New("stale state transition")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and seeding.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Models lists every table the store owns, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.Bot{},
		&models.BotConfigVersion{},
		&models.Order{},
		&models.Fill{},
		&models.BridgeTransaction{},
		&models.UserBalance{},
	}
}

// AutoMigrate creates or updates the tables owned by the store.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(Models()...)
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Store) withContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
