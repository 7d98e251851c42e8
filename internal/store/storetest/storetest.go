// Package storetest opens throwaway record stores for tests.
package storetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketbot/internal/store"
)

// Open returns a migrated store backed by a sqlite file in the test's temp dir.
func Open(t *testing.T) *store.Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "records.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s := store.New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}
