// Package recordstest provides in-memory document stores for tests.
package recordstest

import (
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDatabase opens a private in-memory SQLite database with the documents table migrated.
func OpenDatabase(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	all := append([]any{&records.DocumentRecord{}}, models...)
	if err := database.AutoMigrate(all...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

// NewStore returns a GormStore over a fresh in-memory database and a local bus.
func NewStore(t testing.TB) *records.GormStore {
	t.Helper()
	store, err := records.NewGormStore(records.StoreConfig{Database: OpenDatabase(t)})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}
