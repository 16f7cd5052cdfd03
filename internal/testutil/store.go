// Package testutil opens throwaway SQLite stores for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"ledgersync/internal/config"
	"ledgersync/internal/db"
	gormrepository "ledgersync/internal/repository/gorm"
)

// OpenDB returns a migrated SQLite database under t.TempDir, closed on cleanup.
func OpenDB(t testing.TB) *db.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledgersync.db") + "?_busy_timeout=5000"
	conn, err := db.Open(config.DBConfig{Driver: db.DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func NewStore(t testing.TB) *gormrepository.Store {
	t.Helper()
	return gormrepository.New(OpenDB(t).Gorm)
}
