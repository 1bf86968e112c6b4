package db

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// OpenTestDB opens a migrated SQLite database in a temporary directory.
// The connection is closed when the test finishes.
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := NewDatabase(FileDSN(filepath.Join(t.TempDir(), "knit.db")))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}
