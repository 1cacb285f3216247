package database

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// NewTestDB opens a migrated sqlite database in a per-test temp directory.
func NewTestDB(t testing.TB) *sql.DB {
	t.Helper()

	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := MigrateUp(conn); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return conn
}
