package election

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"controller/store"
)

func newTestDB(t *testing.T) (*sql.DB, store.Dialect) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "election_test.db")
	db, dialect, err := store.Open("sqlite", store.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, dialect
}

func expireLockRow(t *testing.T, db *sql.DB, dialect store.Dialect, lockName string) {
	t.Helper()
	_, err := db.Exec(
		dialect.Rebind(`UPDATE controller_locks SET expires_at_ms = ? WHERE lock_name = ?`),
		store.UnixMS(time.Now().Add(-time.Second)),
		lockName,
	)
	if err != nil {
		t.Fatalf("expire lock row: %v", err)
	}
}
