// Package store provides the shared database/sql plumbing for the controller:
// driver setup, schema migration, dialect handling, and retry of transient
// write errors. Both supported backends hold the leader lock and all durable
// job state in the same database, so every candidate replica coordinates
// through one authoritative store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Open opens a database handle for the given driver and DSN and returns it
// together with the matching dialect. The caller owns closing the handle.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// WAL mode keeps readers unblocked while the leader writes; a single
		// writer connection sidesteps most SQLITE_BUSY churn.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, dialect, nil
}

// SQLiteDSN builds a sqlite DSN with the pragmas the controller relies on.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
}

// SQLServerDSN builds a SQL Server connection string.
func SQLServerDSN(host, port, user, password, database, encrypt string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("sql password is required")
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", encrypt)
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}

// Migrate applies the controller schema. Statements are idempotent so every
// replica can run this at boot; concurrent boots are safe because each
// statement is a create-if-absent.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range dialect.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", dialect.Name(), err)
		}
	}
	return nil
}

// UnixMS converts a time to the unix-millisecond representation used for
// every timestamp column.
func UnixMS(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromUnixMS converts a stored unix-millisecond value back to UTC time.
func FromUnixMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}