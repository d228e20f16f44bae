package store

import (
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
)

// Dialect abstracts the differences between the supported SQL backends.
// Queries are written once with '?' placeholders and unix-millisecond
// timestamps; the dialect handles placeholder rebinding, DDL, and
// driver-specific error classification.
type Dialect interface {
	Name() string
	Rebind(query string) string
	// Limit returns the dialect's row-limit clause for an ORDER BY query.
	Limit(n int) string
	Schema() []string
	IsUniqueViolation(err error) bool
	IsTransient(err error) bool
}

// DialectFor returns the dialect for a driver name ("sqlite" or "sqlserver").
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite":
		return sqliteDialect{}, nil
	case "sqlserver":
		return sqlserverDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) Limit(n int) string { return fmt.Sprintf("LIMIT %d", n) }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func (sqliteDialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type sqlserverDialect struct{}

func (sqlserverDialect) Name() string { return "sqlserver" }

func (sqlserverDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "@p%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (sqlserverDialect) Limit(n int) string {
	return fmt.Sprintf("OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
}

func (sqlserverDialect) IsUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}

func (sqlserverDialect) IsTransient(err error) bool { return false }

func (sqliteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS controller_locks (
			lock_name      TEXT PRIMARY KEY,
			holder_id      TEXT NOT NULL,
			holder_url     TEXT NOT NULL DEFAULT '',
			leader_epoch   INTEGER NOT NULL,
			acquired_at_ms INTEGER NOT NULL,
			renewed_at_ms  INTEGER NOT NULL,
			expires_at_ms  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id         TEXT PRIMARY KEY,
			worker_name      TEXT NOT NULL DEFAULT '',
			leader_epoch     INTEGER NOT NULL,
			registered_at_ms INTEGER NOT NULL,
			last_seen_ms     INTEGER NOT NULL,
			deleted_at_ms    INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id        TEXT PRIMARY KEY,
			payload       TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			job_epoch     INTEGER NOT NULL,
			leader_epoch  INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_leases (
			lease_id      TEXT PRIMARY KEY,
			job_id        TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			leader_epoch  INTEGER NOT NULL,
			job_epoch     INTEGER NOT NULL,
			state         TEXT NOT NULL,
			issued_at_ms  INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_leases_job ON job_leases(job_id, job_epoch)`,
		`CREATE TABLE IF NOT EXISTS job_results (
			job_id         TEXT NOT NULL,
			job_epoch      INTEGER NOT NULL,
			lease_id       TEXT NOT NULL,
			leader_epoch   INTEGER NOT NULL,
			status         TEXT NOT NULL,
			payload        TEXT NOT NULL DEFAULT '',
			recorded_at_ms INTEGER NOT NULL,
			PRIMARY KEY (job_id, job_epoch)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			kind          TEXT NOT NULL,
			job_id        TEXT NOT NULL DEFAULT '',
			agent_id      TEXT NOT NULL DEFAULT '',
			leader_epoch  INTEGER NOT NULL,
			detail        TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		)`,
	}
}

func (sqlserverDialect) Schema() []string {
	return []string{
		`IF OBJECT_ID('dbo.controller_locks', 'U') IS NULL
		CREATE TABLE dbo.controller_locks (
			lock_name      NVARCHAR(256) NOT NULL PRIMARY KEY,
			holder_id      NVARCHAR(256) NOT NULL,
			holder_url     NVARCHAR(512) NOT NULL DEFAULT '',
			leader_epoch   BIGINT NOT NULL,
			acquired_at_ms BIGINT NOT NULL,
			renewed_at_ms  BIGINT NOT NULL,
			expires_at_ms  BIGINT NOT NULL
		)`,
		`IF OBJECT_ID('dbo.agents', 'U') IS NULL
		CREATE TABLE dbo.agents (
			agent_id         NVARCHAR(256) NOT NULL PRIMARY KEY,
			worker_name      NVARCHAR(256) NOT NULL DEFAULT '',
			leader_epoch     BIGINT NOT NULL,
			registered_at_ms BIGINT NOT NULL,
			last_seen_ms     BIGINT NOT NULL,
			deleted_at_ms    BIGINT NULL
		)`,
		`IF OBJECT_ID('dbo.jobs', 'U') IS NULL
		CREATE TABLE dbo.jobs (
			job_id        NVARCHAR(256) NOT NULL PRIMARY KEY,
			payload       NVARCHAR(MAX) NOT NULL DEFAULT '',
			status        NVARCHAR(32) NOT NULL,
			job_epoch     BIGINT NOT NULL,
			leader_epoch  BIGINT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`IF OBJECT_ID('dbo.job_leases', 'U') IS NULL
		CREATE TABLE dbo.job_leases (
			lease_id      NVARCHAR(256) NOT NULL PRIMARY KEY,
			job_id        NVARCHAR(256) NOT NULL,
			agent_id      NVARCHAR(256) NOT NULL,
			leader_epoch  BIGINT NOT NULL,
			job_epoch     BIGINT NOT NULL,
			state         NVARCHAR(32) NOT NULL,
			issued_at_ms  BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_job_leases_job')
		CREATE INDEX idx_job_leases_job ON dbo.job_leases(job_id, job_epoch)`,
		`IF OBJECT_ID('dbo.job_results', 'U') IS NULL
		CREATE TABLE dbo.job_results (
			job_id         NVARCHAR(256) NOT NULL,
			job_epoch      BIGINT NOT NULL,
			lease_id       NVARCHAR(256) NOT NULL,
			leader_epoch   BIGINT NOT NULL,
			status         NVARCHAR(32) NOT NULL,
			payload        NVARCHAR(MAX) NOT NULL DEFAULT '',
			recorded_at_ms BIGINT NOT NULL,
			CONSTRAINT pk_job_results PRIMARY KEY (job_id, job_epoch)
		)`,
		`IF OBJECT_ID('dbo.events', 'U') IS NULL
		CREATE TABLE dbo.events (
			event_id      BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY,
			kind          NVARCHAR(64) NOT NULL,
			job_id        NVARCHAR(256) NOT NULL DEFAULT '',
			agent_id      NVARCHAR(256) NOT NULL DEFAULT '',
			leader_epoch  BIGINT NOT NULL,
			detail        NVARCHAR(MAX) NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL
		)`,
	}
}
