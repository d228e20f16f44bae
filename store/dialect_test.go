package store

import (
	"errors"
	"testing"
)

func TestDialectFor(t *testing.T) {
	sqlite, err := DialectFor("sqlite")
	if err != nil || sqlite.Name() != "sqlite" {
		t.Fatalf("sqlite dialect: %v %v", sqlite, err)
	}
	sqlserver, err := DialectFor("sqlserver")
	if err != nil || sqlserver.Name() != "sqlserver" {
		t.Fatalf("sqlserver dialect: %v %v", sqlserver, err)
	}
	if _, err := DialectFor("postgres"); err == nil {
		t.Fatal("unknown driver must be rejected")
	}
}

func TestSQLServerRebind(t *testing.T) {
	dialect, _ := DialectFor("sqlserver")

	got := dialect.Rebind(`UPDATE jobs SET status = ? WHERE job_id = ? AND job_epoch = ?`)
	want := `UPDATE jobs SET status = @p1 WHERE job_id = @p2 AND job_epoch = @p3`
	if got != want {
		t.Fatalf("rebind:\n got %s\nwant %s", got, want)
	}

	if got := dialect.Rebind(`SELECT 1`); got != `SELECT 1` {
		t.Fatalf("rebind without placeholders changed the query: %s", got)
	}
}

func TestSQLiteRebindIsIdentity(t *testing.T) {
	dialect, _ := DialectFor("sqlite")
	query := `SELECT job_id FROM jobs WHERE status = ?`
	if got := dialect.Rebind(query); got != query {
		t.Fatalf("sqlite rebind must be identity, got %s", got)
	}
}

func TestLimitClauses(t *testing.T) {
	sqlite, _ := DialectFor("sqlite")
	if got := sqlite.Limit(25); got != "LIMIT 25" {
		t.Fatalf("sqlite limit = %q", got)
	}
	sqlserver, _ := DialectFor("sqlserver")
	if got := sqlserver.Limit(25); got != "OFFSET 0 ROWS FETCH NEXT 25 ROWS ONLY" {
		t.Fatalf("sqlserver limit = %q", got)
	}
}

func TestSQLiteErrorClassification(t *testing.T) {
	dialect, _ := DialectFor("sqlite")

	if !dialect.IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: jobs.job_id")) {
		t.Fatal("UNIQUE constraint error must classify as unique violation")
	}
	if dialect.IsUniqueViolation(errors.New("no such table: jobs")) {
		t.Fatal("unrelated error must not classify as unique violation")
	}

	if !dialect.IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("SQLITE_BUSY must classify as transient")
	}
	if dialect.IsTransient(errors.New("UNIQUE constraint failed: jobs.job_id")) {
		t.Fatal("constraint violation must not classify as transient")
	}
	if dialect.IsTransient(nil) {
		t.Fatal("nil error must not classify as transient")
	}
}

func TestRetryWriteRetriesTransientOnly(t *testing.T) {
	dialect, _ := DialectFor("sqlite")

	calls := 0
	err := RetryWrite(dialect, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry write: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	permanent := errors.New("UNIQUE constraint failed: jobs.job_id")
	err = RetryWrite(dialect, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestUnixMSRoundTrip(t *testing.T) {
	ms := int64(1735689600123)
	if got := UnixMS(FromUnixMS(ms)); got != ms {
		t.Fatalf("round trip %d -> %d", ms, got)
	}
}
