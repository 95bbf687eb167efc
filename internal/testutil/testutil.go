// Package testutil holds helpers for the integration tests that need real
// source and target servers. Tests skip unless the PGCLONE_TEST_* DSNs
// point at live instances.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceDSN returns the integration-test source DSN, empty when unset.
func SourceDSN() string {
	return os.Getenv("PGCLONE_TEST_SOURCE_DSN")
}

// TargetDSN returns the integration-test target DSN, empty when unset.
func TargetDSN() string {
	return os.Getenv("PGCLONE_TEST_TARGET_DSN")
}

// RequireDatabases skips the test unless both test DSNs are set and
// reachable, returning connected pools otherwise.
func RequireDatabases(t *testing.T) (source, target *pgxpool.Pool) {
	t.Helper()
	srcDSN, tgtDSN := SourceDSN(), TargetDSN()
	if srcDSN == "" || tgtDSN == "" {
		t.Skip("set PGCLONE_TEST_SOURCE_DSN and PGCLONE_TEST_TARGET_DSN to run integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := pgxpool.New(ctx, srcDSN)
	if err != nil {
		t.Fatalf("connect source: %v", err)
	}
	if err := source.Ping(ctx); err != nil {
		source.Close()
		t.Skipf("source not reachable: %v", err)
	}
	t.Cleanup(source.Close)

	target, err = pgxpool.New(ctx, tgtDSN)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	if err := target.Ping(ctx); err != nil {
		target.Close()
		t.Skipf("target not reachable: %v", err)
	}
	t.Cleanup(target.Close)

	return source, target
}

// MustExec runs DDL/DML against a pool, failing the test on error.
func MustExec(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

// RowCount returns SELECT COUNT(*) for a table.
func RowCount(t *testing.T, pool *pgxpool.Pool, table string) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var n int64
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
