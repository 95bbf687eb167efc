package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

// setupOrigin creates the replication origin when missing and binds this
// session to it. Returns the origin's current replay position.
func setupOrigin(ctx context.Context, conn *pgx.Conn, origin string) (pglogrepl.LSN, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_replication_origin WHERE roname = $1)", origin).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check replication origin: %w", err)
	}
	if !exists {
		if _, err := conn.Exec(ctx, "SELECT pg_replication_origin_create($1)", origin); err != nil {
			return 0, fmt.Errorf("create replication origin: %w", err)
		}
	}

	var progress *string
	err = conn.QueryRow(ctx,
		"SELECT pg_replication_origin_progress($1, true)::text", origin).Scan(&progress)
	if err != nil {
		return 0, fmt.Errorf("read origin progress: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_replication_origin_session_setup($1)", origin); err != nil {
		return 0, fmt.Errorf("origin session setup: %w", err)
	}

	if progress == nil {
		return 0, nil
	}
	replay, err := pglogrepl.ParseLSN(*progress)
	if err != nil {
		return 0, fmt.Errorf("parse origin progress %q: %w", *progress, err)
	}
	return replay, nil
}

// markOriginXact stamps the open transaction with its source commit LSN
// and time, so the origin's replay position advances atomically with the
// commit.
func markOriginXact(ctx context.Context, conn *pgx.Conn, commit pglogrepl.LSN, ts string) error {
	if ts == "" {
		ts = time.Now().UTC().Format("2006-01-02 15:04:05.000000-07")
	}
	_, err := conn.Exec(ctx,
		"SELECT pg_replication_origin_xact_setup($1::pg_lsn, $2::timestamptz)",
		commit.String(), ts)
	if err != nil {
		return fmt.Errorf("origin xact setup: %w", err)
	}
	return nil
}

// DropOrigin removes the replication origin at the end of a run.
func DropOrigin(ctx context.Context, conn *pgx.Conn, origin string) error {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_replication_origin WHERE roname = $1)", origin).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check replication origin: %w", err)
	}
	if !exists {
		return nil
	}
	if _, err := conn.Exec(ctx, "SELECT pg_replication_origin_drop($1)", origin); err != nil {
		return fmt.Errorf("drop replication origin: %w", err)
	}
	return nil
}
