// Package pgdb owns database session plumbing: dialing with a capped
// exponential retry budget, bulk-load session setup, and out-of-band
// statement cancellation.
package pgdb

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/config"
)

func retryPolicy(ctx context.Context, budget time.Duration) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = budget
	return backoff.WithContext(policy, ctx)
}

// Connect dials a single session, retrying connectivity failures until the
// retry budget is spent.
func Connect(ctx context.Context, dsn string, timeouts config.TimeoutConfig, logger zerolog.Logger) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ConnectTimeout = timeouts.ConnectTimeout
	if timeouts.TCPKeepalive > 0 {
		cfg.Config.DialFunc = keepaliveDialer(timeouts.TCPKeepalive, timeouts.ConnectTimeout)
	}

	var conn *pgx.Conn
	operation := func() error {
		var err error
		conn, err = pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("connect failed, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, retryPolicy(ctx, timeouts.RetryBudget)); err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// ConnectPool dials a pgx pool with the same retry policy.
func ConnectPool(ctx context.Context, dsn string, maxConns int32, timeouts config.TimeoutConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.ConnConfig.ConnectTimeout = timeouts.ConnectTimeout
	if timeouts.TCPKeepalive > 0 {
		cfg.ConnConfig.Config.DialFunc = keepaliveDialer(timeouts.TCPKeepalive, timeouts.ConnectTimeout)
	}

	var pool *pgxpool.Pool
	operation := func() error {
		var err error
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Warn().Err(err).Msg("ping failed, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, retryPolicy(ctx, timeouts.RetryBudget)); err != nil {
		return nil, fmt.Errorf("connect pool to %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}

// ConnectReplication dials a replication-protocol connection
// (replication=database) with the same retry policy.
func ConnectReplication(ctx context.Context, dsn string, timeouts config.TimeoutConfig, logger zerolog.Logger) (*pgconn.PgConn, error) {
	var conn *pgconn.PgConn
	operation := func() error {
		var err error
		conn, err = pgconn.Connect(ctx, dsn)
		if err != nil {
			logger.Warn().Err(err).Msg("replication connect failed, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, retryPolicy(ctx, timeouts.RetryBudget)); err != nil {
		return nil, fmt.Errorf("replication connect: %w", err)
	}
	return conn, nil
}

// SetupCopySession applies the GUCs every data session needs: no server
// side timeouts can be allowed to abort a long COPY, and triggers must not
// fire on the target during bulk load.
func SetupCopySession(ctx context.Context, conn *pgx.Conn) error {
	stmts := []string{
		"SET statement_timeout TO 0",
		"SET lock_timeout TO 0",
		"SET idle_in_transaction_session_timeout TO 0",
		"SET session_replication_role TO 'replica'",
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// CancelInFlight fires the out-of-band cancel request for whatever the
// session is currently running. Used on fast shutdown.
func CancelInFlight(conn *pgx.Conn) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.PgConn().CancelRequest(cancelCtx)
}
