// Package snapshot exports one serializable snapshot on the source and
// hands its identifier to every worker, so all reads during the clone
// observe the same point in time.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// Coordinator owns the long-lived session whose transaction keeps the
// exported snapshot alive for the whole run.
type Coordinator struct {
	conn   *pgx.Conn
	tx     pgx.Tx
	name   string
	logger zerolog.Logger
}

// NewCoordinator wraps an already-dialed source session.
func NewCoordinator(conn *pgx.Conn, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		conn:   conn,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
}

// Export begins a SERIALIZABLE, READ ONLY, DEFERRABLE transaction and
// exports its snapshot. The transaction stays open until Release.
func (c *Coordinator) Export(ctx context.Context) (string, error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       pgx.Serializable,
		AccessMode:     pgx.ReadOnly,
		DeferrableMode: pgx.Deferrable,
	})
	if err != nil {
		return "", fmt.Errorf("begin snapshot tx: %w", err)
	}

	var name string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&name); err != nil {
		_ = tx.Rollback(ctx)
		return "", fmt.Errorf("export snapshot: %w", err)
	}

	c.tx = tx
	c.name = name
	c.logger.Info().Str("snapshot", name).Msg("exported snapshot")
	return name, nil
}

// Adopt records an externally exported snapshot (slot creation, or the
// PGCLONE_SNAPSHOT override) without opening a holding transaction. The
// external owner is responsible for keeping it alive.
func (c *Coordinator) Adopt(name string) {
	c.name = name
	c.logger.Info().Str("snapshot", name).Msg("adopted external snapshot")
}

// Name returns the active snapshot identifier, empty before Export/Adopt.
func (c *Coordinator) Name() string {
	return c.name
}

// Distribute writes the snapshot identifier into the catalog so restarted
// workers and external processes can attach to it.
func (c *Coordinator) Distribute(store *catalog.Store) error {
	if c.name == "" {
		return fmt.Errorf("no snapshot exported")
	}
	return store.SetMeta(catalog.MetaSnapshot, c.name)
}

// KeepAlive pings the holding session on an interval until ctx fires, so
// connection-level idle timeouts cannot kill the snapshot mid-run.
func (c *Coordinator) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.tx == nil {
				continue
			}
			var one int
			if err := c.tx.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
				if ctx.Err() == nil {
					c.logger.Err(err).Msg("snapshot keepalive failed")
				}
				return
			}
		}
	}
}

// Release rolls back the holding transaction. The snapshot disappears with
// it; only call once every snapshot reader has finished.
func (c *Coordinator) Release(ctx context.Context) {
	if c.tx != nil {
		_ = c.tx.Rollback(ctx)
		c.tx = nil
	}
}

// Attach imports the snapshot into a worker's already-open transaction.
// The worker transaction must be REPEATABLE READ or stricter.
func Attach(ctx context.Context, tx pgx.Tx, name string) error {
	if name == "" {
		return nil
	}
	quoted := strings.ReplaceAll(name, "'", "''")
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", quoted)); err != nil {
		return fmt.Errorf("set transaction snapshot: %w", err)
	}
	return nil
}
