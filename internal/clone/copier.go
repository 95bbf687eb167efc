// Package clone is the parallel bulk-copy engine: table-copy workers
// streaming rows under the shared snapshot, index and constraint workers,
// large-object workers, sequence reset, and the post-copy vacuum pass.
package clone

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/pgdb"
	"github.com/jfoltran/pgclone/internal/queue"
	"github.com/jfoltran/pgclone/internal/snapshot"
)

// Copier drains the table queue with a pool of workers. Each worker owns
// one source and one target session for its whole lifetime.
type Copier struct {
	cfg       *config.Config
	store     *catalog.Store
	tableQ    *queue.Queue
	indexQ    *queue.Queue
	collector *metrics.Collector
	snapshot  string
	logger    zerolog.Logger
}

// NewCopier creates a Copier. snapshotName is the shared snapshot every
// source read attaches to.
func NewCopier(cfg *config.Config, store *catalog.Store, tableQ, indexQ *queue.Queue, collector *metrics.Collector, snapshotName string, logger zerolog.Logger) *Copier {
	return &Copier{
		cfg:       cfg,
		store:     store,
		tableQ:    tableQ,
		indexQ:    indexQ,
		collector: collector,
		snapshot:  snapshotName,
		logger:    logger.With().Str("component", "copier").Logger(),
	}
}

// Run spawns n workers and blocks until the table queue drains. Under
// fail-fast the first job failure cancels the group.
func (c *Copier) Run(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		workerID := i
		g.Go(func() error { return c.worker(ctx, workerID) })
	}
	return g.Wait()
}

func (c *Copier) worker(ctx context.Context, id int) error {
	log := c.logger.With().Int("worker", id).Logger()

	source, err := pgdb.Connect(ctx, c.cfg.Source.DSN(), c.cfg.Timeouts, log)
	if err != nil {
		return fmt.Errorf("copy worker %d: %w", id, err)
	}
	defer source.Close(context.Background())

	target, err := pgdb.Connect(ctx, c.cfg.Target.DSN(), c.cfg.Timeouts, log)
	if err != nil {
		return fmt.Errorf("copy worker %d: %w", id, err)
	}
	defer target.Close(context.Background())

	if err := pgdb.SetupCopySession(ctx, target); err != nil {
		return fmt.Errorf("copy worker %d target setup: %w", id, err)
	}

	for {
		msg, ok, err := c.tableQ.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok || msg.Kind == queue.KindStop {
			return nil
		}
		if msg.Kind != queue.KindTable {
			log.Warn().Str("kind", msg.Kind.String()).Msg("unexpected message on table queue")
			continue
		}

		if err := c.copyPartition(ctx, log, source, target, msg.OID, int(msg.Part)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.collector.RecordError(err)
			log.Err(err).Uint32("table", msg.OID).Int32("part", msg.Part).Msg("partition copy failed")
			if c.cfg.FailFast {
				return err
			}
		}
	}
}

// copyPartition streams one table slice from source to target with no
// intermediate file.
func (c *Copier) copyPartition(ctx context.Context, log zerolog.Logger, source, target *pgx.Conn, tableOID uint32, part int) error {
	tbl, found, err := c.store.Table(tableOID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("table %d not in catalog", tableOID)
	}
	parts, err := c.store.Partitions(tableOID)
	if err != nil {
		return err
	}
	if part >= len(parts) {
		return fmt.Errorf("partition %d/%d not in catalog", tableOID, part)
	}
	p := parts[part]
	if p.Status == catalog.StatusDone {
		log.Debug().Str("table", tbl.QualifiedName()).Int("part", part).Msg("partition already done, skipping")
		return nil
	}

	if err := c.store.MarkPartition(tableOID, part, catalog.StatusInProgress, 0, ""); err != nil {
		return err
	}
	c.collector.TableStarted(tbl.Schema, tbl.Name)

	rows, err := c.streamPartition(ctx, log, source, target, tbl, p)
	if err != nil {
		markErr := c.store.MarkPartition(tableOID, part, catalog.StatusFailed, 0, err.Error())
		if markErr != nil {
			log.Err(markErr).Msg("record partition failure")
		}
		c.collector.TableFailed(tbl.Schema, tbl.Name)
		return fmt.Errorf("copy %s part %d: %w", tbl.QualifiedName(), part, err)
	}

	if err := c.store.MarkPartition(tableOID, part, catalog.StatusDone, rows, ""); err != nil {
		return err
	}
	c.collector.PartDone(tbl.Schema, tbl.Name, rows, 0)
	log.Info().Str("table", tbl.QualifiedName()).Int("part", part).Int64("rows", rows).Msg("partition copied")

	finished, err := c.store.TryFinishTable(tableOID)
	if err != nil {
		return err
	}
	if finished {
		c.collector.TableDone(tbl.Schema, tbl.Name)
		if err := c.enqueueIndexes(ctx, tableOID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Copier) streamPartition(ctx context.Context, log zerolog.Logger, source, target *pgx.Conn, tbl catalog.Table, p catalog.Partition) (int64, error) {
	srcTx, err := source.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if err := snapshot.Attach(ctx, srcTx, c.snapshot); err != nil {
		return 0, err
	}

	qn := quoteQualified(tbl.Schema, tbl.Name)

	// Exactly one partition per table truncates; the freeze optimization
	// needs the TRUNCATE inside the same target transaction as the COPY,
	// so it only applies to single-partition tables.
	truncate, err := c.store.ClaimTruncate(tbl.OID)
	if err != nil {
		return 0, err
	}
	freeze := p.Total == 1 && truncate

	var copyOut string
	if p.Predicate == "" {
		copyOut = fmt.Sprintf("COPY %s TO STDOUT", qn)
	} else {
		copyOut = fmt.Sprintf("COPY (SELECT * FROM %s WHERE %s) TO STDOUT", qn, p.Predicate)
	}
	copyIn := fmt.Sprintf("COPY %s FROM STDIN", qn)
	if freeze {
		copyIn = fmt.Sprintf("COPY %s FROM STDIN (FREEZE true)", qn)
	}

	var tgtTx pgx.Tx
	if freeze {
		tgtTx, err = target.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("begin target tx: %w", err)
		}
		defer tgtTx.Rollback(ctx) //nolint:errcheck
	}

	exec := target.PgConn()
	if tgtTx != nil {
		exec = tgtTx.Conn().PgConn()
	}

	if truncate {
		log.Debug().Str("table", tbl.QualifiedName()).Msg("truncating target table")
		if _, err := exec.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", qn)).ReadAll(); err != nil {
			return 0, fmt.Errorf("truncate %s: %w", qn, err)
		}
	}

	pr, pw := io.Pipe()
	copyErr := make(chan error, 1)
	go func() {
		_, err := srcTx.Conn().PgConn().CopyTo(ctx, pw, copyOut)
		pw.CloseWithError(err)
		copyErr <- err
	}()

	tag, err := exec.CopyFrom(ctx, pr, copyIn)
	// Drain the source side so its error wins when both fail; a broken
	// target pipe surfaces on the source as a write error too.
	srcErr := <-copyErr
	if srcErr != nil {
		return 0, fmt.Errorf("source copy out: %w", srcErr)
	}
	if err != nil {
		return 0, fmt.Errorf("target copy in: %w", err)
	}

	if tgtTx != nil {
		if err := tgtTx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit target tx: %w", err)
		}
	}
	if err := srcTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit source tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// enqueueIndexes pushes all of a finished table's indexes onto the index
// queue.
func (c *Copier) enqueueIndexes(ctx context.Context, tableOID uint32) error {
	indexes, err := c.store.IndexesForTable(tableOID)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.Status == catalog.StatusDone {
			continue
		}
		if err := c.indexQ.Send(ctx, queue.Message{Kind: queue.KindIndex, OID: idx.OID}); err != nil {
			return fmt.Errorf("enqueue index %d: %w", idx.OID, err)
		}
	}
	return nil
}
