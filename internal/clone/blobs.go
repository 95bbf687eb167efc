package clone

import (
	"context"
	"fmt"

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

const (
	loChunkSize = 256 * 1024
	invRead     = 0x40000
	invWrite    = 0x20000
)

// BlobCopier streams large objects from source to target chunk by chunk,
// preserving their OIDs.
type BlobCopier struct {
	cfg       *config.Config
	store     *catalog.Store
	blobQ     *queue.Queue
	collector *metrics.Collector
	snapshot  string
	logger    zerolog.Logger
}

// NewBlobCopier creates a BlobCopier.
func NewBlobCopier(cfg *config.Config, store *catalog.Store, blobQ *queue.Queue, collector *metrics.Collector, snapshotName string, logger zerolog.Logger) *BlobCopier {
	return &BlobCopier{
		cfg:       cfg,
		store:     store,
		blobQ:     blobQ,
		collector: collector,
		snapshot:  snapshotName,
		logger:    logger.With().Str("component", "blobs").Logger(),
	}
}

// Run spawns n workers and blocks until the blob queue drains.
func (b *BlobCopier) Run(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		workerID := i
		g.Go(func() error { return b.worker(ctx, workerID) })
	}
	return g.Wait()
}

func (b *BlobCopier) worker(ctx context.Context, id int) error {
	log := b.logger.With().Int("worker", id).Logger()

	source, err := pgdb.Connect(ctx, b.cfg.Source.DSN(), b.cfg.Timeouts, log)
	if err != nil {
		return fmt.Errorf("blob worker %d: %w", id, err)
	}
	defer source.Close(context.Background())

	target, err := pgdb.Connect(ctx, b.cfg.Target.DSN(), b.cfg.Timeouts, log)
	if err != nil {
		return fmt.Errorf("blob worker %d: %w", id, err)
	}
	defer target.Close(context.Background())

	for {
		msg, ok, err := b.blobQ.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok || msg.Kind == queue.KindStop {
			return nil
		}
		if msg.Kind != queue.KindLargeObject {
			log.Warn().Str("kind", msg.Kind.String()).Msg("unexpected message on blob queue")
			continue
		}

		if err := b.copyBlob(ctx, log, source, target, msg.OID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.collector.RecordError(err)
			log.Err(err).Uint32("oid", msg.OID).Msg("large object copy failed")
			if b.cfg.FailFast {
				return err
			}
		}
	}
}

// copyBlob moves one large object through the server-side lo functions so
// content never lands on local disk.
func (b *BlobCopier) copyBlob(ctx context.Context, log zerolog.Logger, source, target *pgx.Conn, oid uint32) error {
	if err := b.store.MarkLargeObject(oid, catalog.StatusInProgress, ""); err != nil {
		return err
	}

	err := b.streamBlob(ctx, source, target, oid)
	if err != nil {
		markErr := b.store.MarkLargeObject(oid, catalog.StatusFailed, err.Error())
		if markErr != nil {
			log.Err(markErr).Msg("record blob failure")
		}
		return fmt.Errorf("large object %d: %w", oid, err)
	}

	log.Debug().Uint32("oid", oid).Msg("large object copied")
	return b.store.MarkLargeObject(oid, catalog.StatusDone, "")
}

func (b *BlobCopier) streamBlob(ctx context.Context, source, target *pgx.Conn, oid uint32) error {
	srcTx, err := source.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if err := snapshot.Attach(ctx, srcTx, b.snapshot); err != nil {
		return err
	}

	tgtTx, err := target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin target tx: %w", err)
	}
	defer tgtTx.Rollback(ctx) //nolint:errcheck

	var srcFD int
	if err := srcTx.QueryRow(ctx, "SELECT lo_open($1, $2)", oid, invRead).Scan(&srcFD); err != nil {
		return fmt.Errorf("lo_open source: %w", err)
	}

	// Recreate the object under the same OID; a leftover from an aborted
	// run is dropped first.
	var exists bool
	if err := tgtTx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_largeobject_metadata WHERE oid = $1)", oid).Scan(&exists); err != nil {
		return fmt.Errorf("check target large object: %w", err)
	}
	if exists {
		if _, err := tgtTx.Exec(ctx, "SELECT lo_unlink($1)", oid); err != nil {
			return fmt.Errorf("lo_unlink target: %w", err)
		}
	}
	if _, err := tgtTx.Exec(ctx, "SELECT lo_create($1)", oid); err != nil {
		return fmt.Errorf("lo_create target: %w", err)
	}
	var tgtFD int
	if err := tgtTx.QueryRow(ctx, "SELECT lo_open($1, $2)", oid, invWrite).Scan(&tgtFD); err != nil {
		return fmt.Errorf("lo_open target: %w", err)
	}

	for {
		var chunk []byte
		if err := srcTx.QueryRow(ctx, "SELECT loread($1, $2)", srcFD, loChunkSize).Scan(&chunk); err != nil {
			return fmt.Errorf("loread: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		var wrote int
		if err := tgtTx.QueryRow(ctx, "SELECT lowrite($1, $2)", tgtFD, chunk).Scan(&wrote); err != nil {
			return fmt.Errorf("lowrite: %w", err)
		}
		if wrote != len(chunk) {
			return fmt.Errorf("lowrite short write: %d of %d", wrote, len(chunk))
		}
		if len(chunk) < loChunkSize {
			break
		}
	}

	if err := tgtTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit target tx: %w", err)
	}
	return srcTx.Commit(ctx)
}
