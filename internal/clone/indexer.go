package clone

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/pgdb"
	"github.com/jfoltran/pgclone/internal/queue"
)

// Indexer drains the index queue, building indexes concurrently and
// promoting unique indexes into their constraints in a second, shorter
// critical section. Foreign-key and exclusion constraints are left to the
// post-data restore.
type Indexer struct {
	cfg       *config.Config
	store     *catalog.Store
	indexQ    *queue.Queue
	collector *metrics.Collector
	logger    zerolog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(cfg *config.Config, store *catalog.Store, indexQ *queue.Queue, collector *metrics.Collector, logger zerolog.Logger) *Indexer {
	return &Indexer{
		cfg:       cfg,
		store:     store,
		indexQ:    indexQ,
		collector: collector,
		logger:    logger.With().Str("component", "indexer").Logger(),
	}
}

// Run spawns n workers and blocks until the index queue drains.
func (ix *Indexer) Run(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		workerID := i
		g.Go(func() error { return ix.worker(ctx, workerID) })
	}
	return g.Wait()
}

func (ix *Indexer) worker(ctx context.Context, id int) error {
	log := ix.logger.With().Int("worker", id).Logger()

	target, err := pgdb.Connect(ctx, ix.cfg.Target.DSN(), ix.cfg.Timeouts, log)
	if err != nil {
		return fmt.Errorf("index worker %d: %w", id, err)
	}
	defer target.Close(context.Background())

	// Index builds must never be cut short by server-side timeouts.
	if _, err := target.Exec(ctx, "SET statement_timeout TO 0"); err != nil {
		return fmt.Errorf("index worker %d: %w", id, err)
	}
	if _, err := target.Exec(ctx, "SET lock_timeout TO 0"); err != nil {
		return fmt.Errorf("index worker %d: %w", id, err)
	}

	for {
		msg, ok, err := ix.indexQ.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok || msg.Kind == queue.KindStop {
			return nil
		}
		if msg.Kind != queue.KindIndex {
			log.Warn().Str("kind", msg.Kind.String()).Msg("unexpected message on index queue")
			continue
		}

		if err := ix.buildIndex(ctx, log, target, msg.OID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.collector.RecordError(err)
			log.Err(err).Uint32("index", msg.OID).Msg("index build failed")
			if ix.cfg.FailFast {
				return err
			}
		}
	}
}

func (ix *Indexer) buildIndex(ctx context.Context, log zerolog.Logger, target *pgx.Conn, indexOID uint32) error {
	idx, found, err := ix.store.Index(indexOID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("index %d not in catalog", indexOID)
	}
	if idx.Status == catalog.StatusDone {
		return nil
	}
	if err := ix.store.MarkIndex(indexOID, catalog.StatusInProgress, ""); err != nil {
		return err
	}

	exists, err := indexExists(ctx, target, idx.Schema, idx.Name)
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("index", idx.Name).Msg("index already on target, skipping creation")
	} else {
		log.Info().Str("index", idx.Name).Msg("creating index")
		if _, err := target.Exec(ctx, idx.Def); err != nil {
			markErr := ix.store.MarkIndex(indexOID, catalog.StatusFailed, err.Error())
			if markErr != nil {
				log.Err(markErr).Msg("record index failure")
			}
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
	}

	if idx.ConstraintOID != 0 {
		if err := ix.promoteConstraint(ctx, log, target, idx); err != nil {
			markErr := ix.store.MarkIndex(indexOID, catalog.StatusFailed, err.Error())
			if markErr != nil {
				log.Err(markErr).Msg("record constraint failure")
			}
			return err
		}
	}

	if err := ix.store.MarkIndex(indexOID, catalog.StatusDone, ""); err != nil {
		return err
	}
	ix.collector.IndexDone()
	return nil
}

// promoteConstraint turns an already-built unique index into its primary
// key or unique constraint. Exclusion constraints cannot be promoted from
// an existing index and stay with the post-data restore.
func (ix *Indexer) promoteConstraint(ctx context.Context, log zerolog.Logger, target *pgx.Conn, idx catalog.Index) error {
	con, found, err := ix.store.Constraint(idx.ConstraintOID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("constraint %d not in catalog", idx.ConstraintOID)
	}
	if con.Kind != catalog.ConstraintPrimary && con.Kind != catalog.ConstraintUnique {
		return ix.store.MarkConstraint(con.OID, catalog.StatusSkipped)
	}

	tbl, found, err := ix.store.Table(con.TableOID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("table %d not in catalog", con.TableOID)
	}

	exists, err := constraintExists(ctx, target, tbl.Schema, tbl.Name, con.Name)
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("constraint", con.Name).Msg("constraint already on target, skipping")
		return ix.store.MarkConstraint(con.OID, catalog.StatusDone)
	}

	stmt := PromoteConstraintSQL(tbl.Schema, tbl.Name, con.Name, con.Kind, idx.Name)
	log.Info().Str("constraint", con.Name).Msg("promoting index to constraint")
	if _, err := target.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("add constraint %s: %w", con.Name, err)
	}
	return ix.store.MarkConstraint(con.OID, catalog.StatusDone)
}

// PromoteConstraintSQL builds the ALTER TABLE statement of the two-step
// protocol: the index is already built, so the constraint step only takes
// the short lock.
func PromoteConstraintSQL(schema, table, constraint string, kind catalog.ConstraintKind, indexName string) string {
	var kindSQL string
	if kind == catalog.ConstraintPrimary {
		kindSQL = "PRIMARY KEY"
	} else {
		kindSQL = "UNIQUE"
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s USING INDEX %s",
		quoteQualified(schema, table), quoteIdent(constraint), kindSQL, quoteIdent(indexName))
}

func indexExists(ctx context.Context, conn *pgx.Conn, schema, name string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relkind = 'i' AND n.nspname = $1 AND c.relname = $2)`,
		schema, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check index %s.%s: %w", schema, name, err)
	}
	return exists, nil
}

func constraintExists(ctx context.Context, conn *pgx.Conn, schema, table, constraint string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_constraint con
			JOIN pg_class c ON c.oid = con.conrelid
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2 AND con.conname = $3)`,
		schema, table, constraint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check constraint %s: %w", constraint, err)
	}
	return exists, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualified(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}
