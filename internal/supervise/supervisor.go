// Package supervise drives the fixed step sequence of a run: snapshot
// export, schema dump/restore, enumeration, the worker pools, sequence
// reset, post-data restore, and the CDC pipeline when following. It owns
// signal handling and the fail-fast policy.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/apply"
	"github.com/jfoltran/pgclone/internal/cdc/decode"
	"github.com/jfoltran/pgclone/internal/cdc/journal"
	"github.com/jfoltran/pgclone/internal/cdc/receive"
	"github.com/jfoltran/pgclone/internal/cdc/transform"
	"github.com/jfoltran/pgclone/internal/clone"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/pgdb"
	"github.com/jfoltran/pgclone/internal/queue"
	"github.com/jfoltran/pgclone/internal/schema"
	"github.com/jfoltran/pgclone/internal/snapshot"
	"github.com/jfoltran/pgclone/pkg/lsn"
)

// Options selects the run mode.
type Options struct {
	Follow bool
	Resume bool
}

// Supervisor owns the run: catalog store, metrics, external tools, and
// the step sequence.
type Supervisor struct {
	cfg       *config.Config
	store     *catalog.Store
	collector *metrics.Collector
	persister *metrics.StatePersister
	dump      *schema.DumpTool
	logger    zerolog.Logger
	signals   *Handler
}

// New opens the catalog store and builds the run scaffolding.
func New(cfg *config.Config, logger zerolog.Logger) (*Supervisor, error) {
	for _, dir := range []string{cfg.SchemaDir(), cfg.CDCDir(), cfg.RunDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}

	store, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(prometheus.NewRegistry(), logger)
	persister, err := metrics.NewStatePersister(collector, cfg.RunDir(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Supervisor{
		cfg:       cfg,
		store:     store,
		collector: collector,
		persister: persister,
		dump:      schema.NewDumpTool(logger),
		logger:    logger.With().Str("component", "supervisor").Logger(),
	}, nil
}

// Store exposes the catalog for the sentinel CLI surface.
func (s *Supervisor) Store() *catalog.Store { return s.store }

// Close releases everything the supervisor owns.
func (s *Supervisor) Close() {
	if s.persister != nil {
		s.persister.Stop()
	}
	s.collector.Close()
	s.store.Close()
}

func (s *Supervisor) setPhase(phase string) {
	s.collector.SetPhase(phase)
	s.logger.Info().Str("phase", phase).Msg("step")
}

// Run executes a clone, optionally following with CDC replay.
func (s *Supervisor) Run(ctx context.Context, opts Options) error {
	ctx, handler, stop := WithSignals(ctx, s.logger)
	defer stop()
	s.signals = handler

	pidfile, err := WritePidfile(s.cfg.RunDir(), "clone")
	if err != nil {
		return err
	}
	defer RemovePidfile(pidfile)

	if err := s.store.RegisterProcess(catalog.Process{PID: os.Getpid(), Role: "clone", StartedAt: time.Now()}); err != nil {
		return err
	}
	defer func() {
		if err := s.store.UnregisterProcess(os.Getpid()); err != nil {
			s.logger.Err(err).Msg("unregister process")
		}
	}()

	if err := s.store.SetMeta(catalog.MetaRunID, newRunID()); err != nil {
		return err
	}

	s.persister.Start()

	var runErr error
	if opts.Follow {
		runErr = s.runCloneAndFollow(ctx, opts)
	} else {
		runErr = s.runCloneOnly(ctx, opts)
	}

	if runErr == nil || errors.Is(runErr, context.Canceled) {
		// graceful shutdown is a clean stop, not a failure
		if errors.Is(runErr, context.Canceled) {
			s.logger.Info().Msg("run stopped by signal")
			runErr = nil
		}
		if err := s.store.SetMeta(catalog.MetaStopMark, "clean"); err != nil {
			runErr = err
		}
	}
	return runErr
}

// runCloneOnly exports its own snapshot; there is no slot to pin one.
func (s *Supervisor) runCloneOnly(ctx context.Context, opts Options) error {
	snapConn, err := pgdb.Connect(ctx, s.cfg.Source.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer snapConn.Close(context.Background())
	s.signals.Track(snapConn)

	coord := snapshot.NewCoordinator(snapConn, s.logger)
	snapName := s.cfg.Replication.Snapshot
	if snapName == "" {
		snapName, err = coord.Export(ctx)
		if err != nil {
			return err
		}
		defer coord.Release(context.Background())
		go coord.KeepAlive(ctx, 30*time.Second)
	} else {
		coord.Adopt(snapName)
	}
	if err := coord.Distribute(s.store); err != nil {
		return err
	}

	return s.runCloneSteps(ctx, snapName, opts.Resume)
}

// runCloneAndFollow creates (or re-attaches) the slot, streams changes
// into the journal while the base copy runs, then flips the apply gate
// and replays until endpos.
func (s *Supervisor) runCloneAndFollow(ctx context.Context, opts Options) error {
	replConn, err := pgdb.ConnectReplication(ctx, s.cfg.Source.ReplicationDSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer replConn.Close(context.Background())

	decoder, err := decode.New(s.cfg.Replication.OutputPlugin)
	if err != nil {
		return err
	}

	sys, err := pglogrepl.IdentifySystem(ctx, replConn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	timeline := uint32(sys.Timeline)
	if err := s.store.SetMeta(catalog.MetaTimeline, fmt.Sprintf("%d", timeline)); err != nil {
		return err
	}

	writer, err := journal.NewWriter(s.cfg.CDCDir(), timeline, lsn.DefaultSegmentSize, s.logger)
	if err != nil {
		return err
	}
	receiver := receive.NewReceiver(replConn, decoder, writer, s.store, s.collector, s.cfg.Replication.SlotName, s.logger)

	var snapName string
	var startLSN pglogrepl.LSN
	if opts.Resume {
		startLSN, err = s.resumeStartLSN(ctx)
		if err != nil {
			return err
		}
		snapName, err = s.store.Meta(catalog.MetaSnapshot)
		if err != nil {
			return err
		}
		s.logger.Info().Stringer("start_lsn", startLSN).Msg("resuming follow from previous run")
	} else {
		snapName, startLSN, err = receiver.CreateSlot(ctx)
		if err != nil {
			return err
		}
		if err := s.store.SetStartPos(startLSN); err != nil {
			return err
		}
		if err := s.store.SetMeta(catalog.MetaSnapshot, snapName); err != nil {
			return err
		}
	}

	tldir := filepath.Join(s.cfg.CDCDir(), fmt.Sprintf("%d", timeline))
	transformer := transform.New(s.store, s.logger)
	if err := transformer.RebuildCache(tldir); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	cdcCtx, cdcCancel := context.WithCancel(gctx)
	defer cdcCancel()

	g.Go(func() error {
		err := receiver.Run(cdcCtx, startLSN)
		if err != nil && (errors.Is(err, context.Canceled) || cdcCtx.Err() != nil) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return transformer.Follow(cdcCtx, tldir, time.Second)
	})
	g.Go(func() error {
		defer cdcCancel()
		if err := s.runCloneSteps(gctx, snapName, opts.Resume); err != nil {
			return err
		}

		s.setPhase("apply")
		if err := s.store.SetApply(true); err != nil {
			return err
		}
		applyConn, err := pgdb.Connect(gctx, s.cfg.Target.DSN(), s.cfg.Timeouts, s.logger)
		if err != nil {
			return err
		}
		defer applyConn.Close(context.Background())
		s.signals.Track(applyConn)

		applier := apply.NewApplier(applyConn, s.store, s.collector, s.cfg.Replication.Origin, tldir, s.logger)
		return applier.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return s.cleanupReplication(receiver)
}

// RunFollow runs only the CDC pipeline, re-attaching to the slot and
// positions of an earlier clone --follow. The apply gate stays wherever
// the sentinel has it; flip it with `pgclone sentinel set apply`.
func (s *Supervisor) RunFollow(ctx context.Context) error {
	ctx, handler, stop := WithSignals(ctx, s.logger)
	defer stop()
	s.signals = handler

	pidfile, err := WritePidfile(s.cfg.RunDir(), "follow")
	if err != nil {
		return err
	}
	defer RemovePidfile(pidfile)

	if err := s.store.RegisterProcess(catalog.Process{PID: os.Getpid(), Role: "follow", StartedAt: time.Now()}); err != nil {
		return err
	}
	defer func() {
		if err := s.store.UnregisterProcess(os.Getpid()); err != nil {
			s.logger.Err(err).Msg("unregister process")
		}
	}()
	s.persister.Start()

	replConn, err := pgdb.ConnectReplication(ctx, s.cfg.Source.ReplicationDSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer replConn.Close(context.Background())

	decoder, err := decode.New(s.cfg.Replication.OutputPlugin)
	if err != nil {
		return err
	}
	sys, err := pglogrepl.IdentifySystem(ctx, replConn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	timeline := uint32(sys.Timeline)

	writer, err := journal.NewWriter(s.cfg.CDCDir(), timeline, lsn.DefaultSegmentSize, s.logger)
	if err != nil {
		return err
	}
	receiver := receive.NewReceiver(replConn, decoder, writer, s.store, s.collector, s.cfg.Replication.SlotName, s.logger)

	startLSN, err := s.resumeStartLSN(ctx)
	if err != nil {
		return err
	}

	tldir := filepath.Join(s.cfg.CDCDir(), fmt.Sprintf("%d", timeline))
	transformer := transform.New(s.store, s.logger)
	if err := transformer.RebuildCache(tldir); err != nil {
		return err
	}

	s.setPhase("follow")
	g, gctx := errgroup.WithContext(ctx)
	cdcCtx, cdcCancel := context.WithCancel(gctx)
	defer cdcCancel()

	g.Go(func() error {
		err := receiver.Run(cdcCtx, startLSN)
		if err != nil && (errors.Is(err, context.Canceled) || cdcCtx.Err() != nil) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return transformer.Follow(cdcCtx, tldir, time.Second)
	})
	g.Go(func() error {
		defer cdcCancel()
		applyConn, err := pgdb.Connect(gctx, s.cfg.Target.DSN(), s.cfg.Timeouts, s.logger)
		if err != nil {
			return err
		}
		defer applyConn.Close(context.Background())
		s.signals.Track(applyConn)

		applier := apply.NewApplier(applyConn, s.store, s.collector, s.cfg.Replication.Origin, tldir, s.logger)
		return applier.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return s.cleanupReplication(receiver)
}

// cleanupReplication drops the slot and the origin once replay has
// reached endpos. Uses fresh sessions: the run context is usually gone.
func (s *Supervisor) cleanupReplication(receiver *receive.Receiver) error {
	s.setPhase("cleanup")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := receiver.DropSlot(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("drop slot failed")
	}

	conn, err := pgdb.Connect(ctx, s.cfg.Target.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	if err := apply.DropOrigin(ctx, conn, s.cfg.Replication.Origin); err != nil {
		s.logger.Warn().Err(err).Msg("drop origin failed")
	}
	return nil
}

// resumeStartLSN computes max(sentinel.startpos, slot confirmed_flush_lsn).
func (s *Supervisor) resumeStartLSN(ctx context.Context) (pglogrepl.LSN, error) {
	sn, err := s.store.GetSentinel()
	if err != nil {
		return 0, err
	}
	start := sn.StartLSN()

	conn, err := pgdb.Connect(ctx, s.cfg.Source.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.Background())

	var confirmed *string
	err = conn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		s.cfg.Replication.SlotName).Scan(&confirmed)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("replication slot %q is gone; resume is not possible", s.cfg.Replication.SlotName)
	}
	if err != nil {
		return 0, fmt.Errorf("read slot state: %w", err)
	}
	if confirmed != nil {
		if l, err := pglogrepl.ParseLSN(*confirmed); err == nil && l > start {
			start = l
		}
	}
	if start == 0 {
		return 0, fmt.Errorf("no start position recorded; run a fresh clone --follow first")
	}
	return start, nil
}

// runCloneSteps executes the data-copy half of the sequence.
func (s *Supervisor) runCloneSteps(ctx context.Context, snapName string, resume bool) error {
	preDump := filepath.Join(s.cfg.SchemaDir(), "pre.dump")
	postDump := filepath.Join(s.cfg.SchemaDir(), "post.dump")
	postList := filepath.Join(s.cfg.SchemaDir(), "post.list")

	s.setPhase("dump-pre-data")
	if err := s.dump.Dump(ctx, s.cfg.Source.DSN(), schema.SectionPreData, preDump); err != nil {
		return err
	}
	s.setPhase("restore-pre-data")
	if err := s.dump.Restore(ctx, s.cfg.Target.DSN(), preDump, s.cfg.Jobs.RestoreJobs, ""); err != nil {
		return err
	}

	s.setPhase("enumerate")
	enumConn, err := pgdb.Connect(ctx, s.cfg.Source.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer enumConn.Close(context.Background())
	s.signals.Track(enumConn)

	policy := schema.SplitPolicy{
		ThresholdBytes: int64(s.cfg.Split.TablesLargerThan),
		MaxParts:       s.cfg.Split.MaxParts,
		CTIDFallback:   s.cfg.Split.SameTable,
	}
	enum := schema.NewEnumerator(enumConn, s.store, policy, s.logger)
	if err := enum.Run(ctx, snapName, resume); err != nil {
		return err
	}

	tables, err := s.store.Tables()
	if err != nil {
		return err
	}
	s.seedTableMetrics(tables)

	indexes, err := s.store.Indexes()
	if err != nil {
		return err
	}
	s.collector.SetIndexTotal(len(indexes))

	s.setPhase("copy")
	if err := s.runCopyAndIndex(ctx, tables, len(indexes), snapName); err != nil {
		return err
	}

	s.setPhase("large-objects")
	if err := s.runBlobs(ctx, snapName); err != nil {
		return err
	}

	s.setPhase("sequences")
	if err := s.runSequences(ctx, snapName); err != nil {
		return err
	}

	s.setPhase("dump-post-data")
	if err := s.dump.Dump(ctx, s.cfg.Source.DSN(), schema.SectionPostData, postDump); err != nil {
		return err
	}

	s.setPhase("restore-post-data")
	listText, err := s.dump.ListArchive(ctx, postDump)
	if err != nil {
		return err
	}
	entries, err := schema.ParseArchiveList(listText)
	if err != nil {
		return err
	}
	created, err := s.createdSet()
	if err != nil {
		return err
	}
	kept := schema.FilterPostData(entries, created)
	if err := s.dump.WriteList(postList, kept); err != nil {
		return err
	}
	if err := s.dump.Restore(ctx, s.cfg.Target.DSN(), postDump, s.cfg.Jobs.RestoreJobs, postList); err != nil {
		return err
	}

	s.setPhase("vacuum-analyze")
	vacConn, err := pgdb.Connect(ctx, s.cfg.Target.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer vacConn.Close(context.Background())
	s.signals.Track(vacConn)
	return clone.VacuumAnalyze(ctx, vacConn, s.store, s.logger)
}

// runCopyAndIndex seeds the table queue and runs both worker pools. The
// index pool consumes while the copy pool produces; the index queue closes
// once the last copy worker is done.
func (s *Supervisor) runCopyAndIndex(ctx context.Context, tables []catalog.Table, indexCount int, snapName string) error {
	var jobs []queue.Message
	for _, t := range tables {
		if t.Status == catalog.StatusDone {
			continue
		}
		parts, err := s.store.Partitions(t.OID)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if p.Status == catalog.StatusDone {
				continue
			}
			jobs = append(jobs, queue.Message{Kind: queue.KindTable, OID: t.OID, Part: int32(p.Part)})
		}
	}

	tableWorkers := s.cfg.Jobs.TableJobs
	indexWorkers := s.cfg.Jobs.IndexJobs

	tableQ := queue.New(len(jobs) + tableWorkers)
	indexQ := queue.New(indexCount + indexWorkers)

	for _, m := range jobs {
		if err := tableQ.Send(ctx, m); err != nil {
			return err
		}
	}
	if err := tableQ.Stop(ctx, tableWorkers); err != nil {
		return err
	}

	// Tables already complete from a previous run still owe their index
	// jobs.
	copier := clone.NewCopier(s.cfg, s.store, tableQ, indexQ, s.collector, snapName, s.logger)
	indexer := clone.NewIndexer(s.cfg, s.store, indexQ, s.collector, s.logger)
	for _, t := range tables {
		if t.Status != catalog.StatusDone {
			continue
		}
		idxs, err := s.store.IndexesForTable(t.OID)
		if err != nil {
			return err
		}
		for _, idx := range idxs {
			if idx.Status == catalog.StatusDone {
				continue
			}
			if err := indexQ.Send(ctx, queue.Message{Kind: queue.KindIndex, OID: idx.OID}); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := copier.Run(gctx, tableWorkers)
		// close the index queue whether or not the copy phase succeeded,
		// so index workers drain and exit
		if stopErr := indexQ.Stop(context.Background(), indexWorkers); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	})
	g.Go(func() error {
		return indexer.Run(gctx, indexWorkers)
	})
	return g.Wait()
}

func (s *Supervisor) runBlobs(ctx context.Context, snapName string) error {
	blobs, err := s.store.LargeObjects()
	if err != nil {
		return err
	}
	var jobs []queue.Message
	for _, b := range blobs {
		if b.Status == catalog.StatusDone {
			continue
		}
		jobs = append(jobs, queue.Message{Kind: queue.KindLargeObject, OID: b.OID})
	}
	if len(jobs) == 0 {
		return nil
	}

	workers := s.cfg.Jobs.LargeObjectJobs
	blobQ := queue.New(len(jobs) + workers)
	for _, m := range jobs {
		if err := blobQ.Send(ctx, m); err != nil {
			return err
		}
	}
	if err := blobQ.Stop(ctx, workers); err != nil {
		return err
	}

	bc := clone.NewBlobCopier(s.cfg, s.store, blobQ, s.collector, snapName, s.logger)
	return bc.Run(ctx, workers)
}

func (s *Supervisor) runSequences(ctx context.Context, snapName string) error {
	source, err := pgdb.Connect(ctx, s.cfg.Source.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer source.Close(context.Background())
	target, err := pgdb.Connect(ctx, s.cfg.Target.DSN(), s.cfg.Timeouts, s.logger)
	if err != nil {
		return err
	}
	defer target.Close(context.Background())
	s.signals.Track(source)
	s.signals.Track(target)

	return clone.NewSequenceResetter(s.store, snapName, s.logger).Run(ctx, source, target)
}

// createdSet names the indexes and constraints the clone engine already
// built, keyed the way pg_restore's TOC names them.
func (s *Supervisor) createdSet() (schema.CreatedSet, error) {
	created := schema.CreatedSet{}

	indexes, err := s.store.Indexes()
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		if idx.Status == catalog.StatusDone {
			created.Add(idx.Schema, idx.Name)
		}
	}

	constraints, err := s.store.Constraints()
	if err != nil {
		return nil, err
	}
	for _, con := range constraints {
		if con.Status != catalog.StatusDone {
			continue
		}
		tbl, found, err := s.store.Table(con.TableOID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		// TOC tags table constraints as "<table> <constraint>"
		created.Add(tbl.Schema, tbl.Name+" "+con.Name)
	}
	return created, nil
}

func (s *Supervisor) seedTableMetrics(tables []catalog.Table) {
	progress := make([]metrics.TableProgress, 0, len(tables))
	for _, t := range tables {
		status := metrics.TablePending
		if t.Status == catalog.StatusDone {
			status = metrics.TableCopied
		}
		progress = append(progress, metrics.TableProgress{
			Schema:     t.Schema,
			Name:       t.Name,
			Status:     status,
			RowsTotal:  t.EstRows,
			SizeBytes:  t.EstBytes,
			PartsTotal: t.PartCount,
		})
	}
	s.collector.SetTables(progress)
}

// Snapshot exposes run progress for the TUI and status surfaces.
func (s *Supervisor) Snapshot() metrics.Snapshot {
	return s.collector.Snapshot()
}

// Collector exposes the metrics collector for TUI subscription.
func (s *Supervisor) Collector() *metrics.Collector {
	return s.collector
}

func newRunID() string {
	return uuid.NewString()
}
