// Package apply replays statement files against the target, one target
// transaction per source transaction, advancing the replication origin's
// LSN atomically with each commit so replay is exactly-once across
// crashes.
package apply

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/journal"
	"github.com/jfoltran/pgclone/internal/cdc/transform"
	"github.com/jfoltran/pgclone/internal/metrics"
)

const (
	applyGatePollInterval = 1 * time.Second
	fileScanInterval      = 500 * time.Millisecond
)

// txDecision says what to do with one buffered source transaction.
type txDecision int

const (
	txApply txDecision = iota
	txSkip
	txApplyThenStop
	txStopNow
)

// decide implements the skip and endpos rules. begin and commit are the
// transaction's boundary positions, replay the origin's current position,
// endpos the configured stop bound (zero when unset).
func decide(begin, commit, replay, endpos pglogrepl.LSN) txDecision {
	if commit <= replay {
		return txSkip
	}
	if endpos == 0 {
		return txApply
	}
	// A transaction starting at or past endpos is never applied. One that
	// merely commits past it is applied in full: endpos rounds up to the
	// enclosing commit.
	if begin >= endpos {
		return txStopNow
	}
	if commit >= endpos {
		return txApplyThenStop
	}
	return txApply
}

// Applier replays statement files in WAL order.
type Applier struct {
	conn      *pgx.Conn
	store     *catalog.Store
	collector *metrics.Collector
	origin    string
	dir       string
	logger    zerolog.Logger

	replay   pglogrepl.LSN
	prepared map[string]bool
	applied  int64
	pending  txBuffer
}

// NewApplier creates an Applier over an already-dialed target session.
// dir is the timeline directory holding the .sql statement files.
func NewApplier(conn *pgx.Conn, store *catalog.Store, collector *metrics.Collector, origin, dir string, logger zerolog.Logger) *Applier {
	return &Applier{
		conn:      conn,
		store:     store,
		collector: collector,
		origin:    origin,
		dir:       dir,
		logger:    logger.With().Str("component", "applier").Logger(),
		prepared:  make(map[string]bool),
	}
}

// ReplayLSN returns the origin's position as of the last applied commit.
func (a *Applier) ReplayLSN() pglogrepl.LSN { return a.replay }

// Run processes statement files until endpos is reached or the context is
// cancelled. While the sentinel's apply gate is down the applier idles,
// reporting progress without executing.
func (a *Applier) Run(ctx context.Context) error {
	replay, err := setupOrigin(ctx, a.conn, a.origin)
	if err != nil {
		return err
	}
	a.replay = replay
	a.collector.RecordReplay(replay)
	if err := a.store.UpdateReplay(replay); err != nil {
		return err
	}
	a.logger.Info().Stringer("replay_lsn", replay).Str("origin", a.origin).Msg("applier starting")

	if err := a.waitForGate(ctx); err != nil {
		return err
	}

	processed := make(map[string]bool)
	for {
		files, err := a.statementFiles()
		if err != nil {
			return err
		}

		madeProgress := false
		for _, f := range files {
			if processed[f] {
				continue
			}
			done, err := a.applyFile(ctx, f)
			if err != nil {
				return err
			}
			processed[f] = true
			madeProgress = true
			if done {
				a.logger.Info().Stringer("replay_lsn", a.replay).Int64("tx_applied", a.applied).Msg("endpos reached")
				return nil
			}
		}

		if !madeProgress {
			sn, err := a.store.GetSentinel()
			if err != nil {
				return err
			}
			// Nothing new and the stream already ended: we are done.
			if end := sn.EndLSN(); end != 0 && a.replay >= end {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fileScanInterval):
			}
		}
	}
}

// waitForGate blocks while sentinel.apply is false.
func (a *Applier) waitForGate(ctx context.Context) error {
	for {
		sn, err := a.store.GetSentinel()
		if err != nil {
			return err
		}
		if sn.Apply {
			return nil
		}
		a.logger.Debug().Stringer("replay_lsn", a.replay).Msg("apply gate down, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyGatePollInterval):
		}
	}
}

func (a *Applier) statementFiles() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list statement files: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(a.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// txBuffer accumulates one source transaction between its BEGIN and
// COMMIT markers. Transactions may span statement files.
type txBuffer struct {
	begin pglogrepl.LSN
	xid   uint32
	lines []transform.ParsedLine
	open  bool
}

// applyFile replays one statement file. Returns true when endpos was
// reached and replay must stop.
func (a *Applier) applyFile(ctx context.Context, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open statement file: %w", err)
	}
	defer f.Close()

	a.logger.Debug().Str("file", filepath.Base(path)).Msg("applying statement file")

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		line, err := transform.ParseLine(sc.Text())
		if err != nil {
			return false, fmt.Errorf("%s line %d: %w", path, lineno, err)
		}

		done, err := a.consumeLine(ctx, line)
		if err != nil {
			return false, fmt.Errorf("%s line %d: %w", path, lineno, err)
		}
		if done {
			return true, nil
		}
	}
	return false, sc.Err()
}

func (a *Applier) consumeLine(ctx context.Context, line transform.ParsedLine) (bool, error) {
	if line.Marker == nil {
		if !a.pending.open {
			// statement outside a transaction: TRUNCATE markers from the
			// decoder arrive inside transactions, so this is a protocol
			// violation.
			return false, fmt.Errorf("statement outside transaction")
		}
		a.pending.lines = append(a.pending.lines, line)
		return false, nil
	}

	rec := line.Marker
	switch rec.Action {
	case journal.ActionBegin:
		pos, err := rec.Pos()
		if err != nil {
			return false, err
		}
		a.pending = txBuffer{begin: pos, xid: rec.XID, open: true}
		return false, nil

	case journal.ActionCommit:
		if !a.pending.open {
			return false, fmt.Errorf("commit without begin at %s", rec.LSN)
		}
		return a.finishTx(ctx, *rec)

	case journal.ActionRollback:
		// the receiver cut this transaction short at endpos
		a.pending = txBuffer{}
		return false, nil

	case journal.ActionEndpos:
		return true, nil

	case journal.ActionKeepalive, journal.ActionSwitch:
		return false, nil

	default:
		return false, fmt.Errorf("unexpected marker %s", rec.Action)
	}
}

func (a *Applier) finishTx(ctx context.Context, commit journal.Record) (bool, error) {
	tx := a.pending
	a.pending = txBuffer{}

	commitLSN, err := commit.Pos()
	if err != nil {
		return false, err
	}

	sn, err := a.store.GetSentinel()
	if err != nil {
		return false, err
	}

	switch decide(tx.begin, commitLSN, a.replay, sn.EndLSN()) {
	case txSkip:
		a.logger.Debug().Uint32("xid", tx.xid).Stringer("commit", commitLSN).Msg("transaction already applied, skipping")
		return false, nil
	case txStopNow:
		a.logger.Info().Uint32("xid", tx.xid).Stringer("commit", commitLSN).Msg("transaction past endpos, stopping")
		return true, nil
	case txApplyThenStop:
		if err := a.applyTx(ctx, tx, commitLSN, commit.Timestamp); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, a.applyTx(ctx, tx, commitLSN, commit.Timestamp)
	}
}

// applyTx replays one buffered transaction inside a single target
// transaction, stamping the origin before commit.
func (a *Applier) applyTx(ctx context.Context, tx txBuffer, commitLSN pglogrepl.LSN, ts string) error {
	// Empty transactions still advance the origin so resumed runs do not
	// revisit them.
	if _, err := a.conn.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	abort := func(err error) error {
		if _, rbErr := a.conn.Exec(context.Background(), "ROLLBACK"); rbErr != nil {
			a.logger.Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	for _, line := range tx.lines {
		switch {
		case line.PrepareHash != "":
			if err := a.prepare(ctx, line.PrepareHash, line.PrepareSQL); err != nil {
				return abort(err)
			}
		case line.ExecHash != "":
			if err := a.execPrepared(ctx, line.ExecHash, line.ExecArgs); err != nil {
				return abort(err)
			}
		case line.Plain != "":
			if _, err := a.conn.Exec(ctx, line.Plain); err != nil {
				return abort(fmt.Errorf("exec %q: %w", line.Plain, err))
			}
		}
	}

	if err := markOriginXact(ctx, a.conn, commitLSN, ts); err != nil {
		return abort(err)
	}
	if _, err := a.conn.Exec(ctx, "COMMIT"); err != nil {
		return abort(fmt.Errorf("commit: %w", err))
	}

	a.replay = commitLSN
	a.applied++
	a.collector.RecordReplay(commitLSN)
	if err := a.store.UpdateReplay(commitLSN); err != nil {
		return err
	}
	return nil
}

// prepare creates the named prepared statement on this session once.
func (a *Applier) prepare(ctx context.Context, hash, sql string) error {
	if a.prepared[hash] {
		return nil
	}
	if _, err := a.conn.Prepare(ctx, hash, sql); err != nil {
		return fmt.Errorf("prepare %s: %w", hash, err)
	}
	a.prepared[hash] = true
	return nil
}

// execPrepared runs one prepared statement. A hash prepared by an earlier
// run's file (whose PREPARE line is behind the replay position) is
// recovered from the catalog's statement cache.
func (a *Applier) execPrepared(ctx context.Context, hash string, args []any) error {
	if !a.prepared[hash] {
		sql, found, err := a.store.StmtGet(hash)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("unknown prepared statement %s", hash)
		}
		if err := a.prepare(ctx, hash, sql); err != nil {
			return err
		}
	}

	params := make([][]byte, len(args))
	for i, v := range args {
		if v == nil {
			params[i] = nil
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("execute %s: argument %d is %T", hash, i, v)
		}
		params[i] = []byte(s)
	}

	res := a.conn.PgConn().ExecPrepared(ctx, hash, params, nil, nil)
	if _, err := res.Close(); err != nil {
		return fmt.Errorf("execute %s: %w", hash, err)
	}
	return nil
}
