// Package receive owns the replication connection: it creates or attaches
// the logical slot, consumes the decoded stream, persists it through the
// journal writer, and reports the write/flush/replay triple back to the
// source for slot retention.
package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/decode"
	"github.com/jfoltran/pgclone/internal/cdc/journal"
	"github.com/jfoltran/pgclone/internal/metrics"
)

const (
	standbyInterval = 1 * time.Second
	recvTimeout     = 2 * time.Second
)

// Receiver streams decoded changes into rotating journal segments.
type Receiver struct {
	conn      *pgconn.PgConn
	decoder   decode.Decoder
	writer    *journal.Writer
	store     *catalog.Store
	collector *metrics.Collector
	slotName  string
	logger    zerolog.Logger

	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time
	openXID        uint32
	txOpen         bool
}

// NewReceiver creates a Receiver over an already-dialed replication
// connection.
func NewReceiver(conn *pgconn.PgConn, decoder decode.Decoder, writer *journal.Writer, store *catalog.Store, collector *metrics.Collector, slotName string, logger zerolog.Logger) *Receiver {
	r := &Receiver{
		conn:      conn,
		decoder:   decoder,
		writer:    writer,
		store:     store,
		collector: collector,
		slotName:  strings.ReplaceAll(slotName, "-", "_"),
		logger:    logger.With().Str("component", "receiver").Logger(),
	}
	writer.OnWrite(func(write, flush pglogrepl.LSN, bytes int64) {
		collector.JournalWritten(bytes, write, flush)
		if err := store.UpdateWriteFlush(write, flush); err != nil {
			r.logger.Err(err).Msg("sentinel write/flush update failed")
		}
	})
	return r
}

// IdentifySystem reports the source's timeline and current WAL position.
func (r *Receiver) IdentifySystem(ctx context.Context) (pglogrepl.IdentifySystemResult, error) {
	sys, err := pglogrepl.IdentifySystem(ctx, r.conn)
	if err != nil {
		return sys, fmt.Errorf("identify system: %w", err)
	}
	return sys, nil
}

// CreateSlot creates the logical slot, exporting a snapshot the clone
// engine attaches to. The snapshot stays valid until streaming starts.
func (r *Receiver) CreateSlot(ctx context.Context) (snapshotName string, consistentPoint pglogrepl.LSN, err error) {
	result, err := pglogrepl.CreateReplicationSlot(ctx, r.conn, r.slotName, r.decoder.Plugin(),
		pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "export"})
	if err != nil {
		return "", 0, fmt.Errorf("create replication slot %s: %w", r.slotName, err)
	}
	point, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", 0, fmt.Errorf("parse consistent point: %w", err)
	}
	r.logger.Info().
		Str("slot", r.slotName).
		Str("snapshot", result.SnapshotName).
		Stringer("consistent_point", point).
		Msg("created replication slot")
	return result.SnapshotName, point, nil
}

// DropSlot removes the slot at the end of a run.
func (r *Receiver) DropSlot(ctx context.Context) error {
	if err := pglogrepl.DropReplicationSlot(ctx, r.conn, r.slotName, pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil {
		return fmt.Errorf("drop replication slot %s: %w", r.slotName, err)
	}
	return nil
}

// Run streams from startLSN until a stop condition or cancellation. On a
// clean endpos stop the open segment is finalized so the transformer sees
// the tail; on cancellation it stays partial for the next run.
func (r *Receiver) Run(ctx context.Context, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(ctx, r.conn, r.slotName, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: r.decoder.PluginArgs()})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	r.logger.Info().Stringer("start_lsn", startLSN).Str("plugin", r.decoder.Plugin()).Msg("streaming started")
	r.lastStatusTime = time.Now()

	for {
		select {
		case <-ctx.Done():
			if err := r.writer.Close(); err != nil {
				r.logger.Err(err).Msg("journal close failed")
			}
			return ctx.Err()
		default:
		}

		if time.Since(r.lastStatusTime) >= standbyInterval {
			if err := r.sendStandbyStatus(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				r.logger.Err(err).Msg("standby status failed")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if pgconn.Timeout(err) {
				// Idle stream: an endpos already covered by a keepalive
				// can only be noticed here.
				if done, derr := r.idleEndposCheck(); derr != nil {
					return derr
				} else if done {
					return r.stopAtEndpos()
				}
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			done, err := r.handleKeepalive(ctx, copyData.Data[1:])
			if err != nil {
				return err
			}
			if done {
				return r.stopAtEndpos()
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlogdata: %w", err)
			}
			if pglogrepl.LSN(xld.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			done, err := r.handleWALData(xld)
			if err != nil {
				return err
			}
			if done {
				return r.stopAtEndpos()
			}
		}
	}
}

func (r *Receiver) handleKeepalive(ctx context.Context, data []byte) (bool, error) {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return false, fmt.Errorf("parse keepalive: %w", err)
	}
	if pglogrepl.LSN(pkm.ServerWALEnd) > r.serverWALEnd {
		r.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
	}

	// Keepalives are journaled so an idle stream still advances the
	// sentinel's write position.
	if !r.txOpen && r.serverWALEnd > 0 {
		rec := journal.Record{Action: journal.ActionKeepalive, LSN: r.serverWALEnd.String()}
		if err := r.writer.Append(rec); err != nil {
			return false, err
		}
	}

	if pkm.ReplyRequested {
		if err := r.sendStandbyStatus(ctx); err != nil {
			r.logger.Err(err).Msg("keepalive reply failed")
		}
	}

	// Stop condition: the stream is idle and the server has passed endpos.
	sn, err := r.store.GetSentinel()
	if err != nil {
		return false, err
	}
	if end := sn.EndLSN(); end != 0 && !r.txOpen && r.serverWALEnd >= end {
		return true, nil
	}
	return false, nil
}

func (r *Receiver) idleEndposCheck() (bool, error) {
	sn, err := r.store.GetSentinel()
	if err != nil {
		return false, err
	}
	end := sn.EndLSN()
	return end != 0 && !r.txOpen && r.writer.LastLSN() >= end, nil
}

// handleWALData decodes one payload and journals its records, enforcing
// the endpos cut: a COMMIT past endpos turns into a ROLLBACK marker so the
// partial transaction is never applied.
func (r *Receiver) handleWALData(xld pglogrepl.XLogData) (bool, error) {
	records, err := r.decoder.Decode(xld.WALData, pglogrepl.LSN(xld.WALStart))
	if err != nil {
		return false, err
	}

	sn, err := r.store.GetSentinel()
	if err != nil {
		return false, err
	}
	endpos := sn.EndLSN()

	for _, rec := range records {
		pos, err := rec.Pos()
		if err != nil {
			return false, err
		}

		switch rec.Action {
		case journal.ActionBegin:
			r.txOpen = true
			r.openXID = rec.XID

		case journal.ActionCommit:
			r.txOpen = false
			if endpos != 0 && pos > endpos {
				// the transaction straddles endpos: discard it
				rb := journal.Record{Action: journal.ActionRollback, LSN: rec.LSN, XID: r.openXID}
				if err := r.writer.Append(rb); err != nil {
					return false, err
				}
				r.logger.Info().Uint32("xid", r.openXID).Stringer("commit", pos).Msg("transaction past endpos, rolled back")
				return true, nil
			}
			if err := r.writer.Append(rec); err != nil {
				return false, err
			}
			if endpos != 0 && pos == endpos {
				return true, nil
			}
			continue
		}

		if err := r.writer.Append(rec); err != nil {
			return false, err
		}
	}
	return false, nil
}

// stopAtEndpos writes the ENDPOS marker, finalizes the open segment, and
// returns cleanly.
func (r *Receiver) stopAtEndpos() error {
	sn, err := r.store.GetSentinel()
	if err != nil {
		return err
	}
	rec := journal.Record{Action: journal.ActionEndpos, LSN: sn.EndPos}
	if err := r.writer.Append(rec); err != nil && !errors.Is(err, context.Canceled) {
		// A stale endpos below the last written record is fine; the
		// marker is advisory and the applier stops on its own rule.
		r.logger.Debug().Err(err).Msg("endpos marker not appended")
	}
	if err := r.writer.Finalize(); err != nil {
		return err
	}
	r.logger.Info().Str("endpos", sn.EndPos).Msg("receiver stopped at endpos")
	return nil
}

// sendStandbyStatus reports the (written, flushed, applied) triple. The
// applied position comes from the sentinel, written there by the applier.
func (r *Receiver) sendStandbyStatus(ctx context.Context) error {
	if err := r.writer.Flush(); err != nil {
		return err
	}
	sn, err := r.store.GetSentinel()
	if err != nil {
		return err
	}

	write := r.writer.LastLSN()
	flush := r.writer.FlushedLSN()
	apply := sn.Replay()
	// Before anything is journaled, report the server position so the
	// slot does not hold WAL for a stream we have already seen.
	if write == 0 {
		write, flush = r.serverWALEnd, r.serverWALEnd
	}

	r.lastStatusTime = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: write,
			WALFlushPosition: flush,
			WALApplyPosition: apply,
		})
}
