package journal

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/pkg/lsn"
)

const partialSuffix = ".partial"

// Writer appends records to the segment whose name derives from the WAL
// file containing each record's LSN. Writes go to a .partial sibling; the
// file gets its final name only after its closing SWITCH is written, so
// readers never observe torn segments. A leftover .partial from a previous
// run is adopted at construction, its torn tail truncated.
type Writer struct {
	dir      string
	timeline uint32
	segSize  uint64
	logger   zerolog.Logger

	file     *os.File
	segStart pglogrepl.LSN
	lastLSN  pglogrepl.LSN
	flushed  pglogrepl.LSN

	// onWrite is notified with (written, flushed, bytes) after appends
	// and fsyncs; the receiver feeds these into the sentinel and metrics.
	onWrite func(write, flush pglogrepl.LSN, bytes int64)
}

// NewWriter creates a Writer for one timeline under dir, resuming a
// leftover partial segment when one exists.
func NewWriter(dir string, timeline uint32, segSize uint64, logger zerolog.Logger) (*Writer, error) {
	tldir := filepath.Join(dir, fmt.Sprintf("%d", timeline))
	if err := os.MkdirAll(tldir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	w := &Writer{
		dir:      tldir,
		timeline: timeline,
		segSize:  segSize,
		logger:   logger.With().Str("component", "journal").Logger(),
	}
	if err := w.resumePartial(); err != nil {
		return nil, err
	}
	return w, nil
}

// OnWrite installs the position callback.
func (w *Writer) OnWrite(fn func(write, flush pglogrepl.LSN, bytes int64)) {
	w.onWrite = fn
}

// LastLSN returns the highest LSN appended so far.
func (w *Writer) LastLSN() pglogrepl.LSN { return w.lastLSN }

// FlushedLSN returns the highest LSN whose segment has been fsynced.
func (w *Writer) FlushedLSN() pglogrepl.LSN { return w.flushed }

func (w *Writer) segmentPath(start pglogrepl.LSN) string {
	name := lsn.WalSegmentName(w.timeline, start, w.segSize) + ".json"
	return filepath.Join(w.dir, name)
}

// resumePartial adopts the newest leftover .partial segment, truncating
// any torn trailing line and seeding lastLSN from its records.
func (w *Writer) resumePartial() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan journal dir: %w", err)
	}
	var partials []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json"+partialSuffix) {
			partials = append(partials, e.Name())
		}
	}
	if len(partials) == 0 {
		return nil
	}
	sort.Strings(partials)
	name := partials[len(partials)-1]

	segName := strings.TrimSuffix(name, ".json"+partialSuffix)
	_, start, err := lsn.ParseWalSegmentName(segName, w.segSize)
	if err != nil {
		return err
	}

	path := filepath.Join(w.dir, name)
	last, err := recoverPartial(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen partial segment: %w", err)
	}
	w.file = f
	w.segStart = start
	w.lastLSN = last
	w.logger.Info().Str("segment", name).Stringer("last_lsn", last).Msg("resumed partial journal segment")
	return nil
}

// recoverPartial truncates a trailing torn line from an interrupted run
// and returns the last complete record's LSN.
func recoverPartial(path string) (pglogrepl.LSN, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read partial segment: %w", err)
	}

	valid := data
	if len(valid) > 0 && valid[len(valid)-1] != '\n' {
		if i := bytes.LastIndexByte(valid, '\n'); i >= 0 {
			valid = valid[:i+1]
		} else {
			valid = nil
		}
	}
	if len(valid) != len(data) {
		if err := os.WriteFile(path, valid, 0o644); err != nil {
			return 0, fmt.Errorf("truncate partial segment: %w", err)
		}
	}

	var last pglogrepl.LSN
	sc := bufio.NewScanner(bytes.NewReader(valid))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		rec, err := Decode(sc.Bytes())
		if err != nil {
			return 0, fmt.Errorf("corrupt partial segment %s: %w", path, err)
		}
		if pos, err := rec.Pos(); err == nil && pos > last {
			last = pos
		}
	}
	return last, sc.Err()
}

// Append writes one record, rotating segments when the record's LSN has
// crossed a WAL boundary. LSNs must be strictly increasing; stale
// keepalives are dropped silently, anything else out of order is an error.
func (w *Writer) Append(rec Record) error {
	pos, err := rec.Pos()
	if err != nil {
		return err
	}

	if w.lastLSN != 0 && pos <= w.lastLSN {
		if rec.Action == ActionKeepalive {
			return nil
		}
		return fmt.Errorf("journal record %s at %s not after %s", rec.Action, rec.LSN, w.lastLSN)
	}

	if w.file == nil {
		if err := w.openSegment(lsn.SegmentStart(pos, w.segSize)); err != nil {
			return err
		}
	} else if !lsn.SameSegment(w.segStart, pos, w.segSize) {
		if err := w.rotate(lsn.SegmentStart(pos, w.segSize)); err != nil {
			return err
		}
	}

	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	w.lastLSN = pos
	if w.onWrite != nil {
		w.onWrite(w.lastLSN, w.flushed, int64(len(data)))
	}
	return nil
}

// rotate closes the current segment with a SWITCH record whose LSN is the
// next segment's opening LSN, fsyncs, renames it final, and opens the new
// segment.
func (w *Writer) rotate(nextStart pglogrepl.LSN) error {
	sw := Record{Action: ActionSwitch, LSN: nextStart.String()}
	data, err := sw.Encode()
	if err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write switch record: %w", err)
	}
	if err := w.closeSegment(true); err != nil {
		return err
	}
	return w.openSegment(nextStart)
}

func (w *Writer) openSegment(start pglogrepl.LSN) error {
	final := w.segmentPath(start)
	partial := final + partialSuffix

	// A finalized segment for this position means a previous run already
	// rotated past it; refuse to clobber it.
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("segment %s already finalized", final)
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", partial, err)
	}
	w.file = f
	w.segStart = start
	w.logger.Debug().Str("segment", filepath.Base(final)).Msg("opened journal segment")
	return nil
}

func (w *Writer) closeSegment(finalize bool) error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync segment: %w", err)
	}
	w.flushed = w.lastLSN
	partial := w.file.Name()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	w.file = nil

	if finalize {
		final := strings.TrimSuffix(partial, partialSuffix)
		if err := os.Rename(partial, final); err != nil {
			return fmt.Errorf("finalize segment: %w", err)
		}
		w.logger.Info().Str("segment", filepath.Base(final)).Msg("journal segment finalized")
	}
	if w.onWrite != nil {
		w.onWrite(w.lastLSN, w.flushed, 0)
	}
	return nil
}

// Flush fsyncs the open segment, advancing the flushed position.
func (w *Writer) Flush() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync segment: %w", err)
	}
	w.flushed = w.lastLSN
	if w.onWrite != nil {
		w.onWrite(w.lastLSN, w.flushed, 0)
	}
	return nil
}

// Close fsyncs and closes the open segment, leaving it .partial so a
// resumed run keeps appending to it.
func (w *Writer) Close() error {
	return w.closeSegment(false)
}

// Finalize closes the open segment and promotes it to its final name even
// without a boundary crossing. Used when streaming ends at endpos and the
// transformer must see the tail.
func (w *Writer) Finalize() error {
	return w.closeSegment(true)
}
