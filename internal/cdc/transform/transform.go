// Package transform turns journal segments into line-oriented SQL
// statement files: PREPARE once per statement shape, EXECUTE per change,
// with transaction markers passed through as comments the applier tracks
// progress by. Output is deterministic; transforming the same journal
// twice yields byte-identical files.
package transform

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/journal"
)

const (
	markerPrefix  = "-- "
	partialSuffix = ".partial"
)

// Transformer consumes finalized journal segments and emits their .sql
// statement files. The prepared-statement fingerprint cache survives
// restarts through the catalog store and by rescanning existing outputs,
// so resumed runs emit the same hashes in the same places.
type Transformer struct {
	store   *catalog.Store
	logger  zerolog.Logger
	emitted map[string]bool
}

// New creates a Transformer.
func New(store *catalog.Store, logger zerolog.Logger) *Transformer {
	return &Transformer{
		store:   store,
		logger:  logger.With().Str("component", "transform").Logger(),
		emitted: make(map[string]bool),
	}
}

// RebuildCache scans previously transformed files so a resumed run knows
// which statement shapes already carry a PREPARE upstream in the stream.
func (t *Transformer) RebuildCache(dir string) error {
	segs, err := journal.Segments(dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		outPath := strings.TrimSuffix(seg, ".json") + ".sql"
		for _, path := range []string{outPath, outPath + partialSuffix} {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("rescan %s: %w", path, err)
			}
			t.scanPrepares(data)
		}
	}
	t.logger.Debug().Int("shapes", len(t.emitted)).Msg("statement cache rebuilt")
	return nil
}

func (t *Transformer) scanPrepares(data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if hash, ok := parsePrepareLine(line); ok {
			t.emitted[hash] = true
		}
	}
}

func parsePrepareLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "PREPARE ") {
		return "", false
	}
	rest := strings.TrimPrefix(line, "PREPARE ")
	if i := strings.Index(rest, " AS "); i > 0 {
		return rest[:i], true
	}
	return "", false
}

// ProcessDir transforms every finalized segment in the timeline directory
// that does not have a completed .sql sibling yet, in WAL order.
func (t *Transformer) ProcessDir(dir string) error {
	segs, err := journal.Segments(dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if _, err := t.TransformSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// Follow keeps transforming newly finalized segments until the context is
// cancelled. The receiver finalizes segments as it rotates; this loop is
// what feeds the applier during live replay.
func (t *Transformer) Follow(ctx context.Context, dir string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := t.ProcessDir(dir); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			// one final pass picks up the segment the receiver finalized
			// on its way out
			return t.ProcessDir(dir)
		case <-ticker.C:
		}
	}
}

// TransformSegment produces the .sql sibling of one finalized journal
// segment, resuming a partial output by truncating its torn tail and
// skipping the records it already covers. Returns the output path.
func (t *Transformer) TransformSegment(segPath string) (string, error) {
	outPath := strings.TrimSuffix(segPath, ".json") + ".sql"
	if _, err := os.Stat(outPath); err == nil {
		// already transformed; keep its shapes hot for later segments
		data, err := os.ReadFile(outPath)
		if err != nil {
			return "", fmt.Errorf("reread %s: %w", outPath, err)
		}
		t.scanPrepares(data)
		return outPath, nil
	}

	records, err := journal.ReadSegment(segPath)
	if err != nil {
		return "", err
	}

	partial := outPath + partialSuffix
	consumed, err := t.resumePartialOutput(partial)
	if err != nil {
		return "", err
	}
	if consumed > len(records) {
		return "", fmt.Errorf("partial output %s covers %d records, journal has %d", partial, consumed, len(records))
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", partial, err)
	}
	w := bufio.NewWriter(f)

	for _, rec := range records[consumed:] {
		if err := t.emitRecord(w, rec); err != nil {
			f.Close()
			return "", err
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush %s: %w", partial, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("fsync %s: %w", partial, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(partial, outPath); err != nil {
		return "", fmt.Errorf("finalize %s: %w", outPath, err)
	}
	t.logger.Info().Str("file", outPath).Int("records", len(records)).Msg("segment transformed")
	return outPath, nil
}

// resumePartialOutput truncates any torn trailing line of an interrupted
// output and returns how many journal records it fully covers.
func (t *Transformer) resumePartialOutput(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read partial output: %w", err)
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
			return 0, fmt.Errorf("truncate partial output: %w", err)
		}
	}

	// Every journal record terminates in exactly one line: a marker
	// comment, an EXECUTE, or a bare statement. PREPARE lines are
	// auxiliary and do not advance the record count.
	consumed := 0
	sc := bufio.NewScanner(bytes.NewReader(valid))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if hash, ok := parsePrepareLine(line); ok {
			t.emitted[hash] = true
			continue
		}
		consumed++
	}
	return consumed, sc.Err()
}

// emitRecord writes the line(s) for one journal record.
func (t *Transformer) emitRecord(w *bufio.Writer, rec journal.Record) error {
	if !rec.Action.IsChange() {
		return t.emitMarker(w, rec)
	}

	stmt, err := BuildStatement(rec)
	if err != nil {
		return err
	}
	if stmt.Plain != "" {
		if _, err := fmt.Fprintf(w, "%s;\n", stmt.Plain); err != nil {
			return err
		}
		return nil
	}

	if !t.emitted[stmt.Hash] {
		if _, err := fmt.Fprintf(w, "PREPARE %s AS %s;\n", stmt.Hash, stmt.SQL); err != nil {
			return err
		}
		t.emitted[stmt.Hash] = true
		if t.store != nil {
			if err := t.store.StmtPut(stmt.Hash, stmt.SQL); err != nil {
				return err
			}
		}
	}

	args, err := EncodeArgs(stmt.Args)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "EXECUTE %s%s;\n", stmt.Hash, args); err != nil {
		return err
	}
	return nil
}

// emitMarker passes a non-change record through as a SQL comment carrying
// the full record, so the applier can track progress off the file alone.
func (t *Transformer) emitMarker(w *bufio.Writer, rec journal.Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if _, err := w.WriteString(markerPrefix); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ParsedLine is one classified statement-file line for the applier.
type ParsedLine struct {
	// Marker is non-nil for comment lines carrying a journal record.
	Marker *journal.Record
	// PrepareHash/PrepareSQL are set for PREPARE lines.
	PrepareHash string
	PrepareSQL  string
	// ExecHash/ExecArgs are set for EXECUTE lines.
	ExecHash string
	ExecArgs []any
	// Plain is set for bare statements.
	Plain string
}

// ParseLine parses one line of a statement file.
func ParseLine(line string) (ParsedLine, error) {
	var p ParsedLine
	switch {
	case strings.HasPrefix(line, markerPrefix):
		rec, err := journal.Decode([]byte(strings.TrimPrefix(line, markerPrefix)))
		if err != nil {
			return p, err
		}
		p.Marker = &rec
		return p, nil

	case strings.HasPrefix(line, "PREPARE "):
		rest := strings.TrimPrefix(line, "PREPARE ")
		i := strings.Index(rest, " AS ")
		if i < 0 {
			return p, fmt.Errorf("malformed PREPARE line: %q", line)
		}
		p.PrepareHash = rest[:i]
		p.PrepareSQL = strings.TrimSuffix(rest[i+len(" AS "):], ";")
		return p, nil

	case strings.HasPrefix(line, "EXECUTE "):
		rest := strings.TrimSuffix(strings.TrimPrefix(line, "EXECUTE "), ";")
		i := strings.IndexByte(rest, '[')
		if i < 0 {
			return p, fmt.Errorf("malformed EXECUTE line: %q", line)
		}
		p.ExecHash = rest[:i]
		args, err := DecodeArgs(rest[i:])
		if err != nil {
			return p, err
		}
		p.ExecArgs = args
		return p, nil

	case strings.TrimSpace(line) == "":
		return p, fmt.Errorf("unexpected blank line")

	default:
		p.Plain = strings.TrimSuffix(line, ";")
		return p, nil
	}
}
