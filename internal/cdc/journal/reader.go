package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pglogrepl"
)

// Segments lists the finalized segment files of one timeline directory in
// WAL order. .partial files are never returned; their contents are still
// owned by the writer.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list journal dir: %w", err)
	}

	var segs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		segs = append(segs, filepath.Join(dir, name))
	}
	// WAL file names sort lexicographically in LSN order.
	sort.Strings(segs)
	return segs, nil
}

// ReadSegment parses every record of one finalized segment, verifying the
// strictly-increasing LSN invariant.
func ReadSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var records []Record
	var last pglogrepl.LSN
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		rec, err := Decode(sc.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, lineno, err)
		}
		pos, err := rec.Pos()
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, lineno, err)
		}
		if lineno > 1 && pos <= last {
			return nil, fmt.Errorf("%s line %d: LSN %s not after %s", path, lineno, rec.LSN, last)
		}
		last = pos
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return records, nil
}
