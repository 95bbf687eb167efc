// Package lsn provides helpers around pglogrepl.LSN: parsing, lag math,
// and the WAL segment arithmetic used for journal rotation.
package lsn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// DefaultSegmentSize is the WAL segment size of a stock server build.
const DefaultSegmentSize = 16 * 1024 * 1024

// Parse converts the textual X/Y form into an LSN.
func Parse(s string) (pglogrepl.LSN, error) {
	l, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	return l, nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) pglogrepl.LSN {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// SegmentStart returns the LSN at which the segment containing l begins.
func SegmentStart(l pglogrepl.LSN, segSize uint64) pglogrepl.LSN {
	return pglogrepl.LSN(uint64(l) - uint64(l)%segSize)
}

// NextSegment returns the first LSN of the segment after the one containing l.
func NextSegment(l pglogrepl.LSN, segSize uint64) pglogrepl.LSN {
	return SegmentStart(l, segSize) + pglogrepl.LSN(segSize)
}

// SameSegment reports whether a and b fall inside the same WAL segment.
func SameSegment(a, b pglogrepl.LSN, segSize uint64) bool {
	return SegmentStart(a, segSize) == SegmentStart(b, segSize)
}

// WalSegmentName returns the 24-hex-digit WAL file name that contains l on
// the given timeline, matching the server's own naming.
func WalSegmentName(timelineID uint32, l pglogrepl.LSN, segSize uint64) string {
	segno := uint64(l) / segSize
	segsPerXLogID := uint64(0x100000000) / segSize
	return fmt.Sprintf("%08X%08X%08X", timelineID, segno/segsPerXLogID, segno%segsPerXLogID)
}

// ParseWalSegmentName inverts WalSegmentName, returning the timeline and
// the LSN at which the named segment begins.
func ParseWalSegmentName(name string, segSize uint64) (uint32, pglogrepl.LSN, error) {
	if len(name) != 24 {
		return 0, 0, fmt.Errorf("wal segment name %q: want 24 hex digits", name)
	}
	var timeline uint32
	var xlogID, segIndex uint64
	if _, err := fmt.Sscanf(name, "%08X%08X%08X", &timeline, &xlogID, &segIndex); err != nil {
		return 0, 0, fmt.Errorf("wal segment name %q: %w", name, err)
	}
	segsPerXLogID := uint64(0x100000000) / segSize
	start := pglogrepl.LSN((xlogID*segsPerXLogID + segIndex) * segSize)
	return timeline, start, nil
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
