package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/pkg/lsn"
)

const testSegSize = lsn.DefaultSegmentSize

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, testSegSize, zerolog.Nop())
	require.NoError(t, err)
	return w, filepath.Join(dir, "1")
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{
		Action: ActionInsert,
		LSN:    "0/1016A08",
		XID:    733,
		Schema: "public",
		Table:  "category",
		Columns: []Column{
			{Name: "category_id", Type: "integer", Value: "1000"},
			{Name: "name", Type: "text", Value: "Thriller"},
			{Name: "last_update", Type: "timestamp without time zone", Null: true},
		},
	}
	data, err := rec.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"))

	got, err := Decode(data[:len(data)-1])
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	_, err = Decode([]byte(`{"lsn":"0/1"}`))
	require.Error(t, err, "record without action must be rejected")
}

func TestWriterSingleSegment(t *testing.T) {
	w, dir := newTestWriter(t)

	require.NoError(t, w.Append(Record{Action: ActionBegin, LSN: "0/1000100", XID: 1}))
	require.NoError(t, w.Append(Record{Action: ActionInsert, LSN: "0/1000200", XID: 1, Schema: "public", Table: "a"}))
	require.NoError(t, w.Append(Record{Action: ActionCommit, LSN: "0/1000300", XID: 1}))
	require.NoError(t, w.Close())

	// Unrotated segment stays partial: invisible to readers.
	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Empty(t, segs)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "000000010000000000000001.json.partial", entries[0].Name())
}

func TestWriterRotation(t *testing.T) {
	w, dir := newTestWriter(t)

	require.NoError(t, w.Append(Record{Action: ActionBegin, LSN: "0/1F00000", XID: 1}))
	require.NoError(t, w.Append(Record{Action: ActionCommit, LSN: "0/1F00100", XID: 1}))
	// crosses the 0/2000000 boundary
	require.NoError(t, w.Append(Record{Action: ActionBegin, LSN: "0/2000100", XID: 2}))
	require.NoError(t, w.Close())

	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, "000000010000000000000001.json", filepath.Base(segs[0]))

	records, err := ReadSegment(segs[0])
	require.NoError(t, err)
	require.Len(t, records, 3)

	// closing SWITCH LSN equals the next segment's opening LSN
	sw := records[2]
	require.Equal(t, ActionSwitch, sw.Action)
	require.Equal(t, "0/2000000", sw.LSN)
}

func TestWriterRejectsBackwardLSN(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.Append(Record{Action: ActionInsert, LSN: "0/1000200", XID: 1}))

	// stale keepalives are dropped silently
	require.NoError(t, w.Append(Record{Action: ActionKeepalive, LSN: "0/1000100"}))

	// anything else out of order is an error
	require.Error(t, w.Append(Record{Action: ActionInsert, LSN: "0/1000100", XID: 1}))
	require.NoError(t, w.Close())
}

func TestWriterFinalize(t *testing.T) {
	w, dir := newTestWriter(t)
	require.NoError(t, w.Append(Record{Action: ActionCommit, LSN: "0/1000100", XID: 9}))
	require.NoError(t, w.Finalize())

	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	records, err := ReadSegment(segs[0])
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestWriterRecoversTornPartial(t *testing.T) {
	w, dir := newTestWriter(t)
	require.NoError(t, w.Append(Record{Action: ActionBegin, LSN: "0/1000100", XID: 1}))
	require.NoError(t, w.Append(Record{Action: ActionCommit, LSN: "0/1000200", XID: 1}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append.
	partial := filepath.Join(dir, "000000010000000000000001.json.partial")
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"action":"B","lsn":"0/10003`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Reopen: the torn line is truncated away and writing continues after
	// the last complete record.
	w2, err := NewWriter(filepath.Dir(dir), 1, testSegSize, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, w2.Append(Record{Action: ActionBegin, LSN: "0/1000200", XID: 2}), "must not go backwards after recovery")
	require.NoError(t, w2.Append(Record{Action: ActionBegin, LSN: "0/1000300", XID: 2}))
	require.NoError(t, w2.Append(Record{Action: ActionCommit, LSN: "0/1000400", XID: 2}))
	require.NoError(t, w2.Finalize())

	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	records, err := ReadSegment(segs[0])
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, "0/1000400", records[3].LSN)
}

func TestSegmentsOrdering(t *testing.T) {
	dir := t.TempDir()
	tl := filepath.Join(dir, "1")
	require.NoError(t, os.MkdirAll(tl, 0o755))

	for _, name := range []string{
		"000000010000000000000002.json",
		"000000010000000000000001.json",
		"000000010000000000000003.json.partial",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(tl, name), nil, 0o644))
	}

	segs, err := Segments(tl)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, "000000010000000000000001.json", filepath.Base(segs[0]))
	require.Equal(t, "000000010000000000000002.json", filepath.Base(segs[1]))
}

func TestReadSegmentRejectsDisorder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000000010000000000000001.json")
	content := `{"action":"B","lsn":"0/1000200","xid":1}
{"action":"C","lsn":"0/1000100","xid":1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := ReadSegment(path)
	require.Error(t, err)
}
