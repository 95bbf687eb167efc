package transform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/internal/cdc/journal"
)

func writeSegment(t *testing.T, dir string, records []journal.Record) string {
	t.Helper()
	path := filepath.Join(dir, "000000010000000000000001.json")
	var sb strings.Builder
	for _, rec := range records {
		data, err := rec.Encode()
		require.NoError(t, err)
		sb.Write(data)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func sampleRecords() []journal.Record {
	return []journal.Record{
		{Action: journal.ActionBegin, LSN: "0/1000100", XID: 733},
		{Action: journal.ActionInsert, LSN: "0/1000200", XID: 733, Schema: "public", Table: "category",
			Columns: []journal.Column{
				{Name: "category_id", Type: "integer", Value: "1000"},
				{Name: "name", Type: "text", Value: "Thriller"},
			}},
		{Action: journal.ActionInsert, LSN: "0/1000300", XID: 733, Schema: "public", Table: "category",
			Columns: []journal.Column{
				{Name: "category_id", Type: "integer", Value: "1001"},
				{Name: "name", Type: "text", Value: "Horror"},
			}},
		{Action: journal.ActionCommit, LSN: "0/1000400", XID: 733},
		{Action: journal.ActionKeepalive, LSN: "0/1000500"},
	}
}

func TestTransformSegment(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegment(t, dir, sampleRecords())

	tr := New(nil, zerolog.Nop())
	out, err := tr.TransformSegment(seg)
	require.NoError(t, err)
	require.Equal(t, strings.TrimSuffix(seg, ".json")+".sql", out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	// marker, PREPARE, EXECUTE, EXECUTE, marker, marker
	require.Len(t, lines, 6)
	require.True(t, strings.HasPrefix(lines[0], "-- "), "begin marker")
	require.True(t, strings.HasPrefix(lines[1], "PREPARE "), "first insert prepares")
	require.True(t, strings.HasPrefix(lines[2], "EXECUTE "), "first insert executes")
	require.True(t, strings.HasPrefix(lines[3], "EXECUTE "), "second insert reuses the shape")
	require.Contains(t, lines[1], `INSERT INTO "public"."category" ("category_id", "name") VALUES ($1, $2)`)
	require.Contains(t, lines[2], `["1000","Thriller"]`)
	require.Contains(t, lines[3], `["1001","Horror"]`)

	// the PREPARE and both EXECUTEs share the hash
	hash, ok := parsePrepareLine(lines[1])
	require.True(t, ok)
	require.Contains(t, lines[2], "EXECUTE "+hash+"[")
	require.Contains(t, lines[3], "EXECUTE "+hash+"[")
}

func TestTransformDeterminism(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegment(t, dir, sampleRecords())

	tr1 := New(nil, zerolog.Nop())
	out, err := tr1.TransformSegment(seg)
	require.NoError(t, err)
	first, err := os.ReadFile(out)
	require.NoError(t, err)

	require.NoError(t, os.Remove(out))

	tr2 := New(nil, zerolog.Nop())
	out2, err := tr2.TransformSegment(seg)
	require.NoError(t, err)
	second, err := os.ReadFile(out2)
	require.NoError(t, err)

	require.Equal(t, first, second, "transform must be byte-deterministic")
}

func TestTransformSkipsCompletedSegment(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegment(t, dir, sampleRecords())

	tr := New(nil, zerolog.Nop())
	out, err := tr.TransformSegment(seg)
	require.NoError(t, err)
	before, err := os.ReadFile(out)
	require.NoError(t, err)

	// Second call over the same transformer must not rewrite or duplicate.
	out2, err := tr.TransformSegment(seg)
	require.NoError(t, err)
	require.Equal(t, out, out2)
	after, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestTransformResumesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegment(t, dir, sampleRecords())

	// Full reference output.
	ref := New(nil, zerolog.Nop())
	out, err := ref.TransformSegment(seg)
	require.NoError(t, err)
	want, err := os.ReadFile(out)
	require.NoError(t, err)

	// Simulate a crash: the first three complete lines plus a torn tail.
	lines := strings.SplitAfter(string(want), "\n")
	torn := strings.Join(lines[:3], "") + "EXECUTE deadbeef[\"10"
	require.NoError(t, os.Remove(out))
	require.NoError(t, os.WriteFile(out+partialSuffix, []byte(torn), 0o644))

	tr := New(nil, zerolog.Nop())
	out2, err := tr.TransformSegment(seg)
	require.NoError(t, err)
	got, err := os.ReadFile(out2)
	require.NoError(t, err)
	require.Equal(t, string(want), string(got), "resumed output must match a clean run")
}

func TestTransformPrepareOncePerStream(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords()
	seg1 := writeSegment(t, dir, recs)

	tr := New(nil, zerolog.Nop())
	_, err := tr.TransformSegment(seg1)
	require.NoError(t, err)

	// A later segment with the same shape must not re-prepare.
	seg2 := filepath.Join(dir, "000000010000000000000002.json")
	rec := journal.Record{Action: journal.ActionInsert, LSN: "0/2000100", XID: 800, Schema: "public", Table: "category",
		Columns: []journal.Column{
			{Name: "category_id", Type: "integer", Value: "1002"},
			{Name: "name", Type: "text", Value: "Docs"},
		}}
	data, err := rec.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(seg2, data, 0o644))

	out2, err := tr.TransformSegment(seg2)
	require.NoError(t, err)
	content, err := os.ReadFile(out2)
	require.NoError(t, err)
	require.NotContains(t, string(content), "PREPARE ")
	require.Contains(t, string(content), "EXECUTE ")
}

func TestRebuildCache(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegment(t, dir, sampleRecords())

	tr := New(nil, zerolog.Nop())
	_, err := tr.TransformSegment(seg)
	require.NoError(t, err)

	// A fresh transformer that rebuilds from outputs knows the shapes.
	tr2 := New(nil, zerolog.Nop())
	require.NoError(t, tr2.RebuildCache(dir))
	require.NotEmpty(t, tr2.emitted)
}

func TestGeneratedColumnEmitsDefault(t *testing.T) {
	rec := journal.Record{Action: journal.ActionInsert, Schema: "public", Table: "doc",
		Columns: []journal.Column{
			{Name: "id", Type: "integer", Value: "1"},
			{Name: "tsv", Type: "tsvector", Default: true},
		}}
	stmt, err := BuildStatement(rec)
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "public"."doc" ("id", "tsv") VALUES ($1, DEFAULT)`, stmt.SQL)
	require.Equal(t, []any{"1"}, stmt.Args)
}

func TestUpdateNullIdentity(t *testing.T) {
	rec := journal.Record{Action: journal.ActionUpdate, Schema: "s", Table: "t",
		Columns: []journal.Column{{Name: "v", Type: "text", Value: "x"}},
		Identity: []journal.Column{
			{Name: "k1", Type: "integer", Value: "5"},
			{Name: "k2", Type: "text", Null: true},
		}}
	stmt, err := BuildStatement(rec)
	require.NoError(t, err)
	require.Equal(t, `UPDATE "s"."t" SET "v" = $1 WHERE "k1" = $2 AND "k2" IS NULL`, stmt.SQL)
	require.Equal(t, []any{"x", "5"}, stmt.Args)

	// NULL-ness is part of the shape.
	rec2 := rec
	rec2.Identity = []journal.Column{
		{Name: "k1", Type: "integer", Value: "5"},
		{Name: "k2", Type: "text", Value: "z"},
	}
	stmt2, err := BuildStatement(rec2)
	require.NoError(t, err)
	require.NotEqual(t, stmt.Hash, stmt2.Hash)
}

func TestDeleteStatement(t *testing.T) {
	rec := journal.Record{Action: journal.ActionDelete, Schema: "public", Table: "actor",
		Identity: []journal.Column{{Name: "actor_id", Type: "integer", Value: "7"}}}
	stmt, err := BuildStatement(rec)
	require.NoError(t, err)
	require.Equal(t, `DELETE FROM "public"."actor" WHERE "actor_id" = $1`, stmt.SQL)
	require.Equal(t, []any{"7"}, stmt.Args)
}

func TestTruncateStatement(t *testing.T) {
	rec := journal.Record{Action: journal.ActionTruncate, Schema: "public", Table: "log"}
	stmt, err := BuildStatement(rec)
	require.NoError(t, err)
	require.Equal(t, `TRUNCATE ONLY "public"."log"`, stmt.Plain)
}

func TestParseLineRoundTrip(t *testing.T) {
	p, err := ParseLine(`PREPARE abcd1234 AS INSERT INTO "a"."b" ("c") VALUES ($1);`)
	require.NoError(t, err)
	require.Equal(t, "abcd1234", p.PrepareHash)
	require.Equal(t, `INSERT INTO "a"."b" ("c") VALUES ($1)`, p.PrepareSQL)

	p, err = ParseLine(`EXECUTE abcd1234["x",null];`)
	require.NoError(t, err)
	require.Equal(t, "abcd1234", p.ExecHash)
	require.Equal(t, []any{"x", nil}, p.ExecArgs)

	p, err = ParseLine(`-- {"action":"C","lsn":"0/1000400","xid":733}`)
	require.NoError(t, err)
	require.NotNil(t, p.Marker)
	require.Equal(t, journal.ActionCommit, p.Marker.Action)
	require.Equal(t, "0/1000400", p.Marker.LSN)

	p, err = ParseLine(`TRUNCATE ONLY "public"."log";`)
	require.NoError(t, err)
	require.Equal(t, `TRUNCATE ONLY "public"."log"`, p.Plain)
}
