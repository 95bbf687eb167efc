package decode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/internal/cdc/journal"
	"github.com/jfoltran/pgclone/pkg/lsn"
)

func TestNewDecoder(t *testing.T) {
	for _, plugin := range []string{"wal2json", "test_decoding"} {
		d, err := New(plugin)
		require.NoError(t, err)
		require.Equal(t, plugin, d.Plugin())
		require.NotEmpty(t, d.PluginArgs())
	}
	_, err := New("pgoutput")
	require.Error(t, err)
}

func TestWal2jsonInsert(t *testing.T) {
	d, _ := New("wal2json")
	payload := `{"action":"I","xid":733,"lsn":"0/16B3748","schema":"public","table":"category",` +
		`"columns":[{"name":"category_id","type":"integer","value":1000},` +
		`{"name":"name","type":"character varying(25)","value":"Thriller"},` +
		`{"name":"active","type":"boolean","value":true},` +
		`{"name":"last_update","type":"timestamp without time zone","value":null}]}`

	recs, err := d.Decode([]byte(payload), lsn.MustParse("0/16B3700"))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	require.Equal(t, journal.ActionInsert, rec.Action)
	require.Equal(t, "0/16B3748", rec.LSN)
	require.Equal(t, uint32(733), rec.XID)
	require.Equal(t, "public", rec.Schema)
	require.Equal(t, "category", rec.Table)
	require.Equal(t, []journal.Column{
		{Name: "category_id", Type: "integer", Value: "1000"},
		{Name: "name", Type: "character varying(25)", Value: "Thriller"},
		{Name: "active", Type: "boolean", Value: "true"},
		{Name: "last_update", Type: "timestamp without time zone", Null: true},
	}, rec.Columns)
}

func TestWal2jsonUpdateWithIdentity(t *testing.T) {
	d, _ := New("wal2json")
	payload := `{"action":"U","xid":734,"schema":"public","table":"actor",` +
		`"columns":[{"name":"actor_id","type":"integer","value":7},{"name":"first_name","type":"text","value":"GRETA"}],` +
		`"identity":[{"name":"actor_id","type":"integer","value":7}]}`

	recs, err := d.Decode([]byte(payload), lsn.MustParse("0/2000010"))
	require.NoError(t, err)
	rec := recs[0]
	require.Equal(t, journal.ActionUpdate, rec.Action)
	// no lsn in payload: falls back to the message position
	require.Equal(t, "0/2000010", rec.LSN)
	require.Len(t, rec.Identity, 1)
	require.Equal(t, "7", rec.Identity[0].Value)
}

func TestWal2jsonBeginCommit(t *testing.T) {
	d, _ := New("wal2json")

	recs, err := d.Decode([]byte(`{"action":"B","xid":700,"lsn":"0/1000100"}`), 0)
	require.NoError(t, err)
	require.Equal(t, journal.ActionBegin, recs[0].Action)

	recs, err = d.Decode([]byte(`{"action":"C","xid":700,"lsn":"0/1000200","timestamp":"2024-03-07 12:00:00+00"}`), 0)
	require.NoError(t, err)
	require.Equal(t, journal.ActionCommit, recs[0].Action)
	require.Equal(t, "2024-03-07 12:00:00+00", recs[0].Timestamp)
}

func TestWal2jsonRejectsGarbage(t *testing.T) {
	d, _ := New("wal2json")
	_, err := d.Decode([]byte("BEGIN 733"), 0)
	require.Error(t, err)
	_, err = d.Decode([]byte(`{"action":"Z"}`), 0)
	require.Error(t, err)
}

func TestTestDecodingBeginCommit(t *testing.T) {
	d, _ := New("test_decoding")

	recs, err := d.Decode([]byte("BEGIN 733"), lsn.MustParse("0/1000100"))
	require.NoError(t, err)
	require.Equal(t, journal.ActionBegin, recs[0].Action)
	require.Equal(t, uint32(733), recs[0].XID)
	require.Equal(t, "0/1000100", recs[0].LSN)

	recs, err = d.Decode([]byte("COMMIT 733 (at 2024-03-07 12:00:00.000000+00)"), lsn.MustParse("0/1000200"))
	require.NoError(t, err)
	require.Equal(t, journal.ActionCommit, recs[0].Action)
	require.Equal(t, uint32(733), recs[0].XID)
	require.Equal(t, "2024-03-07 12:00:00.000000+00", recs[0].Timestamp)
}

func TestTestDecodingInsert(t *testing.T) {
	d, _ := New("test_decoding")
	line := `table public.category: INSERT: category_id[integer]:1000 name[character varying]:'O''Brien''s' last_update[timestamp without time zone]:null`

	recs, err := d.Decode([]byte(line), lsn.MustParse("0/1000300"))
	require.NoError(t, err)
	rec := recs[0]
	require.Equal(t, journal.ActionInsert, rec.Action)
	require.Equal(t, "public", rec.Schema)
	require.Equal(t, "category", rec.Table)
	require.Equal(t, []journal.Column{
		{Name: "category_id", Type: "integer", Value: "1000"},
		{Name: "name", Type: "character varying", Value: "O'Brien's"},
		{Name: "last_update", Type: "timestamp without time zone", Null: true},
	}, rec.Columns)
}

func TestTestDecodingUpdateOldKey(t *testing.T) {
	d, _ := New("test_decoding")
	line := `table public.actor: UPDATE: old-key: actor_id[integer]:7 new-tuple: actor_id[integer]:7 first_name[text]:'GRETA'`

	recs, err := d.Decode([]byte(line), lsn.MustParse("0/1000400"))
	require.NoError(t, err)
	rec := recs[0]
	require.Equal(t, journal.ActionUpdate, rec.Action)
	require.Equal(t, []journal.Column{{Name: "actor_id", Type: "integer", Value: "7"}}, rec.Identity)
	require.Len(t, rec.Columns, 2)
}

func TestTestDecodingDelete(t *testing.T) {
	d, _ := New("test_decoding")
	line := `table public.actor: DELETE: actor_id[integer]:7`

	recs, err := d.Decode([]byte(line), lsn.MustParse("0/1000500"))
	require.NoError(t, err)
	rec := recs[0]
	require.Equal(t, journal.ActionDelete, rec.Action)
	require.Nil(t, rec.Columns)
	require.Equal(t, []journal.Column{{Name: "actor_id", Type: "integer", Value: "7"}}, rec.Identity)
}

func TestTestDecodingUnchangedToastSkipped(t *testing.T) {
	d, _ := New("test_decoding")
	line := `table public.doc: UPDATE: id[integer]:1 body[text]:unchanged-toast-datum title[text]:'hi'`

	recs, err := d.Decode([]byte(line), lsn.MustParse("0/1000600"))
	require.NoError(t, err)
	rec := recs[0]
	require.Len(t, rec.Columns, 2)
	for _, c := range rec.Columns {
		require.NotEqual(t, "body", c.Name, "unchanged toast column must be skipped")
	}
}

func TestTestDecodingQuotedIdentifiers(t *testing.T) {
	d, _ := New("test_decoding")
	line := `table "Weird Schema"."odd.table": INSERT: "col name"[text]:'v'`

	recs, err := d.Decode([]byte(line), lsn.MustParse("0/1000700"))
	require.NoError(t, err)
	rec := recs[0]
	require.Equal(t, "Weird Schema", rec.Schema)
	require.Equal(t, "odd.table", rec.Table)
	require.Equal(t, "col name", rec.Columns[0].Name)
}

func TestTestDecodingIgnoresChatter(t *testing.T) {
	d, _ := New("test_decoding")
	recs, err := d.Decode([]byte("message: transactional: 1 prefix: x, sz: 2"), 0)
	require.NoError(t, err)
	require.Nil(t, recs)
}
