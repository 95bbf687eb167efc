package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTableOrdering(t *testing.T) {
	s := openTestStore(t)

	err := s.RegisterTables([]Table{
		{OID: 10, Schema: "public", Name: "small", EstBytes: 100},
		{OID: 11, Schema: "public", Name: "big", EstBytes: 9000},
		{OID: 12, Schema: "public", Name: "tie_a", EstBytes: 500},
		{OID: 13, Schema: "public", Name: "tie_b", EstBytes: 500},
	}, false)
	require.NoError(t, err)

	tables, err := s.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 4)
	require.Equal(t, "big", tables[0].Name)
	require.Equal(t, "tie_a", tables[1].Name)
	require.Equal(t, "tie_b", tables[2].Name)
	require.Equal(t, "small", tables[3].Name)
	require.Equal(t, StatusPending, tables[0].Status)
}

func TestResumePreservesDoneRows(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RegisterTables([]Table{
		{OID: 1, Schema: "public", Name: "a"},
		{OID: 2, Schema: "public", Name: "b"},
	}, false))
	require.NoError(t, s.SetTableStatus(1, StatusDone, ""))

	// Re-enumeration with resume keeps the done row; without resume it
	// resets everything to pending.
	require.NoError(t, s.RegisterTables([]Table{
		{OID: 1, Schema: "public", Name: "a"},
		{OID: 2, Schema: "public", Name: "b"},
	}, true))

	tbl, found, err := s.Table(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusDone, tbl.Status)

	require.NoError(t, s.RegisterTables([]Table{
		{OID: 1, Schema: "public", Name: "a"},
	}, false))
	tbl, _, err = s.Table(1)
	require.NoError(t, err)
	require.Equal(t, StatusPending, tbl.Status)
}

func TestClaimTruncate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RegisterTables([]Table{{OID: 7, Schema: "public", Name: "t"}}, false))

	first, err := s.ClaimTruncate(7)
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.ClaimTruncate(7)
	require.NoError(t, err)
	require.False(t, second)
}

func TestPartitionLifecycle(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RegisterPartitions([]Partition{
		{TableOID: 5, Part: 0, Total: 2, Predicate: "id >= 1 AND id < 50"},
		{TableOID: 5, Part: 1, Total: 2, Predicate: "id >= 50"},
		{TableOID: 6, Part: 0, Total: 1},
	}, false))

	done, err := s.AllPartsDone(5)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.MarkPartition(5, 0, StatusDone, 49, ""))
	done, err = s.AllPartsDone(5)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.MarkPartition(5, 1, StatusDone, 51, ""))
	done, err = s.AllPartsDone(5)
	require.NoError(t, err)
	require.True(t, done)

	parts, err := s.Partitions(5)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, int64(49), parts[0].Rows)

	// A table with no partitions registered is not "done".
	done, err = s.AllPartsDone(99)
	require.NoError(t, err)
	require.False(t, done)
}

func TestMarkPartitionFailure(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RegisterPartitions([]Partition{{TableOID: 5, Part: 0, Total: 1}}, false))
	require.NoError(t, s.MarkPartition(5, 0, StatusFailed, 0, "copy: connection reset"))

	parts, err := s.Partitions(5)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, parts[0].Status)
	require.Equal(t, "copy: connection reset", parts[0].Error)
}

func TestIndexesForTable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RegisterIndexes([]Index{
		{OID: 100, TableOID: 5, Name: "t_pkey", IsPrimary: true, IsUnique: true, ConstraintOID: 200},
		{OID: 101, TableOID: 5, Name: "t_idx"},
		{OID: 102, TableOID: 6, Name: "u_idx"},
	}, false))

	idxs, err := s.IndexesForTable(5)
	require.NoError(t, err)
	require.Len(t, idxs, 2)

	require.NoError(t, s.MarkIndex(100, StatusDone, ""))
	idx, found, err := s.Index(100)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusDone, idx.Status)
}

func TestProcessRegistration(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RegisterProcess(Process{PID: 1234, Role: "table-copy"}))
	require.NoError(t, s.RegisterProcess(Process{PID: 1235, Role: "index"}))

	procs, err := s.Processes()
	require.NoError(t, err)
	require.Len(t, procs, 2)

	require.NoError(t, s.UnregisterProcess(1234))
	procs, err = s.Processes()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, 1235, procs[0].PID)
}

func TestStatementCache(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.StmtGet("deadbeef")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.StmtPut("deadbeef", "INSERT INTO public.a (id) VALUES ($1)"))
	sql, found, err := s.StmtGet("deadbeef")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "INSERT INTO public.a (id) VALUES ($1)", sql)

	all, err := s.StmtAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMeta(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetMeta(MetaSnapshot, "00000003-00000002-1"))
	v, err := s.Meta(MetaSnapshot)
	require.NoError(t, err)
	require.Equal(t, "00000003-00000002-1", v)

	v, err = s.Meta("missing")
	require.NoError(t, err)
	require.Equal(t, "", v)
}
