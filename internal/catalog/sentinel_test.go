package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/pkg/lsn"
)

func TestSentinelDefaults(t *testing.T) {
	s := openTestStore(t)
	sn, err := s.GetSentinel()
	require.NoError(t, err)
	require.Equal(t, Sentinel{}, sn)
	require.Zero(t, sn.StartLSN())
	require.False(t, sn.Apply)
}

func TestSentinelPositions(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetStartPos(lsn.MustParse("0/1500000")))
	require.NoError(t, s.SetEndPos(lsn.MustParse("0/2000000")))

	sn, err := s.GetSentinel()
	require.NoError(t, err)
	require.Equal(t, "0/1500000", sn.StartPos)
	require.Equal(t, "0/2000000", sn.EndPos)

	// endpos before startpos is rejected
	require.Error(t, s.SetEndPos(lsn.MustParse("0/1000000")))
}

func TestSentinelLSNOrderingInvariant(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpdateWriteFlush(lsn.MustParse("0/3000"), lsn.MustParse("0/2000")))
	require.NoError(t, s.UpdateReplay(lsn.MustParse("0/1000")))

	sn, err := s.GetSentinel()
	require.NoError(t, err)
	require.Equal(t, "0/3000", sn.WriteLSN)
	require.Equal(t, "0/2000", sn.FlushLSN)
	require.Equal(t, "0/1000", sn.ReplayLSN)

	// flush may not lead write
	require.Error(t, s.UpdateWriteFlush(lsn.MustParse("0/3000"), lsn.MustParse("0/4000")))
	// replay may not lead flush
	require.Error(t, s.UpdateReplay(lsn.MustParse("0/5000")))

	// positions never move backwards
	require.NoError(t, s.UpdateWriteFlush(lsn.MustParse("0/2500"), lsn.MustParse("0/1500")))
	sn, err = s.GetSentinel()
	require.NoError(t, err)
	require.Equal(t, "0/3000", sn.WriteLSN)
	require.Equal(t, "0/2000", sn.FlushLSN)
}

func TestSentinelApplyGate(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetApply(true))
	sn, err := s.GetSentinel()
	require.NoError(t, err)
	require.True(t, sn.Apply)

	// the gate only moves one way
	require.Error(t, s.SetApply(false))
}
