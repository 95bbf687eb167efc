package apply

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/journal"
	"github.com/jfoltran/pgclone/internal/cdc/transform"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/pkg/lsn"
)

func TestDecide(t *testing.T) {
	l := lsn.MustParse

	tests := []struct {
		name                         string
		begin, commit, replay, endpos string
		want                         txDecision
	}{
		{"fresh transaction, no endpos", "0/1000", "0/2000", "0/0", "0/0", txApply},
		{"already applied", "0/1000", "0/2000", "0/2000", "0/0", txSkip},
		{"replay ahead", "0/1000", "0/2000", "0/9000", "0/0", txSkip},
		{"commits before endpos", "0/1000", "0/2000", "0/0", "0/3000", txApply},
		{"commit exactly at endpos", "0/1000", "0/3000", "0/0", "0/3000", txApplyThenStop},
		{"endpos inside transaction rounds up", "0/1000", "0/4000", "0/0", "0/2000", txApplyThenStop},
		{"begins at endpos", "0/3000", "0/4000", "0/0", "0/3000", txStopNow},
		{"begins past endpos", "0/5000", "0/6000", "0/0", "0/3000", txStopNow},
		{"skip wins over stop", "0/5000", "0/6000", "0/6000", "0/3000", txSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decide(l(tt.begin), l(tt.commit), l(tt.replay), l(tt.endpos))
			if got != tt.want {
				t.Errorf("decide(%s, %s, %s, %s) = %d, want %d",
					tt.begin, tt.commit, tt.replay, tt.endpos, got, tt.want)
			}
		})
	}
}

func newTestApplier(t *testing.T) *Applier {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := metrics.NewCollector(prometheus.NewRegistry(), zerolog.Nop())
	t.Cleanup(collector.Close)

	return NewApplier(nil, store, collector, "pgclone", t.TempDir(), zerolog.Nop())
}

func marker(rec journal.Record) transform.ParsedLine {
	return transform.ParsedLine{Marker: &rec}
}

func TestConsumeLineRollbackDiscardsTransaction(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	done, err := a.consumeLine(ctx, marker(journal.Record{Action: journal.ActionBegin, LSN: "0/1000", XID: 5}))
	require.NoError(t, err)
	require.False(t, done)
	require.True(t, a.pending.open)

	_, err = a.consumeLine(ctx, transform.ParsedLine{ExecHash: "abcd", ExecArgs: []any{"1"}})
	require.NoError(t, err)
	require.Len(t, a.pending.lines, 1)

	done, err = a.consumeLine(ctx, marker(journal.Record{Action: journal.ActionRollback, LSN: "0/2000"}))
	require.NoError(t, err)
	require.False(t, done)
	require.False(t, a.pending.open)
	require.Empty(t, a.pending.lines)
}

func TestConsumeLineEndposMarkerStops(t *testing.T) {
	a := newTestApplier(t)
	done, err := a.consumeLine(context.Background(), marker(journal.Record{Action: journal.ActionEndpos, LSN: "0/3000"}))
	require.NoError(t, err)
	require.True(t, done)
}

func TestConsumeLineStatementOutsideTransaction(t *testing.T) {
	a := newTestApplier(t)
	_, err := a.consumeLine(context.Background(), transform.ParsedLine{ExecHash: "abcd"})
	require.Error(t, err)
}

func TestFinishTxSkipsAppliedTransaction(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	// replay already past this commit: the transaction is skipped without
	// touching the (nil) target session.
	a.replay = lsn.MustParse("0/5000")

	_, err := a.consumeLine(ctx, marker(journal.Record{Action: journal.ActionBegin, LSN: "0/1000", XID: 7}))
	require.NoError(t, err)
	_, err = a.consumeLine(ctx, transform.ParsedLine{ExecHash: "abcd", ExecArgs: []any{"1"}})
	require.NoError(t, err)

	done, err := a.consumeLine(ctx, marker(journal.Record{Action: journal.ActionCommit, LSN: "0/2000", XID: 7}))
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, lsn.MustParse("0/5000"), a.ReplayLSN())
}

func TestFinishTxStopsPastEndpos(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	require.NoError(t, a.store.SetStartPos(lsn.MustParse("0/1000")))
	require.NoError(t, a.store.SetEndPos(lsn.MustParse("0/3000")))

	_, err := a.consumeLine(ctx, marker(journal.Record{Action: journal.ActionBegin, LSN: "0/4000", XID: 9}))
	require.NoError(t, err)

	done, err := a.consumeLine(ctx, marker(journal.Record{Action: journal.ActionCommit, LSN: "0/5000", XID: 9}))
	require.NoError(t, err)
	require.True(t, done, "transaction beginning past endpos must stop the applier")
}

func TestCommitWithoutBegin(t *testing.T) {
	a := newTestApplier(t)
	_, err := a.consumeLine(context.Background(), marker(journal.Record{Action: journal.ActionCommit, LSN: "0/2000"}))
	require.Error(t, err)
}
