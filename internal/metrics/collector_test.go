package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/pkg/lsn"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c := NewCollector(prometheus.NewRegistry(), zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestTableLifecycle(t *testing.T) {
	c := newTestCollector(t)
	c.SetTables([]TableProgress{
		{Schema: "public", Name: "a", RowsTotal: 100, PartsTotal: 2},
		{Schema: "public", Name: "b", RowsTotal: 50, PartsTotal: 1},
	})

	c.TableStarted("public", "a")
	c.PartDone("public", "a", 40, 4096)
	c.PartDone("public", "a", 60, 6144)
	c.TableDone("public", "a")

	snap := c.Snapshot()
	if snap.TablesTotal != 2 || snap.TablesCopied != 1 {
		t.Errorf("tables = %d/%d, want 1/2", snap.TablesCopied, snap.TablesTotal)
	}
	if snap.TotalRows != 100 {
		t.Errorf("total rows = %d, want 100", snap.TotalRows)
	}
	if snap.Tables[0].Status != TableCopied || snap.Tables[0].RowsCopied != 100 || snap.Tables[0].PartsDone != 2 {
		t.Errorf("table a progress = %+v", snap.Tables[0])
	}
	if snap.Tables[1].Status != TablePending {
		t.Errorf("table b status = %s, want pending", snap.Tables[1].Status)
	}
}

func TestLSNTracking(t *testing.T) {
	c := newTestCollector(t)
	c.JournalWritten(1024, lsn.MustParse("0/3000"), lsn.MustParse("0/2000"))
	c.RecordReplay(lsn.MustParse("0/1000"))

	snap := c.Snapshot()
	if snap.WriteLSN != "0/3000" || snap.FlushLSN != "0/2000" || snap.ReplayLSN != "0/1000" {
		t.Errorf("positions = %s/%s/%s", snap.WriteLSN, snap.FlushLSN, snap.ReplayLSN)
	}
	if snap.LagBytes != 0x2000 {
		t.Errorf("lag = %d, want %d", snap.LagBytes, 0x2000)
	}

	// positions never regress
	c.JournalWritten(0, lsn.MustParse("0/2500"), lsn.MustParse("0/1500"))
	snap = c.Snapshot()
	if snap.WriteLSN != "0/3000" {
		t.Errorf("write regressed to %s", snap.WriteLSN)
	}
}

func TestErrorTracking(t *testing.T) {
	c := newTestCollector(t)
	c.RecordError(errors.New("copy: broken pipe"))
	snap := c.Snapshot()
	if snap.ErrorCount != 1 || snap.LastError != "copy: broken pipe" {
		t.Errorf("errors = %d %q", snap.ErrorCount, snap.LastError)
	}
}

func TestSlidingWindowRate(t *testing.T) {
	w := newSlidingWindow(10 * time.Second)
	now := time.Now()
	w.Add(now, 500)
	w.Add(now, 500)
	rate := w.Rate()
	if rate < 99 || rate > 101 {
		t.Errorf("rate = %f, want ~100/s", rate)
	}

	// samples older than the window are evicted
	w.Add(now.Add(-time.Minute), 1e9)
	w.evict(time.Now())
	rate = w.Rate()
	if rate > 101 {
		t.Errorf("rate after eviction = %f", rate)
	}
}
