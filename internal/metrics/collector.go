// Package metrics aggregates run progress for the status command and the
// optional TUI, and feeds the prometheus instruments.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/pkg/lsn"
)

// TableStatus represents the current state of a table in the clone.
type TableStatus string

const (
	TablePending TableStatus = "pending"
	TableCopying TableStatus = "copying"
	TableCopied  TableStatus = "copied"
	TableFailed  TableStatus = "failed"
)

// TableProgress tracks per-table copy progress.
type TableProgress struct {
	Schema     string      `json:"schema"`
	Name       string      `json:"name"`
	Status     TableStatus `json:"status"`
	RowsTotal  int64       `json:"rows_total"`
	RowsCopied int64       `json:"rows_copied"`
	SizeBytes  int64       `json:"size_bytes"`
	PartsTotal int         `json:"parts_total"`
	PartsDone  int         `json:"parts_done"`
	ElapsedSec float64     `json:"elapsed_sec"`
	StartedAt  time.Time   `json:"-"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// CDC positions
	WriteLSN     string `json:"write_lsn"`
	FlushLSN     string `json:"flush_lsn"`
	ReplayLSN    string `json:"replay_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	// Copy progress
	TablesTotal  int             `json:"tables_total"`
	TablesCopied int             `json:"tables_copied"`
	IndexesDone  int             `json:"indexes_done"`
	IndexesTotal int             `json:"indexes_total"`
	Tables       []TableProgress `json:"tables"`

	// Throughput
	RowsPerSec  float64 `json:"rows_per_sec"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	TotalRows   int64   `json:"total_rows"`
	TotalBytes  int64   `json:"total_bytes"`

	// Errors
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Collector aggregates run metrics and provides snapshots for the status
// command and TUI.
type Collector struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	phase      string
	startedAt  time.Time
	tables     map[string]*TableProgress // key: schema.name
	tableOrder []string

	writeLSN  pglogrepl.LSN
	flushLSN  pglogrepl.LSN
	replayLSN pglogrepl.LSN

	indexesDone  int
	indexesTotal int

	totalRows  atomic.Int64
	totalBytes atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	rowWindow  *slidingWindow
	byteWindow *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	prom promSet

	done      chan struct{}
	closeOnce sync.Once
}

// promSet holds the prometheus instruments mirroring the collector.
type promSet struct {
	rowsCopied   prometheus.Counter
	bytesCopied  prometheus.Counter
	tablesDone   prometheus.Counter
	indexesDone  prometheus.Counter
	journalBytes prometheus.Counter
	writeLSN     prometheus.Gauge
	replayLSN    prometheus.Gauge
}

// NewCollector creates a Collector with its instruments registered on the
// given registry.
func NewCollector(reg prometheus.Registerer, logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		startedAt:   time.Now(),
		tables:      make(map[string]*TableProgress),
		rowWindow:   newSlidingWindow(10 * time.Second),
		byteWindow:  newSlidingWindow(10 * time.Second),
		subscribers: make(map[chan Snapshot]struct{}),
		done:        make(chan struct{}),
	}
	c.prom = promSet{
		rowsCopied:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pgclone_rows_copied_total", Help: "Rows copied to the target."}),
		bytesCopied:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pgclone_bytes_copied_total", Help: "Bytes copied to the target."}),
		tablesDone:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pgclone_tables_done_total", Help: "Tables fully copied."}),
		indexesDone:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pgclone_indexes_done_total", Help: "Indexes built on the target."}),
		journalBytes: prometheus.NewCounter(prometheus.CounterOpts{Name: "pgclone_journal_bytes_total", Help: "Bytes appended to CDC journal segments."}),
		writeLSN:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "pgclone_write_lsn", Help: "Highest LSN written to the journal."}),
		replayLSN:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "pgclone_replay_lsn", Help: "Highest LSN applied on the target."}),
	}
	if reg != nil {
		reg.MustRegister(c.prom.rowsCopied, c.prom.bytesCopied, c.prom.tablesDone,
			c.prom.indexesDone, c.prom.journalBytes, c.prom.writeLSN, c.prom.replayLSN)
	}
	go c.broadcastLoop()
	return c
}

// SetPhase records the supervisor's current step.
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
	c.logger.Debug().Str("phase", phase).Msg("phase change")
}

// SetTables seeds the per-table progress list in enumeration order.
func (c *Collector) SetTables(tables []TableProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*TableProgress, len(tables))
	c.tableOrder = c.tableOrder[:0]
	for i := range tables {
		tp := tables[i]
		if tp.Status == "" {
			tp.Status = TablePending
		}
		key := tp.Schema + "." + tp.Name
		c.tables[key] = &tp
		c.tableOrder = append(c.tableOrder, key)
	}
}

// SetIndexTotal seeds the index counter.
func (c *Collector) SetIndexTotal(n int) {
	c.mu.Lock()
	c.indexesTotal = n
	c.mu.Unlock()
}

// TableStarted marks a table as copying.
func (c *Collector) TableStarted(schema, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok := c.tables[schema+"."+name]; ok {
		if tp.Status == TablePending {
			tp.Status = TableCopying
			tp.StartedAt = time.Now()
		}
	}
}

// PartDone records one finished partition and its row count.
func (c *Collector) PartDone(schema, name string, rows, bytes int64) {
	now := time.Now()
	c.totalRows.Add(rows)
	c.totalBytes.Add(bytes)
	c.prom.rowsCopied.Add(float64(rows))
	c.prom.bytesCopied.Add(float64(bytes))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowWindow.Add(now, float64(rows))
	c.byteWindow.Add(now, float64(bytes))
	if tp, ok := c.tables[schema+"."+name]; ok {
		tp.RowsCopied += rows
		tp.PartsDone++
		if !tp.StartedAt.IsZero() {
			tp.ElapsedSec = now.Sub(tp.StartedAt).Seconds()
		}
	}
}

// TableDone marks a table fully copied.
func (c *Collector) TableDone(schema, name string) {
	c.prom.tablesDone.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok := c.tables[schema+"."+name]; ok {
		tp.Status = TableCopied
	}
}

// TableFailed marks a table as failed.
func (c *Collector) TableFailed(schema, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok := c.tables[schema+"."+name]; ok {
		tp.Status = TableFailed
	}
}

// IndexDone counts one built index.
func (c *Collector) IndexDone() {
	c.prom.indexesDone.Inc()
	c.mu.Lock()
	c.indexesDone++
	c.mu.Unlock()
}

// JournalWritten records journal output and the receiver's positions.
func (c *Collector) JournalWritten(bytes int64, write, flush pglogrepl.LSN) {
	c.prom.journalBytes.Add(float64(bytes))
	c.prom.writeLSN.Set(float64(write))
	c.mu.Lock()
	if write > c.writeLSN {
		c.writeLSN = write
	}
	if flush > c.flushLSN {
		c.flushLSN = flush
	}
	c.mu.Unlock()
}

// RecordReplay records the applier's position.
func (c *Collector) RecordReplay(replay pglogrepl.LSN) {
	c.prom.replayLSN.Set(float64(replay))
	c.mu.Lock()
	if replay > c.replayLSN {
		c.replayLSN = replay
	}
	c.mu.Unlock()
}

// RecordError counts a component failure.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	c.lastError.Store(err.Error())
}

// Snapshot returns the complete state at this instant.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var elapsed float64
	if !c.startedAt.IsZero() {
		elapsed = now.Sub(c.startedAt).Seconds()
	}

	lagBytes := lsn.Lag(c.replayLSN, c.writeLSN)

	tables := make([]TableProgress, 0, len(c.tableOrder))
	tablesCopied := 0
	for _, key := range c.tableOrder {
		tp := *c.tables[key]
		tables = append(tables, tp)
		if tp.Status == TableCopied {
			tablesCopied++
		}
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:    now,
		Phase:        c.phase,
		ElapsedSec:   elapsed,
		WriteLSN:     c.writeLSN.String(),
		FlushLSN:     c.flushLSN.String(),
		ReplayLSN:    c.replayLSN.String(),
		LagBytes:     lagBytes,
		LagFormatted: lsn.FormatLag(lagBytes, 0),
		TablesTotal:  len(c.tableOrder),
		TablesCopied: tablesCopied,
		IndexesDone:  c.indexesDone,
		IndexesTotal: c.indexesTotal,
		Tables:       tables,
		RowsPerSec:   c.rowWindow.Rate(),
		BytesPerSec:  c.byteWindow.Rate(),
		TotalRows:    c.totalRows.Load(),
		TotalBytes:   c.totalBytes.Load(),
		ErrorCount:   int(c.errorCount.Load()),
		LastError:    lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			c.subMu.Unlock()
		}
	}
}

// slidingWindow tracks a rate over a trailing duration.
type slidingWindow struct {
	dur     time.Duration
	samples []windowSample
}

type windowSample struct {
	t   time.Time
	val float64
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{dur: d}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.samples = append(w.samples, windowSample{t: t, val: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	now := time.Now()
	w.evict(now)
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.val
	}
	return sum / w.dur.Seconds()
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.dur)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if !s.t.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept
}
