// Package tui renders a live dashboard of the clone: per-table copy
// progress, throughput, and the CDC positions. Purely presentational; all
// state comes from the metrics collector.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jfoltran/pgclone/internal/metrics"
)

// snapshotMsg carries a new metrics snapshot into the Bubble Tea update loop.
type snapshotMsg metrics.Snapshot

// doneMsg is sent when the run finished; err is nil on success.
type doneMsg struct{ err error }

// Model is the Bubble Tea model for the pgclone dashboard.
type Model struct {
	collector *metrics.Collector
	sub       chan metrics.Snapshot
	errCh     <-chan error
	snapshot  metrics.Snapshot
	finished  bool
	runErr    error

	width  int
	height int
	ready  bool
}

// NewModel creates a TUI model connected to the given metrics collector.
// errCh delivers the run's terminal error (nil for success).
func NewModel(collector *metrics.Collector, errCh <-chan error) Model {
	return Model{collector: collector, errCh: errCh, sub: collector.Subscribe()}
}

// Init starts the subscriptions.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.sub), waitForDone(m.errCh))
}

func waitForSnapshot(sub chan metrics.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func waitForDone(errCh <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-errCh}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.collector.Unsubscribe(m.sub)
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = metrics.Snapshot(msg)
		return m, waitForSnapshot(m.sub)

	case doneMsg:
		m.finished = true
		m.runErr = msg.err
		return m, tea.Quit
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}
	snap := m.snapshot

	var b strings.Builder
	b.WriteString(titleStyle.Render("pgclone"))
	b.WriteString("  ")
	b.WriteString(phaseStyle.Render(snap.Phase))
	b.WriteString(labelStyle.Render(fmt.Sprintf("  %.0fs elapsed", snap.ElapsedSec)))
	b.WriteByte('\n')

	b.WriteString(m.renderCounters(snap))
	b.WriteByte('\n')
	b.WriteString(m.renderTables(snap))

	if snap.WriteLSN != "0/0" || snap.ReplayLSN != "0/0" {
		b.WriteByte('\n')
		b.WriteString(m.renderCDC(snap))
	}

	if snap.LastError != "" {
		b.WriteByte('\n')
		b.WriteString(errorStyle.Render("last error: " + snap.LastError))
	}

	b.WriteByte('\n')
	b.WriteString(labelStyle.Render("q to quit"))
	return b.String()
}

func (m Model) renderCounters(snap metrics.Snapshot) string {
	left := fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("tables"),
		valueStyle.Render(fmt.Sprintf("%d/%d", snap.TablesCopied, snap.TablesTotal)),
		labelStyle.Render("indexes"),
		valueStyle.Render(fmt.Sprintf("%d/%d", snap.IndexesDone, snap.IndexesTotal)),
		labelStyle.Render("rows"),
		valueStyle.Render(fmt.Sprintf("%d", snap.TotalRows)),
	)
	right := fmt.Sprintf("%s %s",
		labelStyle.Render("throughput"),
		valueStyle.Render(fmt.Sprintf("%.0f rows/s", snap.RowsPerSec)),
	)
	return boxStyle.Width(m.width - 2).Render(left + "   " + right)
}

func (m Model) renderTables(snap metrics.Snapshot) string {
	maxRows := m.height - 12
	if maxRows < 3 {
		maxRows = 3
	}

	var rows []string
	shown := 0
	for _, t := range snap.Tables {
		if shown >= maxRows {
			rows = append(rows, labelStyle.Render(fmt.Sprintf("… and %d more", len(snap.Tables)-shown)))
			break
		}
		var status string
		switch t.Status {
		case metrics.TableCopied:
			status = doneStyle.Render("done")
		case metrics.TableCopying:
			status = copyingStyle.Render("copying")
		case metrics.TableFailed:
			status = errorStyle.Render("failed")
		default:
			status = labelStyle.Render("pending")
		}
		name := t.Schema + "." + t.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		rows = append(rows, fmt.Sprintf("%-42s %-10s %12d rows  %d/%d parts",
			name, status, t.RowsCopied, t.PartsDone, t.PartsTotal))
		shown++
	}
	if len(rows) == 0 {
		rows = append(rows, labelStyle.Render("no tables enumerated yet"))
	}
	return boxStyle.Width(m.width - 2).Render(strings.Join(rows, "\n"))
}

func (m Model) renderCDC(snap metrics.Snapshot) string {
	line := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("write"),
		valueStyle.Render(snap.WriteLSN),
		labelStyle.Render("flush"),
		valueStyle.Render(snap.FlushLSN),
		labelStyle.Render("replay"),
		valueStyle.Render(snap.ReplayLSN),
		labelStyle.Render("lag"),
		valueStyle.Render(snap.LagFormatted),
	)
	return boxStyle.Width(m.width - 2).Render(line)
}

// Run starts the dashboard and blocks until the run finishes or the user
// quits. Returns the run's error.
func Run(collector *metrics.Collector, errCh <-chan error) error {
	model := NewModel(collector, errCh)
	p := tea.NewProgram(model, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok && m.finished {
		return m.runErr
	}
	// user quit early; the run keeps going in the background caller
	return <-errCh
}
