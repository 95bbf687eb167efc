package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize catalog progress and the last persisted run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(cfg.CatalogPath())
		if err != nil {
			return err
		}
		defer store.Close()

		tables, err := store.Tables()
		if err != nil {
			return err
		}
		var done, failed int
		for _, t := range tables {
			switch t.Status {
			case catalog.StatusDone:
				done++
			case catalog.StatusFailed:
				failed++
			}
		}

		indexes, err := store.Indexes()
		if err != nil {
			return err
		}
		var idxDone int
		for _, idx := range indexes {
			if idx.Status == catalog.StatusDone {
				idxDone++
			}
		}

		sn, err := store.GetSentinel()
		if err != nil {
			return err
		}

		fmt.Printf("tables     %d/%d done", done, len(tables))
		if failed > 0 {
			fmt.Printf(" (%d failed)", failed)
		}
		fmt.Println()
		fmt.Printf("indexes    %d/%d done\n", idxDone, len(indexes))
		fmt.Printf("startpos   %s\n", orDash(sn.StartPos))
		fmt.Printf("endpos     %s\n", orDash(sn.EndPos))
		fmt.Printf("write_lsn  %s\n", orDash(sn.WriteLSN))
		fmt.Printf("replay_lsn %s\n", orDash(sn.ReplayLSN))
		fmt.Printf("apply      %t\n", sn.Apply)

		procs, err := store.Processes()
		if err != nil {
			return err
		}
		for _, p := range procs {
			fmt.Printf("process    %s (pid %d) since %s\n", p.Role, p.PID, p.StartedAt.Format("15:04:05"))
		}

		if snap, err := metrics.ReadStateFile(cfg.RunDir()); err == nil {
			fmt.Printf("phase      %s (as of %s)\n", snap.Phase, snap.Timestamp.Format("15:04:05"))
			fmt.Printf("rows       %d copied, %.0f rows/s\n", snap.TotalRows, snap.RowsPerSec)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
