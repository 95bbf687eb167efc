package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/supervise"
	"github.com/jfoltran/pgclone/internal/tui"
)

var (
	cloneFollow bool
	cloneResume bool
	cloneTUI    bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy schema and data from source to target",
	Long: `Clone performs a full copy of the source database to the target:
1. Exports a consistent snapshot (from the replication slot with --follow)
2. Restores the pre-data schema section
3. Copies all tables in parallel under the snapshot, splitting large tables
4. Builds indexes concurrently and promotes unique ones to constraints
5. Copies large objects, resets sequences, restores post-data, analyzes

With --follow the replication stream is journaled while the copy runs and
replayed afterwards until the configured endpos. Use --resume to continue
an interrupted run; finished tables are not copied again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		sup, err := supervise.New(&cfg, logger)
		if err != nil {
			return err
		}
		defer sup.Close()

		opts := supervise.Options{Follow: cloneFollow, Resume: cloneResume}

		if cloneTUI {
			errCh := make(chan error, 1)
			go func() {
				errCh <- sup.Run(cmd.Context(), opts)
			}()
			return tui.Run(sup.Collector(), errCh)
		}
		return sup.Run(cmd.Context(), opts)
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Continue with CDC replay after the base copy")
	cloneCmd.Flags().BoolVar(&cloneResume, "resume", false, "Resume an interrupted clone, skipping finished objects")
	cloneCmd.Flags().BoolVar(&cloneTUI, "tui", false, "Show terminal dashboard during the run")
	rootCmd.AddCommand(cloneCmd)
}
