package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/pkg/lsn"
)

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Read and write the run's coordination record",
	Long: `The sentinel is the single row coordinating the clone engine and the
CDC pipeline: start/end positions, the receiver's write and flush LSNs, the
applier's replay LSN, and the apply gate. External processes use it to
drive a running follow, most importantly to set the endpos at which replay
stops.`,
}

var sentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the sentinel row",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(cfg.CatalogPath())
		if err != nil {
			return err
		}
		defer store.Close()

		sn, err := store.GetSentinel()
		if err != nil {
			return err
		}
		fmt.Printf("startpos   %s\n", orDash(sn.StartPos))
		fmt.Printf("endpos     %s\n", orDash(sn.EndPos))
		fmt.Printf("write_lsn  %s\n", orDash(sn.WriteLSN))
		fmt.Printf("flush_lsn  %s\n", orDash(sn.FlushLSN))
		fmt.Printf("replay_lsn %s\n", orDash(sn.ReplayLSN))
		fmt.Printf("apply      %t\n", sn.Apply)
		return nil
	},
}

var sentinelSetCmd = &cobra.Command{
	Use:   "set [startpos|endpos|apply|prefetch] [value]",
	Short: "Update one sentinel field",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(cfg.CatalogPath())
		if err != nil {
			return err
		}
		defer store.Close()

		field := args[0]
		switch field {
		case "startpos", "endpos":
			if len(args) != 2 {
				return fmt.Errorf("sentinel set %s requires an LSN argument", field)
			}
			pos, err := lsn.Parse(args[1])
			if err != nil {
				return err
			}
			if field == "startpos" {
				return store.SetStartPos(pos)
			}
			return store.SetEndPos(pos)

		case "apply":
			v := true
			if len(args) == 2 {
				if v, err = strconv.ParseBool(args[1]); err != nil {
					return fmt.Errorf("sentinel set apply: %w", err)
				}
			}
			return store.SetApply(v)

		case "prefetch":
			// prefetch mode is apply=false: the pipeline journals and
			// transforms but does not execute
			return store.SetApply(false)

		default:
			return fmt.Errorf("unknown sentinel field %q", field)
		}
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	sentinelCmd.AddCommand(sentinelGetCmd)
	sentinelCmd.AddCommand(sentinelSetCmd)
	rootCmd.AddCommand(sentinelCmd)
}
