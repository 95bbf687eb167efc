package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/supervise"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Run only the CDC pipeline against an existing slot",
	Long: `Follow re-attaches to the replication slot and positions left by an
earlier clone --follow and keeps the receive/transform/apply pipeline
running. Whether statements are executed is controlled by the sentinel's
apply gate; see "pgclone sentinel set apply". Streaming stops at the
sentinel's endpos, or on SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		sup, err := supervise.New(&cfg, logger)
		if err != nil {
			return err
		}
		defer sup.Close()

		return sup.RunFollow(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(followCmd)
}
