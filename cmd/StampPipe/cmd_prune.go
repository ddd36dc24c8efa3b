package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/StampPipe/internal/store"
)

var pruneRetention time.Duration

func init() {
	pruneCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "keep processed message ids newer than this (default $PROCESSED_RETENTION)")
	rootCmd.AddCommand(pruneCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old processed message ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		retention := cfg.ProcessedRetention
		if pruneRetention > 0 {
			retention = pruneRetention
		}
		rs, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rs.Close()

		n, err := store.NewGuard(rs).Prune(cmd.Context(), retention)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d processed message ids older than %s\n", n, retention)
		return nil
	},
}
