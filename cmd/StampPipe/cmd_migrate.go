package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/StampPipe/internal/lockfile"
	"github.com/BTreeMap/StampPipe/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and seed queue locations",
	Long: "Applies the embedded schema migrations to the configured SQL store and upserts the\n" +
		"queue locations from the config file. The REST backend is migrated on the server side.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := lockfile.Acquire(cfg.StateDir, "migrate")
		if err != nil {
			return err
		}
		defer lock.Release()

		opts := append(buildStoreOptions(cfg), store.WithoutMigrations())
		if err := ensureDirectoriesExist(cfg, opts); err != nil {
			return err
		}
		backend := storeBackend(opts)
		rs, err := store.Open(opts...)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer rs.Close()

		if sqlStore, ok := rs.(*store.SQLStore); ok {
			if err := store.Migrate(sqlStore.DB(), backend); err != nil {
				return fmt.Errorf("migrate %s: %w", backend, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", backend)
		} else {
			slog.Info("migrate: backend has no embedded migrations", "backend", backend)
		}

		locs := cfg.Features.Locations()
		if err := store.SeedQueueLocations(cmd.Context(), rs, locs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d queue locations seeded\n", len(locs))
		return nil
	},
}
