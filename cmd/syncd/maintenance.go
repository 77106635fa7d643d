package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/syncdb"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact change history beyond the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := api.LoadConfig()
		db, dialect, err := api.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store := syncdb.NewStore(db, dialect)
		n, err := store.CompactChanges(context.Background(), cfg.CompactAfter)
		if err != nil {
			return err
		}
		fmt.Printf("compacted %d change rows\n", n)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old commits, expired chunks, and stale cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := api.LoadConfig()
		db, dialect, err := api.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		store := syncdb.NewStore(db, dialect)

		commits, err := store.PruneCommits(ctx, cfg.KeepNewestCommits, cfg.PruneMaxAge)
		if err != nil {
			return err
		}
		chunks, err := store.DeleteExpiredChunks(ctx, time.Now())
		if err != nil {
			return err
		}
		cursors, err := store.PruneStaleCursors(ctx, time.Now().Add(-cfg.PruneMaxAge))
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d commits, %d chunks, %d cursors\n", commits, chunks, cursors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(pruneCmd)
}
