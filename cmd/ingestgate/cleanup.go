package main

import (
	"time"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/clipforge/ingestgate/internal/di"
)

var (
	cleanupOlderThan time.Duration
	cleanupDryRun    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force-expire stale processing records",
	Long: `Scans for idempotency records stuck in processing longer than the
threshold and deletes them, releasing their keys for fresh execution. Use
after an incident leaves abandoned locks behind faster than reclamation
clears them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		injector := newInjector()
		defer shutdown(injector)

		storeSvc := do.MustInvoke[*di.StoreService](injector)
		ctx := cmd.Context()

		keys, err := storeSvc.Store.StaleProcessingKeys(ctx, time.Now(), cleanupOlderThan)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			cmd.Println("no stale processing records")
			return nil
		}

		for _, key := range keys {
			if cleanupDryRun {
				cmd.Printf("would delete %s\n", key)
				continue
			}
			if err := storeSvc.Store.DeleteIdempotencyRecord(ctx, key); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", key)
		}
		if !cleanupDryRun {
			cmd.Printf("%d stale records removed\n", len(keys))
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 5*time.Minute,
		"staleness threshold for processing records")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false,
		"list stale records without deleting")
	rootCmd.AddCommand(cleanupCmd)
}
