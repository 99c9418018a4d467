package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one full pull cycle into the local cache",
	Long: `Pull programs, enrollments, participants and benefit assignments from
the remote system and write them into the local cache.

A full sync:
  1. Fetches programs matching the configured name prefixes
  2. Fetches their enrollments, participants and benefit assignments
  3. Resolves a stable local id for every record
  4. Upserts parents before children and bumps the cursor

Only one full sync runs at a time, across processes sharing the cache.
Every run is written to the audit trail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("skip-benefits") {
			cfg.Sync.SkipBenefits, _ = cmd.Flags().GetBool("skip-benefits")
		}
		if cmd.Flags().Changed("write-back") {
			cfg.Sync.WriteBack, _ = cmd.Flags().GetBool("write-back")
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, logger, false, hooks{})
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Syncing into %s...\n", ui.RenderAccent("↻"), cfg.Cache.Path)
		start := time.Now()

		counts, err := a.syncer.FullSync(ctx)
		elapsed := time.Since(start)
		if d := a.auditSync(ctx, counts, elapsed, err); d == audit.Queued {
			fmt.Fprintln(out, ui.RenderWarn("Audit record queued locally; run 'fieldsync audit drain' later"))
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Fprintln(out, ui.RenderCounts(counts, elapsed))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local cache status",
	Long: `Display cache counts, the last sync time, the sync cursor and the
number of records waiting to be pushed or relayed.

Status reads only the local cache and works without remote credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, logger, true, hooks{})
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderStatus(a.syncer.Status(ctx), cfg.Cache.Path))
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("skip-benefits", false, "skip the benefit assignment fetch")
	syncCmd.Flags().Bool("write-back", false, "write generated local ids back to the remote")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
