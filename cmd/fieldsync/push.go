package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgthr/fieldsync/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Manage locally created records waiting to be pushed",
}

var pushRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-attempt every unsynced outbox item",
	Long: `Push every outbox item that has not been acknowledged by the remote.

Each item is checked for an existing remote record carrying its local id
first, so a retry after a lost acknowledgement never creates a duplicate.
Items that still fail stay in the outbox for the next attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, logger, false, hooks{})
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.pusher.RetryPending(ctx)
		if err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderRetry(sum))
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "advanced",
	Short:   "Manage the local audit retry queue",
}

var auditDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued audit records to the remote",
	Long: `Send audit records that could not be written when they happened.

Records are sent oldest first. The drain stops at the first failure and
leaves the rest queued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, logger, false, hooks{})
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.relay.Drain(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderDrain(sum))
		if err != nil {
			return fmt.Errorf("drain stopped: %w", err)
		}
		return nil
	},
}

func init() {
	pushCmd.AddCommand(pushRetryCmd)
	auditCmd.AddCommand(auditDrainCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(auditCmd)
}
