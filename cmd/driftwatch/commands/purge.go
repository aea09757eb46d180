package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Run one retention purger pass",
		Long: `Run one retention pass across all tenants with retention enabled.

Payloads purge on their own shorter window; incident metadata follows
later. Drift check history always keeps each environment's most recent
record. Deletions are batch-capped per table; a large backlog drains
over successive passes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			result, err := app.engine.Purge(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("Purged across %d tenants: %d incidents, %d payloads, %d checks, %d approvals, %d artifacts (%d skipped)\n",
				result.Tenants, result.IncidentsDeleted, result.PayloadsDeleted,
				result.ChecksDeleted, result.ApprovalsDeleted, result.ArtifactsDeleted,
				result.Skipped)
			return nil
		},
	}

	return cmd
}
