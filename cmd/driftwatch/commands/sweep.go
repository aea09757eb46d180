package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one TTL sweeper pass",
		Long: `Run one sweeper pass over open incidents with expiry deadlines:
deliver pre-expiry warnings and mark incidents past their deadline as
expired. The pass is idempotent; anything skipped on a conflict is
picked up next pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			result, err := app.engine.Sweep(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("Swept %d incidents: %d expired, %d warnings sent, %d conflicts\n",
				result.Scanned, result.Expired, result.WarningsSent, result.Conflicts)
			return nil
		},
	}

	return cmd
}
