package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBlockedCommand() *cobra.Command {
	var (
		tenant string
		env    string
	)

	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "Check whether deployments to an environment are blocked",
		Long: `Check whether an environment's open drift incident blocks
deployments under the tenant's policy. Exits non-zero when blocked, so
CI pipelines can gate on it directly.`,
		Example: `  # Gate a deploy step
  driftwatch blocked --tenant acme --env env-prod && ./deploy.sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			blocked, err := app.engine.IsDeploymentBlocked(ctx, tenant, env)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(map[string]bool{"blocked": blocked}); err != nil {
					return err
				}
			} else if blocked {
				fmt.Println("blocked")
			} else {
				fmt.Println("clear")
			}

			if blocked {
				cmd.SilenceUsage = true
				cmd.SilenceErrors = true
				return fmt.Errorf("deployments to %s are blocked", env)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant")
	cmd.Flags().StringVar(&env, "env", "", "environment ID")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}
