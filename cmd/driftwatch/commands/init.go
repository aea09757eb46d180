package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var (
		tenant   string
		template string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the database and optionally provision a tenant policy",
		Long: `Create the SQLite database, apply schema migrations, and seed the
built-in policy templates. With --tenant, also provisions that tenant's
drift policy from the named template.`,
		Example: `  # Initialize the database
  driftwatch init

  # Initialize and provision a tenant with the strict template
  driftwatch init --tenant acme --template strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			log.Info().Str("database", app.cfg.Database.Path).Msg("Database initialized")

			if tenant != "" {
				if _, err := app.policies.Provision(ctx, tenant, template); err != nil {
					return err
				}
				fmt.Printf("Provisioned policy for tenant %s from template %s\n", tenant, template)
			}

			fmt.Printf("Initialized %s\n", app.cfg.Database.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to provision a policy for")
	cmd.Flags().StringVar(&template, "template", "standard", "policy template (strict, standard, relaxed)")

	return cmd
}
