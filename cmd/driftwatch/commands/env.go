package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environments",
	}

	cmd.AddCommand(newEnvAddCommand())
	cmd.AddCommand(newEnvStatusCommand())

	return cmd
}

func newEnvAddCommand() *cobra.Command {
	var (
		tenant string
		name   string
		class  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an environment",
		Long: `Register an environment for drift scanning. The class (dev, staging,
production) is persisted and never inferred; severity derivation and
production-only policy toggles read it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			now := time.Now().UTC()
			env := &stores.Environment{
				ID:          uuid.New().String(),
				TenantID:    tenant,
				Name:        name,
				Class:       stores.EnvironmentClass(class),
				Active:      true,
				DriftStatus: "unknown",
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := app.store.CreateEnvironment(ctx, env); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(env)
			}
			fmt.Printf("Registered environment %s (%s, %s)\n", env.ID, name, class)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant")
	cmd.Flags().StringVar(&name, "name", "", "environment name")
	cmd.Flags().StringVar(&class, "class", "dev", "environment class (dev, staging, production)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newEnvStatusCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-environment drift status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			environments, err := app.store.ListEnvironments(ctx, tenant, false)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(environments)
			}

			rows := make([][]string, 0, len(environments))
			for _, env := range environments {
				rows = append(rows, []string{
					env.ID,
					env.Name,
					string(env.Class),
					env.DriftStatus,
					fmt.Sprintf("%d", env.DriftedCount),
					formatTime(env.LastCheckedAt),
					formatStr(env.ActiveIncidentID),
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "NAME", "CLASS", "STATUS", "DRIFTED", "LAST CHECKED", "ACTIVE INCIDENT"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
