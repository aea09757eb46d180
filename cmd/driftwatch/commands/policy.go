package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-tenant drift policies",
		Long: `Inspect and update the single effective drift policy per tenant.

Policies are seeded from built-in templates (strict, standard, relaxed)
and validated on every write; an invalid policy never reaches the store.`,
	}

	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicySetCommand())
	cmd.AddCommand(newPolicyTemplatesCommand())

	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a tenant's effective policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			cfg, err := app.policies.Resolve(ctx, tenant)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newPolicySetCommand() *cobra.Command {
	var (
		tenant   string
		template string
		file     string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a tenant's policy from a template or JSON file",
		Example: `  # Provision from a template
  driftwatch policy set --tenant acme --template strict

  # Replace with an explicit config
  driftwatch policy set --tenant acme --file policy.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if (template == "") == (file == "") {
				return fmt.Errorf("exactly one of --template or --file is required")
			}

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			if template != "" {
				if _, err := app.policies.Provision(ctx, tenant, template); err != nil {
					return err
				}
				fmt.Printf("Policy for %s set from template %s\n", tenant, template)
				return nil
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read policy file: %w", err)
			}
			cfg, err := policy.Unmarshal(string(data))
			if err != nil {
				return err
			}
			if err := app.policies.Update(ctx, tenant, cfg); err != nil {
				return err
			}
			fmt.Printf("Policy for %s updated from %s\n", tenant, file)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant")
	cmd.Flags().StringVar(&template, "template", "", "policy template name")
	cmd.Flags().StringVar(&file, "file", "", "policy config JSON file")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newPolicyTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the built-in policy templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			templates, err := app.policies.Templates(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(templates)
			}

			rows := make([][]string, 0, len(templates))
			for _, t := range templates {
				rows = append(rows, []string{t.Name, t.Description})
			}
			fmt.Println(renderTable([]string{"NAME", "DESCRIPTION"}, rows, nil))
			return nil
		},
	}

	return cmd
}
