package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

func newScanCommand() *cobra.Command {
	var (
		tenant string
		actor  string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a tenant's environments for drift",
		Long: `Scan all active environments of a tenant concurrently, comparing
canonical workflow definitions against deployed ones.

Each environment is scanned independently: an unreachable source fails
only that environment. Scans write an immutable drift check record and,
per policy, open or merge into the environment's drift incident.`,
		Example: `  # Scan all active environments of a tenant
  driftwatch scan --tenant acme

  # Scan with an explicit actor recorded in the audit trail
  driftwatch scan --tenant acme --actor deploy-bot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			result, err := app.engine.ScanTenant(ctx, tenant, actor)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			rows := make([][]string, 0, len(result.Environments))
			for _, env := range result.Environments {
				rows = append(rows, scanRow(env))
			}
			fmt.Println(renderTable(
				[]string{"ENVIRONMENT", "STATUS", "TOTAL", "IN SYNC", "DRIFTED", "MISSING GIT", "MISSING RUNTIME", "INCIDENT"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
			))

			failed := result.Failed()
			fmt.Printf("\nScanned %d environments in %s, %d failed\n",
				len(result.Environments), result.Duration.Round(time.Millisecond), len(failed))

			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to scan")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func scanRow(env *engine.EnvironmentScanResult) []string {
	if env.Err != nil {
		return []string{env.Environment, "failed: " + env.Err.Error(), "-", "-", "-", "-", "-", "-"}
	}

	incident := "-"
	if env.Incident != nil {
		incident = env.Incident.ID
		if env.IncidentMerged {
			incident += " (merged)"
		}
	}

	h := env.History
	return []string{
		env.Environment,
		statusWord(env),
		fmt.Sprintf("%d", h.TotalWorkflows),
		fmt.Sprintf("%d", h.InSync),
		fmt.Sprintf("%d", h.Drifted),
		fmt.Sprintf("%d", h.MissingInGit),
		fmt.Sprintf("%d", h.MissingInRuntime),
		incident,
	}
}

func statusWord(env *engine.EnvironmentScanResult) string {
	if env.DriftFound() {
		return "drifted"
	}
	return "in sync"
}
