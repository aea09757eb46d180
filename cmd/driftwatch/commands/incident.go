package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newIncidentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Manage drift incidents",
		Long: `Inspect and transition drift incidents.

Incidents move forward only: detected, acknowledged, stabilized,
reconciled, closed. A detected incident may also close directly as a
false positive. Expired incidents carry an orthogonal marker and stay
where they are until closed or purged.`,
	}

	cmd.AddCommand(newIncidentListCommand())
	cmd.AddCommand(newIncidentShowCommand())
	cmd.AddCommand(newIncidentCreateCommand())
	cmd.AddCommand(newIncidentAssignCommand())
	cmd.AddCommand(newIncidentAckCommand())
	cmd.AddCommand(newIncidentStabilizeCommand())
	cmd.AddCommand(newIncidentResolveCommand())
	cmd.AddCommand(newIncidentCloseCommand())
	cmd.AddCommand(newIncidentDeleteCommand())

	return cmd
}

func newIncidentListCommand() *cobra.Command {
	var (
		tenant         string
		includeDeleted bool
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			incidents, err := app.store.ListIncidents(ctx, tenant, includeDeleted, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(incidents)
			}

			rows := make([][]string, 0, len(incidents))
			for _, inc := range incidents {
				expired := "-"
				if inc.Expired {
					expired = "yes"
				}
				rows = append(rows, []string{
					inc.ID,
					inc.EnvironmentID,
					string(inc.Status),
					string(inc.Severity),
					expired,
					formatStr(inc.Owner),
					formatTime(inc.ExpiresAt),
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "ENVIRONMENT", "STATUS", "SEVERITY", "EXPIRED", "OWNER", "EXPIRES"},
				rows, nil,
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to list incidents for")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted incidents")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum incidents to list")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newIncidentShowCommand() *cobra.Command {
	var withPayload bool

	cmd := &cobra.Command{
		Use:   "show <incident-id>",
		Short: "Show one incident in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			incident, err := app.store.GetIncident(ctx, args[0])
			if err != nil {
				return err
			}

			out := map[string]any{"incident": incident}
			if withPayload {
				payload, err := app.store.GetIncidentPayload(ctx, incident.ID)
				if err == nil {
					out["payload"] = payload
				}
			}
			return printJSON(out)
		},
	}

	cmd.Flags().BoolVar(&withPayload, "payload", false, "include the drift snapshot payload")

	return cmd
}

func newIncidentCreateCommand() *cobra.Command {
	var (
		tenant   string
		env      string
		severity string
		actor    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an incident manually",
		Long: `Open an incident outside the scan path, for operator-driven
escalation. At most one open incident per environment applies here too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			incident, err := app.engine.CreateManualIncident(ctx, tenant, env, stores.Severity(severity), actor)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(incident)
			}
			fmt.Printf("Created incident %s (%s)\n", incident.ID, incident.Severity)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant")
	cmd.Flags().StringVar(&env, "env", "", "environment ID")
	cmd.Flags().StringVar(&severity, "severity", "medium", "severity (medium, high, critical)")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newIncidentAssignCommand() *cobra.Command {
	var (
		owner string
		actor string
	)

	cmd := &cobra.Command{
		Use:   "assign <incident-id>",
		Short: "Assign an incident owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, func(app *app) (any, error) {
				return app.engine.AssignOwner(cmd.Context(), args[0], owner, actor)
			}, fmt.Sprintf("Assigned %s to incident %s", owner, args[0]))
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner to assign")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func newIncidentAckCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "ack <incident-id>",
		Short: "Acknowledge an incident",
		Long: `Acknowledge a detected incident. Requires an assigned owner, and an
approved acknowledge approval when the tenant's policy mandates one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, func(app *app) (any, error) {
				return app.engine.Acknowledge(cmd.Context(), args[0], actor)
			}, fmt.Sprintf("Incident %s acknowledged", args[0]))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")

	return cmd
}

func newIncidentStabilizeCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "stabilize <incident-id>",
		Short: "Mark an incident stabilized",
		Long: `Mark an acknowledged incident stabilized. Rejected when a later scan
rates the environment at a higher severity than the incident.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, func(app *app) (any, error) {
				return app.engine.Stabilize(cmd.Context(), args[0], actor)
			}, fmt.Sprintf("Incident %s stabilized", args[0]))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")

	return cmd
}

func newIncidentResolveCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Mark an incident reconciled",
		Long: `Mark a stabilized incident reconciled. Requires at least one
successful reconciliation artifact on the incident.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, func(app *app) (any, error) {
				return app.engine.MarkReconciled(cmd.Context(), args[0], actor)
			}, fmt.Sprintf("Incident %s reconciled", args[0]))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")

	return cmd
}

func newIncidentCloseCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "close <incident-id>",
		Short: "Close an incident",
		Long: `Close a reconciled incident, or a detected one directly as a false
positive. Requires an approved close approval when policy mandates one.
Closing releases the environment's active-incident pointer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, func(app *app) (any, error) {
				return app.engine.CloseIncident(cmd.Context(), args[0], actor)
			}, fmt.Sprintf("Incident %s closed", args[0]))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")

	return cmd
}

func newIncidentDeleteCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "delete <incident-id>",
		Short: "Soft-delete a closed or expired incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, func(app *app) (any, error) {
				return app.engine.SoftDeleteIncident(cmd.Context(), args[0], actor)
			}, fmt.Sprintf("Incident %s deleted", args[0]))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")

	return cmd
}

// runTransition wires the shared open-app / run / print pattern for
// single-incident operations.
func runTransition(cmd *cobra.Command, fn func(*app) (any, error), message string) error {
	ctx := cmd.Context()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	result, err := fn(app)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}
	fmt.Println(message)
	return nil
}
