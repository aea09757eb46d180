package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Track reconciliation attempts",
		Long: `Track remediation work against an incident as reconciliation
artifacts. Artifacts are append-only: a retry of a failed action is a
new artifact. An incident needs at least one successful artifact before
it can be marked reconciled.`,
	}

	cmd.AddCommand(newReconcileStartCommand())
	cmd.AddCommand(newReconcileCompleteCommand())
	cmd.AddCommand(newReconcileFailCommand())
	cmd.AddCommand(newReconcileListCommand())

	return cmd
}

func newReconcileStartCommand() *cobra.Command {
	var (
		artifactType string
		externalRef  string
		actor        string
	)

	cmd := &cobra.Command{
		Use:   "start <incident-id>",
		Short: "Start a reconciliation attempt",
		Long: `Record a new reconciliation artifact against an open incident and
mark it running.`,
		Example: `  # Start a promote action
  driftwatch reconcile start INC --type promote --ref deploy-1234`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			var ref *string
			if externalRef != "" {
				ref = &externalRef
			}

			artifact, err := app.engine.CreateArtifact(ctx, args[0], stores.ArtifactType(artifactType), ref, actor)
			if err != nil {
				return err
			}
			artifact, err = app.engine.BeginArtifact(ctx, artifact.ID, actor)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(artifact)
			}
			fmt.Printf("Started %s artifact %s\n", artifact.Type, artifact.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactType, "type", "", "artifact type (promote, revert, replace)")
	cmd.Flags().StringVar(&externalRef, "ref", "", "external reference (deploy ID, PR, ticket)")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newReconcileCompleteCommand() *cobra.Command {
	var (
		externalRef string
		actor       string
	)

	cmd := &cobra.Command{
		Use:   "complete <artifact-id>",
		Short: "Mark a reconciliation attempt successful",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			var ref *string
			if externalRef != "" {
				ref = &externalRef
			}

			artifact, err := app.engine.CompleteArtifact(ctx, args[0], ref, actor)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(artifact)
			}
			fmt.Printf("Artifact %s completed\n", artifact.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&externalRef, "ref", "", "external reference to the applied change")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")

	return cmd
}

func newReconcileFailCommand() *cobra.Command {
	var (
		reason string
		actor  string
	)

	cmd := &cobra.Command{
		Use:   "fail <artifact-id>",
		Short: "Mark a reconciliation attempt failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			artifact, err := app.engine.FailArtifact(ctx, args[0], reason, actor)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(artifact)
			}
			fmt.Printf("Artifact %s failed: %s\n", artifact.ID, reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on audit entries")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newReconcileListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <incident-id>",
		Short: "List an incident's reconciliation artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			artifacts, err := app.store.ListArtifacts(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(artifacts)
			}

			rows := make([][]string, 0, len(artifacts))
			for _, a := range artifacts {
				rows = append(rows, []string{
					a.ID,
					string(a.Type),
					string(a.Status),
					formatStr(a.ExternalRef),
					formatStr(a.Error),
					formatTime(a.CompletedAt),
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "TYPE", "STATUS", "REF", "ERROR", "COMPLETED"},
				rows, nil,
			))
			return nil
		},
	}

	return cmd
}
