package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newApprovalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Manage transition approvals",
		Long: `Request and decide approvals gating incident transitions.

Policy can require an approval for acknowledge and close; extending an
incident's TTL always requires one. At most one pending approval exists
per incident and type.`,
	}

	cmd.AddCommand(newApprovalRequestCommand())
	cmd.AddCommand(newApprovalApproveCommand())
	cmd.AddCommand(newApprovalRejectCommand())
	cmd.AddCommand(newApprovalCancelCommand())
	cmd.AddCommand(newApprovalListCommand())

	return cmd
}

func newApprovalRequestCommand() *cobra.Command {
	var (
		approvalType string
		requestedBy  string
		hours        int
	)

	cmd := &cobra.Command{
		Use:   "request <incident-id>",
		Short: "Request an approval",
		Example: `  # Request a close approval
  driftwatch approval request INC --type close --by alice

  # Request a 48 hour TTL extension
  driftwatch approval request INC --type extend_ttl --hours 48 --by alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			var extension *int
			if hours > 0 {
				extension = &hours
			}

			approval, err := app.engine.RequestApproval(ctx, args[0], stores.ApprovalType(approvalType), requestedBy, extension)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(approval)
			}
			fmt.Printf("Requested %s approval %s\n", approval.Type, approval.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&approvalType, "type", "", "approval type (acknowledge, close, extend_ttl)")
	cmd.Flags().StringVar(&requestedBy, "by", "cli", "requesting actor")
	cmd.Flags().IntVar(&hours, "hours", 0, "extension hours (extend_ttl only)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newApprovalApproveCommand() *cobra.Command {
	var (
		decidedBy string
		notes     string
	)

	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending approval",
		Long: `Approve a pending approval. Approving an extend_ttl request advances
the incident's expiry deadline immediately; the approval is consumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decideApproval(cmd, args[0], decidedBy, notes, "approved",
				func(app *app, notes *string) (*stores.DriftApproval, error) {
					return app.engine.ApproveRequest(cmd.Context(), args[0], decidedBy, notes)
				})
		},
	}

	cmd.Flags().StringVar(&decidedBy, "by", "cli", "deciding actor")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")

	return cmd
}

func newApprovalRejectCommand() *cobra.Command {
	var (
		decidedBy string
		notes     string
	)

	cmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decideApproval(cmd, args[0], decidedBy, notes, "rejected",
				func(app *app, notes *string) (*stores.DriftApproval, error) {
					return app.engine.RejectRequest(cmd.Context(), args[0], decidedBy, notes)
				})
		},
	}

	cmd.Flags().StringVar(&decidedBy, "by", "cli", "deciding actor")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")

	return cmd
}

func newApprovalCancelCommand() *cobra.Command {
	var (
		actor string
		admin bool
	)

	cmd := &cobra.Command{
		Use:   "cancel <approval-id>",
		Short: "Cancel a pending approval",
		Long: `Cancel a pending approval. Only the requester may cancel their own
request; pass --admin to cancel on behalf of someone else.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			approval, err := app.engine.CancelRequest(ctx, args[0], actor, admin)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(approval)
			}
			fmt.Printf("Cancelled approval %s\n", approval.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "by", "cli", "cancelling actor")
	cmd.Flags().BoolVar(&admin, "admin", false, "cancel as an admin, overriding the requester check")

	return cmd
}

func newApprovalListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <incident-id>",
		Short: "List an incident's approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			approvals, err := app.store.ListApprovals(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(approvals)
			}

			rows := make([][]string, 0, len(approvals))
			for _, a := range approvals {
				rows = append(rows, []string{
					a.ID,
					string(a.Type),
					string(a.Status),
					a.RequestedBy,
					formatStr(a.DecidedBy),
					formatTime(a.DecidedAt),
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "TYPE", "STATUS", "REQUESTED BY", "DECIDED BY", "DECIDED AT"},
				rows, nil,
			))
			return nil
		},
	}

	return cmd
}

func decideApproval(cmd *cobra.Command, approvalID, decidedBy, notes, verb string, fn func(*app, *string) (*stores.DriftApproval, error)) error {
	ctx := cmd.Context()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	var notesPtr *string
	if notes != "" {
		notesPtr = &notes
	}

	approval, err := fn(app, notesPtr)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(approval)
	}
	fmt.Printf("Approval %s %s by %s\n", approvalID, verb, decidedBy)
	return nil
}
