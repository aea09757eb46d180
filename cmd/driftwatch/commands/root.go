package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driftwatch",
		Short: "Driftwatch - Drift Detection & Incident Reconciliation Engine",
		Long: `Driftwatch detects configuration drift between version-controlled
workflow definitions and what is actually deployed across multi-tenant
dev, staging, and production environments.

Features:
  - Per-environment concurrent drift scans with mutual-exclusion leases
  - Immutable drift check history with per-workflow flags
  - Guarded incident lifecycle with optimistic concurrency
  - Approval gating for sensitive transitions
  - TTL expiry sweeping and retention purging
  - Per-tenant drift policies seeded from templates`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newIncidentCommand())
	rootCmd.AddCommand(newApprovalCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newPurgeCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newBlockedCommand())
	rootCmd.AddCommand(newEnvCommand())

	return rootCmd
}
