package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool

	// appVersion is the build version, threaded into telemetry.
	appVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provgate",
		Short: "ProvGate - Identity Provisioning Orchestration Core",
		Long: `ProvGate orchestrates identity provisioning across heterogeneous target
systems with all-or-nothing semantics.

Features:
  - Saga orchestration with automatic reverse-order compensation
  - Attribute calculation through a versioned, closed rule language
  - Pluggable target-system connectors
  - Multi-level approval workflow for gated changes
  - Reconciliation against last-committed state
  - Durable SQLite ledger and append-only audit log`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
