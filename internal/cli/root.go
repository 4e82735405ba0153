package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "provara",
	Short: "Tamper-evident action ledger and policy gate for AI agents",
	Long:  "Records agent and operator actions in a hash-chained append-only ledger, gates risky actions behind synchronous policy decisions with human approval, and produces independently verifiable evidence exports.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
