package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provara/provara/internal/client"
)

var (
	approveServer   string
	approveResolver string
	approveReason   string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveServer, "server", "http://localhost:8484", "Base URL of the running server")
	approveCmd.Flags().StringVar(&approveResolver, "resolver", "", "Identity of the approver")
	approveCmd.Flags().StringVar(&approveReason, "reason", "", "Optional reason for the decision")
	approveCmd.MarkFlagRequired("resolver")
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := client.New(approveServer).Resolve(cmd.Context(), args[0], true, approveResolver, approveReason)
		if err != nil {
			return err
		}
		fmt.Printf("approval %s: %s by %s\n", req.ID, req.State, req.Resolver)
		return nil
	},
}
