package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provara/provara/internal/client"
)

var (
	denyServer   string
	denyResolver string
	denyReason   string
)

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&denyServer, "server", "http://localhost:8484", "Base URL of the running server")
	denyCmd.Flags().StringVar(&denyResolver, "resolver", "", "Identity of the denier")
	denyCmd.Flags().StringVar(&denyReason, "reason", "", "Optional reason for the decision")
	denyCmd.MarkFlagRequired("resolver")
}

var denyCmd = &cobra.Command{
	Use:   "deny <approval-id>",
	Short: "Deny a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := client.New(denyServer).Resolve(cmd.Context(), args[0], false, denyResolver, denyReason)
		if err != nil {
			return err
		}
		fmt.Printf("approval %s: %s by %s\n", req.ID, req.State, req.Resolver)
		return nil
	},
}
