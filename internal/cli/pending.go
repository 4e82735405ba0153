package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/provara/provara/internal/client"
)

var (
	pendingServer string
	pendingState  string
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().StringVar(&pendingServer, "server", "http://localhost:8484", "Base URL of the running server")
	pendingCmd.Flags().StringVar(&pendingState, "state", "pending", "Filter by state (pending, approved, denied, expired; empty for all)")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := client.New(pendingServer).ListApprovals(cmd.Context(), pendingState)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("no approval requests")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAPP\tACTION\tRISK\tSTATE\tDEADLINE")
		for _, r := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.AppID, r.Action, r.Risk, r.State, r.Deadline.Format(time.RFC3339))
		}
		return w.Flush()
	},
}
