package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/evidence"
	"github.com/provara/provara/internal/storage"
)

var (
	verifyDB   string
	verifyPack string
	verifyFrom int64
	verifyTo   int64
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyDB, "db", "", "Path to ledger database")
	verifyCmd.Flags().StringVar(&verifyPack, "pack", "", "Path to an evidence pack directory")
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 1, "First sequence number")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last sequence number (0 = stream tail)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify [stream]",
	Short: "Re-verify a stream's hash chain or an evidence pack",
	Long:  "With a stream argument and --db, recomputes every chain hash in the range.\nWith --pack, verifies an exported evidence pack offline.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifyPack != "" {
		report, err := evidence.VerifyPack(verifyPack)
		if err != nil {
			return err
		}
		printJSON(report)
		if !report.OK {
			os.Exit(1)
		}
		return nil
	}

	if len(args) != 1 || verifyDB == "" {
		return fmt.Errorf("either --pack or a stream argument with --db is required")
	}

	db, err := storage.Open(verifyDB)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := chain.NewStore(db).Verify(context.Background(), args[0], verifyFrom, verifyTo)
	printJSON(result)
	if err != nil {
		os.Exit(1)
	}
	return nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
