package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voltsettle",
	Short: "Investment settlement engine for tokenized invoices",
	Long: `voltsettle credits verified vUSD deposits against tokenized invoices,
records the positions on the invoice escrow, and pays out yield at maturity.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(resolveCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
