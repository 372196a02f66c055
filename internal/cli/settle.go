package cli

import (
	"github.com/spf13/cobra"
)

var settleOpts options

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run one settlement sweep and print the report",
	Long: `settle selects matured active investments, pays their yield on the
escrow and marks them completed. It is meant to be run from cron when the
API's built-in scheduler is disabled.`,
	RunE: runSettle,
}

func init() {
	settleCmd.Flags().BoolVar(&settleOpts.fakeChain, "fake-chain", false, "Use the in-memory escrow instead of the JSON-RPC relay")
}

func runSettle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(settleOpts)
	if err != nil {
		return err
	}
	a, err := build(cmd.Context(), cfg, settleOpts)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.settlement.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}
