package cli

import (
	"encoding/json"
	"fmt"

	"voltsettle/internal/hederaid"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an account, token or contract id to its EVM address and back",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

type resolved struct {
	Input string `json:"input"`
	ID    string `json:"id,omitempty"`
	EVM   string `json:"evm"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	addr, err := hederaid.ToEVM(args[0])
	if err != nil {
		return fmt.Errorf("resolve %q: %w", args[0], err)
	}
	return printJSON(cmd, describe(args[0], addr))
}

func describe(input string, addr common.Address) resolved {
	out := resolved{Input: input, EVM: addr.Hex()}
	if id, ok := hederaid.FromEVM(addr); ok {
		out.ID = id.String()
	}
	return out
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
