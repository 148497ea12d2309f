// Command lattica is the marketplace client: discover inference hosts, run
// paid chat sessions against them and audit past sessions from their
// on-chain checkpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagDataDir    string
	flagPrivateKey string
	flagChainID    uint64
	flagRPC        string
	flagContract   string
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "lattica",
		Short:         "Client for the Lattica decentralized inference marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "directory for local encrypted storage")
	root.PersistentFlags().StringVar(&flagPrivateKey, "private-key", os.Getenv("LATTICA_PRIVATE_KEY"), "hex private key (env LATTICA_PRIVATE_KEY)")
	root.PersistentFlags().Uint64Var(&flagChainID, "chain-id", 84532, "marketplace chain ID")
	root.PersistentFlags().StringVar(&flagRPC, "rpc", os.Getenv("LATTICA_RPC"), "Ethereum RPC endpoint (env LATTICA_RPC)")
	root.PersistentFlags().StringVar(&flagContract, "contract", os.Getenv("LATTICA_CONTRACT"), "marketplace contract address (env LATTICA_CONTRACT)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newDiscoverCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newRecoverCmd())
	root.AddCommand(newExportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lattica"
	}
	return home + "/.lattica"
}
