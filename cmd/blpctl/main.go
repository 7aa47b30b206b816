// Command blpctl is the operator tool for the settlement service. It quotes
// settlements and liquidation checks offline, applies database migrations,
// lists archived records and produces API key hashes for the server
// configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blpctl: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "blpctl",
		Short:         "Operator tooling for the BLP settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.PersistentFlags().String(ConfigKey, "", "Path to a TOML configuration file (defaults apply when empty)")
	c.AddCommand(
		quoteCommand(),
		liquidatableCommand(),
		migrateCommand(),
		hashKeyCommand(),
		archivesCommand(),
	)
	return c
}
