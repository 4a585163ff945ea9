// Package cli implements the sleuth command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sleuth",
	Short: "sleuth investigates blockchain accounts",
	Long: `sleuth runs account investigations against a graph analysis service,
tracks their progress and records the results on chain.

Run 'sleuth serve' for the HTTP API or 'sleuth worker' for a queue-only process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
