package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command. Without a subcommand it serves HTTP.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readability-server",
		Short: "Converts web pages to readable article text over HTTP.",
		Long: `readability-server fetches a page, extracts its main article in a pool of
isolated worker processes, and returns the result as plain text, HTML or JSON.`,
		SilenceUsage: true,
		RunE:         runServeCommand,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "readability-server: %v\n", err)
		os.Exit(1)
	}
}
