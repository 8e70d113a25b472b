// Package cmd defines the CLI commands for the ecotrace executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ecotrace",
		Short: "Website carbon footprint analysis service",
		Long: `ecotrace estimates the carbon footprint of web pages. It captures a
page in a headless browser, attributes transfer bytes to CO2e emissions,
optimizes the page's images, and renders a multi-page PDF report.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, env vars apply otherwise)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
