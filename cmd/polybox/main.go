// Polybox provides one uniform interface over heterogeneous code execution sandboxes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "polybox",
	Short: "Polybox: uniform sandbox operations over any shell-capable provider.",
	Long: `Polybox drives code execution sandboxes through one interface.
Every provider supplies a shell command primitive; file, directory, search and
metrics operations fall back to portable shell command polyfills whenever the
provider has no native implementation.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		serveCmd, versionCmd,
		createCmd, deleteCmd, listCmd, pingCmd, metricsCmd,
		execCmd, readCmd, writeCmd, lsCmd, searchCmd,
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $POLYBOX_CONFIG or ~/.polybox/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
