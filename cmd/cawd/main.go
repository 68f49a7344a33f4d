// Command cawd is the orchestration core's daemon and maintenance CLI:
// it serves the HTTP adapter and applies store migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "cawd",
		Short: "caw orchestration core daemon",
		Long:  "cawd serves the HTTP API coordinating autonomous coding agents over a shared workflow store.",
	}

	root.PersistentFlags().String("config", "", "config file path (not read: settings come from built-in defaults and CAW_ env vars)")
	root.PersistentFlags().String("db", "", "override the store path (default: ~/.caw/workflows.db)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
