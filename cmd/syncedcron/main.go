package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "syncedcron",
	Short: "Run recurring jobs at most once across a fleet",
	Long: `syncedcron runs the jobs listed in its config on every instance, but each
occurrence executes on only one of them: the first instance to claim the
occurrence in the shared store runs it, the others skip it.

Examples:
  syncedcron run -c /etc/syncedcron.yaml     # run the daemon
  syncedcron validate                        # check the config and exit
  syncedcron next -n 3                       # show upcoming occurrences
  syncedcron history count                   # count live execution records
  syncedcron history show backup 2026-03-01T03:00:00Z`,
	SilenceUsage: true,
	// Bare invocation runs the daemon.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
