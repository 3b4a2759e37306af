// Package cli implements the headless Auto Run entry point (§6 "CLI
// surface"): a single `run <playbook-id>` verb that drives the same
// Auto Run scheduler the desktop app uses, emitting either human-readable
// log lines or a machine-readable JSON event stream.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagDryRun    bool
	flagNoHistory bool
	flagJSON      bool
	flagDebug     bool
	flagVerbose   bool
	flagWait      bool
)

var rootCmd = &cobra.Command{
	Use:   "maestro-run",
	Short: "Drive a Maestro Auto Run playbook to completion outside the desktop app",
	Long: `maestro-run is the headless counterpart to the Maestro desktop app's
Auto Run scheduler: it loads a playbook by id, dispatches its tasks against
the same session state the desktop app persists, and marks checkboxes done
exactly as the in-process scheduler would.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command, returning any error cobra produced.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd)
}
