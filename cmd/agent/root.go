package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "ngrinder agent — connects to a console and runs a worker fleet",
	Long: `The ngrinder agent is a long-lived process that connects to a
central console, receives test definitions and control signals, launches
and supervises a fleet of worker processes that execute a load-testing
script, and reports health and state back to the console until
terminated.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agent version %s\ncommit: %s\nbuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("properties", "", "path to agent.properties (defaults to <home>/agent.properties)")
	rootCmd.PersistentFlags().String("home", defaultHome(), "agent home directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("agent version %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil
	},
}
