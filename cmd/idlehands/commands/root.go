// Package commands implements the IdleHands CLI's cobra command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idlehands",
		Short: "IdleHands - an autonomous coding agent",
		Long: `IdleHands is an autonomous coding agent with a model-agnostic turn
engine, tool execution, context budget management, and an unattended
task-checklist runner (Anton).

Examples:
  idlehands chat "list the files in this repo"
  idlehands chat                      # interactive REPL
  idlehands anton run tasks.md
  idlehands config init`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newAntonCmd(),
		newConfigCmd(),
		newSubagentsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
