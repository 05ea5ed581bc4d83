package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newSubagentsCmd creates the `idlehands subagents` command group for
// inspecting and maintaining the persisted subagent run log outside of a
// live chat session.
func newSubagentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subagents",
		Short: "Inspect and maintain persisted subagent runs",
	}
	cmd.AddCommand(newSubagentsListCmd(), newSubagentsPruneCmd())
	return cmd
}

func newSubagentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subagent runs, including ones completed before a restart",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd, cwd)
			if err != nil {
				return err
			}
			for _, run := range rt.subagents.List() {
				fmt.Printf("%-36s %-10s %-8s %s\n", run.ID, run.Status, run.Label, run.Task)
			}
			return nil
		},
	}
}

func newSubagentsPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete persisted subagent runs older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd, cwd)
			if err != nil {
				return err
			}
			n := rt.subagents.PruneOldRuns(days)
			fmt.Printf("pruned %d run(s) older than %d day(s)\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age threshold in days")
	return cmd
}
