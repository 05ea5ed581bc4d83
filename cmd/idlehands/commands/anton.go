package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/visorcraft/idlehands/internal/anton"
	"github.com/visorcraft/idlehands/pkg/idlehands/engine"
)

// newAntonCmd creates the `idlehands anton` command group, driving the
// unattended task-checklist runner over a markdown task file.
func newAntonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anton",
		Short: "Run a markdown task checklist unattended",
	}
	cmd.AddCommand(newAntonRunCmd())
	return cmd
}

func newAntonRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task-file.md>",
		Short: "Work through a markdown task checklist to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runAntonRun,
	}
	return cmd
}

func runAntonRun(cmd *cobra.Command, args []string) error {
	taskFile := args[0]
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cmd, cwd)
	if err != nil {
		return err
	}

	budgets := antonBudgetsFromConfig(rt.cfg.Anton)

	if rt.cfg.Anton.ApprovalMode != "" {
		guardCfg := rt.cfg.Security.ToolGuard
		guardCfg.ApprovalMode = engine.ParseApprovalMode(rt.cfg.Anton.ApprovalMode)
		rt.executor.SetGuard(engine.NewToolGuard(guardCfg, rt.logger))
	}

	lockPath := filepath.Join(stateDir(cwd), "anton.lock")
	lock, err := anton.Acquire(lockPath, cwd, taskFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	factory := func() (*engine.AgentRun, string, error) {
		run := rt.newAgentRun()
		session := rt.sessions.GetOrCreate("anton", taskFile)
		return run, rt.prompt.Compose(session, ""), nil
	}
	adapter := engine.NewAntonAdapter(factory, rt.logger)

	hooks := anton.Hooks{
		OnTaskStart: func(t *anton.Task) {
			fmt.Printf("→ %s\n", t.Text)
		},
		OnTaskDone: func(t *anton.Task, outcome anton.TaskOutcome) {
			fmt.Printf("  [%s] %s\n", outcome.Status, t.Text)
		},
		OnTaskSkipped: func(t *anton.Task, reason string) {
			fmt.Printf("  [skipped] %s (%s)\n", t.Text, reason)
		},
		OnAutoComplete: func(keys []string) {
			if len(keys) > 0 {
				fmt.Printf("  [auto-completed %d ancestor task(s)]\n", len(keys))
			}
		},
	}

	runner := anton.NewRunner(taskFile, adapter, budgets, hooks, rt.logger)

	ctx := cmd.Context()
	if budgets.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budgets.TotalTimeout)
		defer cancel()
	}

	return runner.Run(ctx)
}

// antonBudgetsFromConfig overlays engine.AntonConfig onto anton.DefaultBudgets.
// MaxConcurrentTasks and LockStaleAfter are not part of Budgets: the runner
// executes tasks one at a time (concurrency is a future extension point)
// and lock staleness is governed by the fixed anton.StaleAfter window.
func antonBudgetsFromConfig(cfg engine.AntonConfig) anton.Budgets {
	b := anton.DefaultBudgets()
	if cfg.MaxRetriesPerTask > 0 {
		b.MaxRetriesPerTask = cfg.MaxRetriesPerTask
	}
	return b
}
