package anton

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/visorcraft/idlehands/internal/atomicfile"
)

// Status is the disposition the session runner reports for one task,
// matching the `<anton-result>` block's `status` field from .
type Status string

const (
	StatusDone      Status = "done"
	StatusBlocked   Status = "blocked"
	StatusDecompose Status = "decompose"
	StatusFailed    Status = "failed"
)

// TaskRequest is everything a SessionRunner needs to build its task-focused
// prompt for one task step 2.
type TaskRequest struct {
	Task            *Task
	ProgressSummary string
	Upcoming        []string // upcoming task texts, must not be touched
	RetryReason     string   // non-empty on a retry attempt
	Attempt         int      // 1-indexed retry attempt number
}

// TaskOutcome is the parsed `<anton-result>` the session runner reports
// back step 3.
type TaskOutcome struct {
	Status   Status
	Reason   string
	Subtasks []string
}

// SessionRunner executes one Anton task in an isolated child session and
// reports its outcome. The Turn Engine implements this by spawning a child
// session, running it to the first `<anton-result>` block, and parsing
// that block — composition over engine.SubagentManager's
// isolated-goroutine-per-child-run pattern.
type SessionRunner interface {
	RunTask(ctx context.Context, req TaskRequest) (TaskOutcome, error)
}

// Hooks lets a caller observe runner progress without coupling the
// package to any particular UI.
type Hooks struct {
	OnTaskStart    func(t *Task)
	OnTaskDone     func(t *Task, outcome TaskOutcome)
	OnTaskSkipped  func(t *Task, reason string)
	OnAutoComplete func(keys []string)
}

// Budgets bounds an Anton run step 5.
type Budgets struct {
	TotalTimeout          time.Duration
	TaskTimeout           time.Duration
	MaxTotalTasks         int
	MaxRetriesPerTask     int
	MaxIdenticalFailures  int
	MaxDecomposeDepth     int
	SkipOnFail            bool
	SkipOnBlocked         bool
}

// DefaultBudgets mirrors engine.DefaultAntonConfig's defaults.
func DefaultBudgets() Budgets {
	return Budgets{
		TotalTimeout:         0, // unlimited
		TaskTimeout:          10 * time.Minute,
		MaxTotalTasks:        0, // unlimited
		MaxRetriesPerTask:    2,
		MaxIdenticalFailures: 3,
		MaxDecomposeDepth:    3,
		SkipOnFail:           true,
		SkipOnBlocked:        true,
	}
}

// Runner drives a TaskFile task-by-task through a SessionRunner.
type Runner struct {
	taskFilePath string
	runner       SessionRunner
	budgets      Budgets
	hooks        Hooks
	logger       *slog.Logger

	// skipped holds keys of tasks given up on in this run (retries
	// exhausted, SkipOnFail/SkipOnBlocked true) so they are excluded from
	// future Runnable() results without mutating their Checked state.
	skipped map[string]bool
}

// NewRunner builds a Runner for the task file at path.
func NewRunner(taskFilePath string, sr SessionRunner, budgets Budgets, hooks Hooks, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		taskFilePath: taskFilePath,
		runner:       sr,
		budgets:      budgets,
		hooks:        hooks,
		logger:       logger.With("component", "anton"),
	}
}

// Run drives the task file to completion or until a budget is exhausted.
// It re-parses the task file from disk at the start of every iteration so
// externally-made edits (e.g. an operator editing the file mid-run) are
// picked up, matching the atomic-write/reread discipline 
// requires of the persisted task file.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	tasksRun := 0
	failureStreak := make(map[string]int) // key -> consecutive identical failures

	for {
		if r.budgets.TotalTimeout > 0 && time.Since(start) > r.budgets.TotalTimeout {
			return fmt.Errorf("anton: total timeout exceeded after %d tasks", tasksRun)
		}
		if r.budgets.MaxTotalTasks > 0 && tasksRun >= r.budgets.MaxTotalTasks {
			return nil
		}

		tf, err := r.load()
		if err != nil {
			return fmt.Errorf("anton: loading task file: %w", err)
		}

		runnable := tf.Runnable()
		task := nextUnskipped(runnable, r.skipped)
		if task == nil {
			return nil // nothing runnable left, or everything remaining was skipped.
		}

		if err := r.runOne(ctx, tf, task, failureStreak); err != nil {
			return err
		}
		tasksRun++
	}
}

func (r *Runner) load() (*TaskFile, error) {
	data, err := os.ReadFile(r.taskFilePath)
	if err != nil {
		return nil, err
	}
	return ParseTaskString(string(data)), nil
}

func (r *Runner) save(tf *TaskFile) error {
	return atomicfile.Write(r.taskFilePath, []byte(tf.Serialize()), 0o644)
}

func (r *Runner) runOne(ctx context.Context, tf *TaskFile, task *Task, failureStreak map[string]int) error {
	if r.hooks.OnTaskStart != nil {
		r.hooks.OnTaskStart(task)
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if r.budgets.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, r.budgets.TaskTimeout)
		defer cancel()
	}

	retries := r.budgets.MaxRetriesPerTask
	var lastOutcome TaskOutcome
	var lastErr error
	retryReason := ""

	for attempt := 1; attempt <= retries+1; attempt++ {
		req := TaskRequest{
			Task:        task,
			Upcoming:    upcomingTexts(tf, task),
			RetryReason: retryReason,
			Attempt:     attempt,
		}
		outcome, err := r.runner.RunTask(taskCtx, req)
		lastOutcome, lastErr = outcome, err
		if err != nil {
			retryReason = err.Error()
			continue
		}

		switch outcome.Status {
		case StatusDone:
			completed := tf.MarkChecked(task.Key)
			if err := r.save(tf); err != nil {
				return fmt.Errorf("anton: saving task file: %w", err)
			}
			if r.hooks.OnTaskDone != nil {
				r.hooks.OnTaskDone(task, outcome)
			}
			if len(completed) > 1 && r.hooks.OnAutoComplete != nil {
				r.hooks.OnAutoComplete(completed[1:])
			}
			return nil

		case StatusDecompose:
			if task.Depth >= r.budgets.MaxDecomposeDepth {
				return r.giveUp(tf, task, outcome, "max decompose depth reached")
			}
			if _, err := tf.InsertSubtasks(task.Key, outcome.Subtasks); err != nil {
				return fmt.Errorf("anton: inserting subtasks: %w", err)
			}
			if err := r.save(tf); err != nil {
				return fmt.Errorf("anton: saving task file: %w", err)
			}
			if r.hooks.OnTaskDone != nil {
				r.hooks.OnTaskDone(task, outcome)
			}
			return nil // parent stays unchecked; its new children become runnable next iteration.

		case StatusBlocked, StatusFailed:
			sig := string(outcome.Status) + ":" + outcome.Reason
			failureStreak[task.Key+sig]++
			if r.budgets.MaxIdenticalFailures > 0 && failureStreak[task.Key+sig] >= r.budgets.MaxIdenticalFailures {
				return r.giveUp(tf, task, outcome, "identical failure repeated")
			}
			retryReason = outcome.Reason
			if attempt <= retries {
				continue
			}
			return r.giveUp(tf, task, outcome, "retries exhausted")
		}
	}

	if lastErr != nil {
		return r.giveUp(tf, task, lastOutcome, lastErr.Error())
	}
	return nil
}

func (r *Runner) giveUp(tf *TaskFile, task *Task, outcome TaskOutcome, reason string) error {
	skip := r.budgets.SkipOnFail
	if outcome.Status == StatusBlocked {
		skip = r.budgets.SkipOnBlocked
	}
	if !skip {
		return fmt.Errorf("anton: task %q %s: %s", task.Text, outcome.Status, reason)
	}
	if r.hooks.OnTaskSkipped != nil {
		r.hooks.OnTaskSkipped(task, reason)
	}
	// Leave the task unchecked but mark it unrunnable for this run by
	// pretending it has an (empty) pending child — simplest correct way
	// to exclude it from Runnable() without mutating Checked state is to
	// track skipped keys at the Runner level.
	r.skip(task.Key)
	return nil
}

func (r *Runner) skip(key string) {
	if r.skipped == nil {
		r.skipped = make(map[string]bool)
	}
	r.skipped[key] = true
}

func nextUnskipped(tasks []*Task, skipped map[string]bool) *Task {
	for _, t := range tasks {
		if !skipped[t.Key] {
			return t
		}
	}
	return nil
}

func upcomingTexts(tf *TaskFile, current *Task) []string {
	var out []string
	for _, t := range tf.Tasks() {
		if t.Line > current.Line && !t.Checked {
			out = append(out, t.Text)
		}
	}
	return out
}
