package anton

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type scriptedRunner struct {
	byText map[string][]TaskOutcome // queue of outcomes per task text, consumed in order
	calls  []string
}

func (s *scriptedRunner) RunTask(ctx context.Context, req TaskRequest) (TaskOutcome, error) {
	s.calls = append(s.calls, req.Task.Text)
	queue := s.byText[req.Task.Text]
	if len(queue) == 0 {
		return TaskOutcome{Status: StatusDone}, nil
	}
	out := queue[0]
	s.byText[req.Task.Text] = queue[1:]
	return out, nil
}

func writeTaskFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tasks.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunnerCompletesAllTasksInOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, "## Phase A\n\n- [ ] first\n- [ ] second\n- [ ] third\n")

	sr := &scriptedRunner{byText: map[string][]TaskOutcome{}}
	r := NewRunner(path, sr, DefaultBudgets(), Hooks{}, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sr.calls) != 3 {
		t.Fatalf("expected 3 calls in order, got %v", sr.calls)
	}
	for i, want := range []string{"first", "second", "third"} {
		if sr.calls[i] != want {
			t.Fatalf("call %d = %q, want %q", i, sr.calls[i], want)
		}
	}

	data, _ := os.ReadFile(path)
	if got := string(data); !contains(got, "- [x] first") || !contains(got, "- [x] second") || !contains(got, "- [x] third") {
		t.Fatalf("expected all tasks checked on disk:\n%s", got)
	}
}

func TestRunnerRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, "## Phase A\n\n- [ ] flaky\n")

	sr := &scriptedRunner{byText: map[string][]TaskOutcome{
		"flaky": {
			{Status: StatusBlocked, Reason: "transient"},
			{Status: StatusDone},
		},
	}}
	budgets := DefaultBudgets()
	budgets.MaxRetriesPerTask = 2
	r := NewRunner(path, sr, budgets, Hooks{}, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sr.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(sr.calls))
	}
	data, _ := os.ReadFile(path)
	if !contains(string(data), "- [x] flaky") {
		t.Fatalf("expected task checked after eventual success:\n%s", data)
	}
}

func TestRunnerSkipsExhaustedTask(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, "## Phase A\n\n- [ ] doomed\n- [ ] survivor\n")

	sr := &scriptedRunner{byText: map[string][]TaskOutcome{
		"doomed": {
			{Status: StatusFailed, Reason: "broken"},
			{Status: StatusFailed, Reason: "broken"},
			{Status: StatusFailed, Reason: "broken"},
		},
	}}
	budgets := DefaultBudgets()
	budgets.MaxRetriesPerTask = 2
	budgets.SkipOnFail = true

	var skippedTask *Task
	r := NewRunner(path, sr, budgets, Hooks{
		OnTaskSkipped: func(t *Task, reason string) { skippedTask = t },
	}, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if skippedTask == nil || skippedTask.Text != "doomed" {
		t.Fatalf("expected 'doomed' task to be reported skipped, got %+v", skippedTask)
	}
	// survivor must still have been attempted despite doomed being stuck first.
	found := false
	for _, c := range sr.calls {
		if c == "survivor" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected survivor task to run, calls=%v", sr.calls)
	}
}

func TestRunnerDecomposeInsertsChildren(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, "## Phase A\n\n- [ ] big\n")

	sr := &scriptedRunner{byText: map[string][]TaskOutcome{
		"big": {
			{Status: StatusDecompose, Subtasks: []string{"step one", "step two"}},
		},
	}}
	r := NewRunner(path, sr, DefaultBudgets(), Hooks{}, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	calledTexts := map[string]bool{}
	for _, c := range sr.calls {
		calledTexts[c] = true
	}
	if !calledTexts["step one"] || !calledTexts["step two"] {
		t.Fatalf("expected decomposed subtasks to run, calls=%v", sr.calls)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !contains(content, "step one") || !contains(content, "step two") {
		t.Fatalf("expected subtasks persisted to file:\n%s", content)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func TestRunnerMaxTotalTasksBound(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, "## Phase A\n\n- [ ] a\n- [ ] b\n- [ ] c\n")

	sr := &scriptedRunner{byText: map[string][]TaskOutcome{}}
	budgets := DefaultBudgets()
	budgets.MaxTotalTasks = 1
	r := NewRunner(path, sr, budgets, Hooks{}, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sr.calls) != 1 {
		t.Fatalf("expected run to stop after MaxTotalTasks=1, got %d calls: %v", len(sr.calls), sr.calls)
	}
}

func ExampleRunner_Run() {
	dir, _ := os.MkdirTemp("", "anton-example")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "tasks.md")
	os.WriteFile(path, []byte("## Phase\n\n- [ ] only task\n"), 0o644)

	sr := &scriptedRunner{byText: map[string][]TaskOutcome{}}
	r := NewRunner(path, sr, DefaultBudgets(), Hooks{}, nil)
	if err := r.Run(context.Background()); err != nil {
		fmt.Println("error:", err)
	}
	fmt.Println("done")
	// Output: done
}
