package anton

import (
	"strings"
	"testing"
)

const sampleDoc = `# Plan

## Phase A

- [ ] first task
- [x] second task
  - [ ] nested task one
  - [ ] nested task two

## Phase B

- [ ] third task
<!-- anton: blocked on API key -->
`

func TestParseTaskStringBasics(t *testing.T) {
	tf := ParseTaskString(sampleDoc)
	tasks := tf.Tasks()
	if len(tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d: %+v", len(tasks), tasks)
	}

	var first, third *Task
	for _, tk := range tasks {
		switch tk.Text {
		case "first task":
			first = tk
		case "third task":
			third = tk
		}
	}
	if first == nil || third == nil {
		t.Fatalf("expected to find first/third tasks")
	}
	if len(first.PhasePath) != 1 || first.PhasePath[0] != "Phase A" {
		t.Fatalf("expected first task under Phase A, got %+v", first.PhasePath)
	}
	if len(third.PhasePath) != 1 || third.PhasePath[0] != "Phase B" {
		t.Fatalf("expected third task under Phase B, got %+v", third.PhasePath)
	}
	if len(third.Notes) != 1 || third.Notes[0] != "blocked on API key" {
		t.Fatalf("expected attached note, got %+v", third.Notes)
	}
}

func TestNestedTaskParentage(t *testing.T) {
	tf := ParseTaskString(sampleDoc)
	var second, nestedOne *Task
	for _, tk := range tf.Tasks() {
		if tk.Text == "second task" {
			second = tk
		}
		if tk.Text == "nested task one" {
			nestedOne = tk
		}
	}
	if second == nil || nestedOne == nil {
		t.Fatal("expected to find second task and nested task one")
	}
	if nestedOne.ParentKey != second.Key {
		t.Fatalf("expected nested task's parent to be 'second task', got parent key %q want %q", nestedOne.ParentKey, second.Key)
	}
	if len(second.Children) != 2 {
		t.Fatalf("expected second task to have 2 children, got %d", len(second.Children))
	}
}

func TestKeysStableAcrossReparse(t *testing.T) {
	tf1 := ParseTaskString(sampleDoc)
	tf2 := ParseTaskString(sampleDoc)

	keys1 := map[string]bool{}
	for _, tk := range tf1.Tasks() {
		keys1[tk.Key] = true
	}
	for _, tk := range tf2.Tasks() {
		if !keys1[tk.Key] {
			t.Fatalf("key %q from second parse not found in first parse", tk.Key)
		}
	}
}

func TestRunnableRespectsParentGate(t *testing.T) {
	tf := ParseTaskString(sampleDoc)
	runnable := tf.Runnable()
	texts := map[string]bool{}
	for _, t := range runnable {
		texts[t.Text] = true
	}
	if !texts["first task"] {
		t.Fatalf("expected top-level unchecked task to be runnable")
	}
	if !texts["nested task one"] || !texts["nested task two"] {
		t.Fatalf("expected children of a checked parent to be runnable")
	}
	if texts["second task"] {
		t.Fatalf("checked task must not be runnable")
	}
}

func TestMarkCheckedAutoCompletesAncestor(t *testing.T) {
	doc := `## Phase

- [ ] parent
  - [ ] child one
  - [ ] child two
`
	tf := ParseTaskString(doc)
	var parent, child1, child2 *Task
	for _, tk := range tf.Tasks() {
		switch tk.Text {
		case "parent":
			parent = tk
		case "child one":
			child1 = tk
		case "child two":
			child2 = tk
		}
	}

	tf.MarkChecked(child1.Key)
	if parent.Checked {
		t.Fatalf("parent must not auto-complete until all children are checked")
	}
	completed := tf.MarkChecked(child2.Key)
	if !parent.Checked {
		t.Fatalf("expected parent to auto-complete once all children are checked")
	}
	found := false
	for _, k := range completed {
		if k == parent.Key {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected completed list to include parent key, got %v", completed)
	}
}

func TestSerializeRoundTripPreservesKeys(t *testing.T) {
	tf := ParseTaskString(sampleDoc)
	var target *Task
	for _, tk := range tf.Tasks() {
		if tk.Text == "first task" {
			target = tk
		}
	}
	tf.MarkChecked(target.Key)
	out := tf.Serialize()

	if !strings.Contains(out, "- [x] first task") {
		t.Fatalf("expected rewritten checkbox in output:\n%s", out)
	}
	if !strings.Contains(out, "- [x] second task") {
		t.Fatalf("expected untouched already-checked line preserved:\n%s", out)
	}

	tf2 := ParseTaskString(out)
	var target2 *Task
	for _, tk := range tf2.Tasks() {
		if tk.Text == "first task" {
			target2 = tk
		}
	}
	if target2.Key != target.Key {
		t.Fatalf("expected stable key across serialize/reparse, got %q vs %q", target2.Key, target.Key)
	}
	if !target2.Checked {
		t.Fatalf("expected reparsed task to be checked")
	}
}

func TestMarkingAlreadyCheckedIsNoOp(t *testing.T) {
	tf := ParseTaskString(sampleDoc)
	var second *Task
	for _, tk := range tf.Tasks() {
		if tk.Text == "second task" {
			second = tk
		}
	}
	completed := tf.MarkChecked(second.Key)
	if completed != nil {
		t.Fatalf("expected no-op marking an already-checked task, got %v", completed)
	}
}

func TestInsertSubtasksDecompose(t *testing.T) {
	doc := `## Phase

- [ ] big task
- [ ] after task
`
	tf := ParseTaskString(doc)
	var big *Task
	for _, tk := range tf.Tasks() {
		if tk.Text == "big task" {
			big = tk
		}
	}
	keys, err := tf.InsertSubtasks(big.Key, []string{"sub one", "sub two"})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 new keys, got %d", len(keys))
	}

	out := tf.Serialize()
	tf2 := ParseTaskString(out)
	var found int
	for _, tk := range tf2.Tasks() {
		if tk.Text == "sub one" || tk.Text == "sub two" {
			found++
			if tk.ParentKey != big.Key {
				t.Fatalf("expected subtask parent to be big task")
			}
		}
	}
	if found != 2 {
		t.Fatalf("expected both subtasks present after reparse, found %d", found)
	}
}

func TestContinuationLinesMergeIntoPrecedingTask(t *testing.T) {
	wrapped := `## Phase

- [ ] implement the widget
  covering the edge cases
- [ ] next task
`
	tf := ParseTaskString(wrapped)
	tasks := tf.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %+v", len(tasks), tasks)
	}
	first := tasks[0]
	if first.Text != "implement the widget covering the edge cases" {
		t.Fatalf("continuation line not merged, got %q", first.Text)
	}

	// The merged task hashes like its single-line spelling: wrapping is
	// presentation, not identity.
	unwrapped := ParseTaskString(`## Phase

- [ ] implement the widget covering the edge cases
- [ ] next task
`)
	if unwrapped.Tasks()[0].Key != first.Key {
		t.Errorf("wrapped and unwrapped task should share a key: %q vs %q",
			first.Key, unwrapped.Tasks()[0].Key)
	}

	// And differs from the key of the unmerged first line alone.
	bare := ParseTaskString("## Phase\n\n- [ ] implement the widget\n- [ ] next task\n")
	if bare.Tasks()[0].Key == first.Key {
		t.Error("merging a continuation line must change the task's key")
	}

	// Lookup through the arena still works under the merged key.
	if _, ok := tf.Task(first.Key); !ok {
		t.Error("merged task not reachable by its recomputed key")
	}
}

func TestContinuationSurvivesSerializeRoundTrip(t *testing.T) {
	doc := `## Phase

- [ ] implement the widget
  covering the edge cases
- [ ] next task
`
	tf := ParseTaskString(doc)
	first := tf.Tasks()[0]
	tf.MarkChecked(first.Key)

	out := tf.Serialize()
	if !strings.Contains(out, "- [x] implement the widget") {
		t.Fatalf("checkbox rewrite lost on a wrapped task:\n%s", out)
	}
	if !strings.Contains(out, "  covering the edge cases") {
		t.Fatalf("continuation line dropped from serialized output:\n%s", out)
	}

	tf2 := ParseTaskString(out)
	first2 := tf2.Tasks()[0]
	if first2.Key != first.Key {
		t.Errorf("key not stable across serialize/reparse: %q vs %q", first.Key, first2.Key)
	}
	if !first2.Checked {
		t.Error("reparsed wrapped task should be checked")
	}
}

func TestContinuationMergesIntoNestedTask(t *testing.T) {
	doc := `## Phase

- [ ] parent task
  - [ ] child task
    wrapped onto a second line
  - [ ] sibling
`
	tf := ParseTaskString(doc)
	var parent, child *Task
	for _, tk := range tf.Tasks() {
		switch {
		case tk.Text == "parent task":
			parent = tk
		case strings.HasPrefix(tk.Text, "child task"):
			child = tk
		}
	}
	if child == nil || child.Text != "child task wrapped onto a second line" {
		t.Fatalf("nested continuation not merged, got %+v", child)
	}
	if child.ParentKey != parent.Key {
		t.Error("merged child should keep its parent linkage")
	}
	if !containsString(parent.Children, child.Key) {
		t.Errorf("parent.Children should carry the child's recomputed key, got %v", parent.Children)
	}
}

func TestBlankLineEndsContinuation(t *testing.T) {
	doc := `## Phase

- [ ] task one

some unrelated prose between items

- [ ] task two
`
	tf := ParseTaskString(doc)
	tasks := tf.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Text != "task one" {
		t.Errorf("prose after a blank line must not merge, got %q", tasks[0].Text)
	}
}
