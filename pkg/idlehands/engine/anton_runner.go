// anton_runner.go adapts AgentRun into internal/anton.SessionRunner: it
// builds the task-focused prompt  step 2 describes, runs a
// child session to completion, and parses the `<anton-result>` block the
// model is instructed to emit. Grounded on subagent.go's pattern of
// spawning an isolated child AgentRun per unit of delegated work.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/visorcraft/idlehands/internal/anton"
)

// AntonSessionFactory builds a fresh, isolated AgentRun for one task
// execution. The caller supplies this so the adapter does not need to know
// how tools/executor/llm are wired for a given deployment.
type AntonSessionFactory func() (*AgentRun, string /* systemPrompt */, error)

// AntonAdapter implements anton.SessionRunner by driving a freshly-spawned
// AgentRun per task and parsing its final `<anton-result>` block.
type AntonAdapter struct {
	factory AntonSessionFactory
	logger  *slog.Logger
}

// NewAntonAdapter builds an adapter that uses factory to spawn one child
// session per Anton task.
func NewAntonAdapter(factory AntonSessionFactory, logger *slog.Logger) *AntonAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AntonAdapter{factory: factory, logger: logger.With("component", "anton_adapter")}
}

var antonResultRe = regexp.MustCompile(`(?s)<anton-result>\s*status:\s*(\w+)\s*(?:\n\s*reason:\s*(.*?))?(?:\n\s*subtasks:\s*\n((?:\s*-\s*.+\n?)*))?\s*</anton-result>`)

// RunTask implements anton.SessionRunner.
func (a *AntonAdapter) RunTask(ctx context.Context, req anton.TaskRequest) (anton.TaskOutcome, error) {
	run, systemPrompt, err := a.factory()
	if err != nil {
		return anton.TaskOutcome{}, fmt.Errorf("anton_adapter: building session: %w", err)
	}

	userMessage := buildAntonTaskPrompt(req)

	text, _, err := run.RunWithUsage(ctx, systemPrompt, nil, userMessage)
	if err != nil {
		return anton.TaskOutcome{}, err
	}

	outcome, ok := parseAntonResult(text)
	if !ok {
		// No <anton-result> emitted: treat as a protocol violation, not a
		// tool error ProtocolError handling — but Anton
		// retries at the runner level, so surface it as "blocked" rather
		// than an error so the retry/backoff policy applies uniformly.
		return anton.TaskOutcome{
			Status: anton.StatusBlocked,
			Reason: "model did not emit an <anton-result> block",
		}, nil
	}
	return outcome, nil
}

// buildAntonTaskPrompt assembles the task-focused user message per
//  step 2: rules preamble, optional decomposition nudge,
// current task section, progress summary, upcoming tasks the agent must
// not touch, and (on retry) the prior failure detail.
func buildAntonTaskPrompt(req anton.TaskRequest) string {
	var b strings.Builder

	b.WriteString("You are executing one task from an autonomous task checklist.\n")
	b.WriteString("When finished, end your response with exactly one result block:\n\n")
	b.WriteString("<anton-result>\nstatus: done|blocked|decompose|failed\nreason: <short reason, omit when done>\nsubtasks:\n- <child task> (only when status is decompose)\n</anton-result>\n\n")

	if classifyTaskComplexity(req.Task.Text) == taskComplexityComplex {
		b.WriteString("This task looks complex. If it does not fit in one focused pass, prefer status: decompose with 2-5 concrete subtasks over attempting everything at once.\n\n")
	}

	fmt.Fprintf(&b, "## Current task\n%s\n\n", req.Task.Text)

	if req.RetryReason != "" {
		fmt.Fprintf(&b, "## Retry context (attempt %d)\nThe previous attempt did not succeed: %s\n\n", req.Attempt, req.RetryReason)
	}

	if len(req.Upcoming) > 0 {
		b.WriteString("## Upcoming tasks (do not work on these yet)\n")
		for _, u := range req.Upcoming {
			fmt.Fprintf(&b, "- %s\n", u)
		}
		b.WriteString("\n")
	}

	return b.String()
}

type taskComplexity int

const (
	taskComplexitySimple taskComplexity = iota
	taskComplexityComplex
)

// classifyTaskComplexity is a coarse heuristic: tasks whose text is long
// or mentions multiple conjunctions/files are treated as complex enough to
// warrant a decomposition nudge step 2.
func classifyTaskComplexity(text string) taskComplexity {
	words := strings.Fields(text)
	andCount := strings.Count(strings.ToLower(text), " and ")
	if len(words) > 30 || andCount >= 2 {
		return taskComplexityComplex
	}
	return taskComplexitySimple
}

// parseAntonResult extracts the last `<anton-result>` block from text.
func parseAntonResult(text string) (anton.TaskOutcome, bool) {
	matches := antonResultRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return anton.TaskOutcome{}, false
	}
	m := matches[len(matches)-1]

	status := anton.Status(strings.ToLower(strings.TrimSpace(m[1])))
	reason := strings.TrimSpace(m[2])

	var subtasks []string
	if raw := m[3]; raw != "" {
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimPrefix(line, "-")
			line = strings.TrimSpace(line)
			if line != "" {
				subtasks = append(subtasks, line)
			}
		}
	}

	switch status {
	case anton.StatusDone, anton.StatusBlocked, anton.StatusDecompose, anton.StatusFailed:
	default:
		return anton.TaskOutcome{}, false
	}

	return anton.TaskOutcome{Status: status, Reason: reason, Subtasks: subtasks}, true
}
