// commands.go implements the small set of slash commands a user can send
// mid-session to steer an in-progress run: approving or rejecting a pending
// tool call in plan mode, stopping an active run, or asking for status.
//
//	/approve [id]  - Approve a pending tool execution (latest if id omitted)
//	/reject [id] [reason]  - Reject a pending tool execution
//	/stop          - Abort the active run
//	/status        - Report turn count, token usage and queued approvals
//	/help          - Show this message
package engine

import (
	"fmt"
	"strings"
)

// CommandResult contains the result of a command execution.
type CommandResult struct {
	// Response is the text to send back.
	Response string

	// Handled is true if the message was a valid command.
	Handled bool
}

// IsCommand returns true if the message starts with "/".
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// containsFlag checks if args contains a flag like --json or --full.
func containsFlag(args []string, flag string) bool {
	for _, arg := range args {
		if strings.EqualFold(arg, flag) {
			return true
		}
	}
	return false
}

// CommandDispatcher routes slash commands against a session's approval
// manager, plan queue, tool executor (for abort) and session store. It
// holds no transport-specific state; callers feed it raw message text and
// a session ID.
type CommandDispatcher struct {
	approvals *ApprovalManager
	plans     *PlanQueue
	sessions  *SessionStore
	executor  *ToolExecutor
}

// NewCommandDispatcher builds a dispatcher bound to the given approval
// manager, plan queue, session store and tool executor. plans may be nil
// when approval_mode never enables plan mode.
func NewCommandDispatcher(approvals *ApprovalManager, plans *PlanQueue, sessions *SessionStore, executor *ToolExecutor) *CommandDispatcher {
	return &CommandDispatcher{approvals: approvals, plans: plans, sessions: sessions, executor: executor}
}

// Handle parses and executes a slash command. It returns Handled=false if
// content is not a recognized command, in which case the caller should
// treat the message as ordinary user input.
func (d *CommandDispatcher) Handle(sessionID, content string) CommandResult {
	if !IsCommand(content) {
		return CommandResult{Handled: false}
	}

	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return CommandResult{Handled: false}
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch name {
	case "approve":
		return CommandResult{Handled: true, Response: d.approveCommand(sessionID, args)}
	case "reject", "deny":
		return CommandResult{Handled: true, Response: d.rejectCommand(sessionID, args)}
	case "stop":
		return CommandResult{Handled: true, Response: d.stopCommand(sessionID)}
	case "status":
		return CommandResult{Handled: true, Response: d.statusCommand(sessionID)}
	case "help":
		return CommandResult{Handled: true, Response: helpText()}
	default:
		return CommandResult{Handled: false}
	}
}

// approveCommand handles both queueing schemes: "/approve" with a bare
// number (or no argument) flushes N (or all) queued plan steps; anything
// else is treated as a UUID naming a single pending interactive approval.
func (d *CommandDispatcher) approveCommand(sessionID string, args []string) string {
	if d.plans != nil && d.plans.Len(sessionID) > 0 && (len(args) == 0 || isPlanCount(args[0])) {
		n := 0
		if len(args) >= 1 {
			fmt.Sscanf(args[0], "%d", &n)
		}
		approved := d.plans.ApproveN(sessionID, n)
		if approved == 0 {
			return "No queued plan steps."
		}
		return fmt.Sprintf("Approved %d queued step(s).", approved)
	}

	if d.approvals == nil {
		return "No approval manager configured."
	}

	var targetID string
	if len(args) >= 1 && args[0] != "" {
		targetID = args[0]
	} else {
		targetID = d.approvals.LatestPendingForSession(sessionID)
		if targetID == "" {
			return "No pending approvals."
		}
	}

	if d.approvals.Resolve(targetID, sessionID, "user", true, "") {
		return "Approved."
	}
	return "Approval not found or already resolved."
}

// isPlanCount reports whether s looks like a step count ("3") rather than
// a UUID naming an interactive approval.
func isPlanCount(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (d *CommandDispatcher) rejectCommand(sessionID string, args []string) string {
	if d.plans != nil && d.plans.Len(sessionID) > 0 {
		reason := strings.Join(args, " ")
		rejected := d.plans.RejectAll(sessionID, reason)
		if rejected > 0 {
			return fmt.Sprintf("Rejected %d queued step(s).", rejected)
		}
	}

	if d.approvals == nil {
		return "No approval manager configured."
	}

	var targetID, reason string
	if len(args) >= 1 && args[0] != "" {
		targetID = args[0]
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
	} else {
		targetID = d.approvals.LatestPendingForSession(sessionID)
		if targetID == "" {
			return "No pending approvals."
		}
	}

	if d.approvals.Resolve(targetID, sessionID, "user", false, reason) {
		return "Rejected."
	}
	return "Approval not found or already resolved."
}

func (d *CommandDispatcher) stopCommand(sessionID string) string {
	if d.executor == nil {
		return "No active run."
	}
	if d.executor.IsAborted() {
		return "No active run."
	}
	d.executor.Abort()
	return "Run aborted."
}

func (d *CommandDispatcher) statusCommand(sessionID string) string {
	if d.sessions == nil {
		return "No session store configured."
	}
	sess := d.sessions.GetByID(sessionID)
	if sess == nil {
		return "No session found."
	}

	pending := 0
	if d.approvals != nil {
		pending = d.approvals.PendingCountForSession(sessionID)
	}
	queued := 0
	if d.plans != nil {
		queued = d.plans.Len(sessionID)
	}

	promptTokens, completionTokens, requests := sess.GetTokenUsage()
	return fmt.Sprintf(
		"requests=%d prompt_tokens=%d completion_tokens=%d pending_approvals=%d queued_plan_steps=%d",
		requests, promptTokens, completionTokens, pending, queued,
	)
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/approve [id|N] - approve a pending tool execution, or the next N queued plan steps (all if omitted)\n")
	b.WriteString("/reject [id] [reason] - reject a pending tool execution, or drain the queued plan steps\n")
	b.WriteString("/stop - abort the active run\n")
	b.WriteString("/status - show turn count, token usage, pending approvals, queued plan steps\n")
	b.WriteString("/help - show this message\n")
	return b.String()
}
