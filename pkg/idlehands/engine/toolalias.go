// toolalias.go implements alias resolution and context-aware tool
// selection for ambiguous or hallucinated tool names. This generalizes
// the pattern already used by sanitizeToolName (tool_executor.go) — normalize,
// then look up — into a bidirectional table for hallucinated/common names the
// model reaches for instead of our canonical ones.
package engine

import "strings"

// aliasTable maps a common or hallucinated tool name to this codebase's
// canonical registered name. Looked up case-insensitively, after
// hyphen/underscore normalization.
//
// "exec" is aliased to "bash" rather than the other way around (
// example reads `shell|bash|sh|cmd|run → exec`) because this codebase's
// actually-registered shell tool is named "bash"; tool_guard.go and
// tool_executor.go already treat "bash" and "exec" as interchangeable at
// several call sites, so resolving both onto "bash" keeps a single
// canonical identity instead of two.
var aliasTable = map[string]string{
	"shell": "bash",
	"sh":    "bash",
	"cmd":   "bash",
	"run":   "bash",
	"exec":  "bash",

	"cat":       "read_file",
	"view_file": "read_file",
	"open_file": "read_file",
	"show_file": "read_file",

	"ls":       "list_files",
	"dir":      "list_files",
	"list_dir": "list_files",

	"grep":        "search_files",
	"find_text":   "search_files",
	"ripgrep":     "search_files",
	"search_text": "search_files",

	"find":        "glob_files",
	"glob":        "glob_files",
	"find_files":  "glob_files",
	"list_glob":   "glob_files",
	"search_glob": "glob_files",

	"patch":       "apply_patch",
	"apply_diff":  "apply_patch",
	"apply_patch": "apply_patch",

	"spawn_task": "spawn_subagent",
	"subtask":    "spawn_subagent",
	"delegate":   "spawn_subagent",

	"git": "git_status",
}

// normalizeToolName lowercases and collapses hyphens to underscores, the
// same secondary-lookup normalization  specifies ("hyphen→
// underscore normalization").
func normalizeToolName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "-", "_")
}

// ResolvedToolName is the outcome of resolving a possibly-aliased tool
// name requested by the model.
type ResolvedToolName struct {
	// Resolved is the canonical name to dispatch against.
	Resolved string
	// WasAliased is true when Resolved differs from the name as requested.
	WasAliased bool
}

// resolveToolAlias resolves name to its canonical form via aliasTable,
// falling back to hyphen/underscore-normalized matching, and finally to
// the name unchanged (so an unknown name still flows through to the
// dispatcher's own "unknown tool" error rather than being silently
// dropped here). Idempotent: resolving an already-resolved name returns
// it unchanged round-trip property.
func resolveToolAlias(name string) ResolvedToolName {
	if canonical, ok := aliasTable[name]; ok {
		return ResolvedToolName{Resolved: canonical, WasAliased: canonical != name}
	}

	normalized := normalizeToolName(name)
	if canonical, ok := aliasTable[normalized]; ok {
		return ResolvedToolName{Resolved: canonical, WasAliased: canonical != name}
	}

	if normalized != name {
		// No alias entry, but normalization itself changed the name (e.g.
		// "Read-File" -> "read_file"); treat the normalized form as the
		// resolution so callers still converge to one canonical spelling.
		return ResolvedToolName{Resolved: normalized, WasAliased: true}
	}

	return ResolvedToolName{Resolved: name, WasAliased: false}
}

// essentialTools is the fast-lane set: the minimum a turn needs to read,
// edit, and run code.
var essentialTools = []string{"read_file", "edit_file", "write_file", "bash", "list_files", "search_files"}

// deferrableTools are excluded from the first-turn tool list: tools a
// model rarely needs before it has looked at anything.
var deferrableTools = map[string]bool{
	"spawn_subagent":  true,
	"list_subagents":  true,
	"wait_subagent":   true,
	"stop_subagent":   true,
	"undo_path":       true,
	"vault_save":      true,
	"vault_get":       true,
	"vault_list":      true,
	"vault_delete":    true,
	"lsp_diagnostics": true,
	"lsp_hover":       true,
	"lsp_definition":  true,
}

// keywordHints maps a substring found in the user's message (checked
// case-insensitively) to extra tool names worth including even when
// they're outside the essential set.
var keywordHints = []struct {
	keyword string
	tools   []string
}{
	{"undo", []string{"undo_path"}},
	{"diagnostic", []string{"lsp_diagnostics"}},
	{"lint", []string{"lsp_diagnostics"}},
	{"commit", []string{"git_status", "git_diff", "git_commit"}},
	{"branch", []string{"git_branch"}},
	{"blame", []string{"git_blame"}},
	{"stash", []string{"git_stash"}},
	{"subagent", []string{"spawn_subagent", "list_subagents", "wait_subagent"}},
	{"delegate", []string{"spawn_subagent"}},
}

// ToolSelectionContext carries the per-turn signals selectToolsForContext
// uses to narrow the tool list.
type ToolSelectionContext struct {
	// UsedTools is the set of tool names already called earlier in this run.
	UsedTools map[string]bool
	// Message is the current user message, scanned for keyword hints.
	Message string
	// FirstTurn is true for the first iteration of a run.
	FirstTurn bool
	// FastLane restricts selection to the essential set only.
	FastLane bool
}

// selectToolsForContext narrows all to the subset appropriate for the
// current turn heuristics:
//   - fastLane -> essential set only.
//   - firstTurn -> everything except deferrable tools.
//   - otherwise -> essential ∪ previously-used ∪ keyword-hinted additions.
//
// Unknown names in `all` that aren't in any bucket are dropped only by the
// "otherwise" branch; fastLane and firstTurn are defined relative to the
// full registered set so a newly-registered tool is never silently
// excluded from the first turn.
func selectToolsForContext(all []string, sel ToolSelectionContext) []string {
	allSet := make(map[string]bool, len(all))
	for _, name := range all {
		allSet[name] = true
	}

	if sel.FastLane {
		return intersect(essentialTools, allSet)
	}

	if sel.FirstTurn {
		selected := make([]string, 0, len(all))
		for _, name := range all {
			if !deferrableTools[name] {
				selected = append(selected, name)
			}
		}
		return selected
	}

	keep := make(map[string]bool)
	for _, name := range essentialTools {
		if allSet[name] {
			keep[name] = true
		}
	}
	for name := range sel.UsedTools {
		if allSet[name] {
			keep[name] = true
		}
	}
	lowerMsg := strings.ToLower(sel.Message)
	for _, hint := range keywordHints {
		if strings.Contains(lowerMsg, hint.keyword) {
			for _, name := range hint.tools {
				if allSet[name] {
					keep[name] = true
				}
			}
		}
	}

	selected := make([]string, 0, len(keep))
	for _, name := range all {
		if keep[name] {
			selected = append(selected, name)
		}
	}
	return selected
}

// intersect returns the subset of names present in allSet, preserving the
// order of names.
func intersect(names []string, allSet map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if allSet[name] {
			out = append(out, name)
		}
	}
	return out
}
