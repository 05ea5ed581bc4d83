// prompt_layers.go implements the layered system prompt.
// Each layer has a priority and contributes to the final
// prompt that is sent to the LLM as the system message.
//
// Bootstrap files (AGENTS.md, IDENTITY.md, TOOLS.md) are loaded from the
// workspace root and injected as "Project Context".
package engine

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// PromptLayer defines the priority of a prompt layer.
// Lower values = higher priority (never trimmed first on budget cuts).
type PromptLayer int

const (
	LayerCore           PromptLayer = 0  // Base identity and tooling.
	LayerSafety         PromptLayer = 5  // Safety rules.
	LayerIdentity       PromptLayer = 10 // Custom instructions.
	LayerThinking       PromptLayer = 12 // Extended thinking level hint (from /think).
	LayerBootstrap      PromptLayer = 15 // AGENTS.md, IDENTITY.md, etc.
	LayerBusiness       PromptLayer = 20 // Session/workspace context.
	LayerProjectContext PromptLayer = 25 // Auto-discovered project context.
	LayerVaultContext   PromptLayer = 35 // Credential/provider resolution status.
	LayerTemporal       PromptLayer = 60 // Date/time context.
	LayerConversation   PromptLayer = 70 // Recent history summary.
	LayerRuntime        PromptLayer = 80 // Runtime info (final line).
)

// sectionName maps each well-known layer to the named-section vocabulary
// used by AddSection/GetSection/etc. Layers without a stable external name
// (bootstrap, business, project context) are addressed only by PromptLayer.
var sectionNames = map[string]PromptLayer{
	"identity":      LayerIdentity,
	"rules":         LayerSafety,
	"tool_format":   LayerCore,
	"safety":        LayerSafety,
	"datetime":      LayerTemporal,
	"runtime":       LayerRuntime,
	"vault_context": LayerVaultContext,
}

// PromptMode controls which prompt layers are included in the final prompt.
// Used to reduce token usage for subagents and specialized contexts.
type PromptMode string

const (
	// PromptModeFull includes all layers (default for main agent).
	PromptModeFull PromptMode = "full"

	// PromptModeMinimal omits project context and vault context (for subagents).
	PromptModeMinimal PromptMode = "minimal"

	// PromptModeNone includes only core identity (for simple tasks).
	PromptModeNone PromptMode = "none"
)

// layerEntry represents a single prompt layer entry.
type layerEntry struct {
	layer   PromptLayer
	name    string // named-section key, if this entry was added via AddSection; "" otherwise.
	content string
}

// bootstrapCacheEntry holds a cached bootstrap file with a TTL to avoid
// re-reading from disk on every prompt compose.
type bootstrapCacheEntry struct {
	content  string
	hash     [32]byte  // SHA-256 of the on-disk content.
	cachedAt time.Time // When the entry was last validated.
}

// bootstrapCacheTTL is how long a cached bootstrap entry is considered fresh.
// During this window, no disk I/O is performed.
const bootstrapCacheTTL = 30 * time.Second

// PromptComposer assembles the final system prompt from multiple layers.
//
// On top of the fixed built-in layers, callers can register additional
// named sections (AddSection) and reorder/replace/remove them relative to
// existing sections (InsertBefore/InsertAfter/ReplaceSection/RemoveSection)
// without needing to know the rest of the layer list.
type PromptComposer struct {
	config       *Config
	toolExecutor *ToolExecutor // For dynamic tool list generation.
	vaultStatus  func() string // Optional: returns the credential-resolution status line.
	isSubagent   bool          // When true, only bootstrap identity files are loaded.

	// bootstrapCache caches bootstrap file contents to avoid re-reading from
	// disk on every prompt compose. Invalidated when file content changes.
	bootstrapCacheMu sync.RWMutex
	bootstrapCache   map[string]*bootstrapCacheEntry

	sectionsMu sync.Mutex
	sections   map[string]layerEntry // user-registered named sections, keyed by name.
	order      []string              // insertion order of user-registered sections.
}

// NewPromptComposer creates a new prompt composer.
func NewPromptComposer(config *Config) *PromptComposer {
	return &PromptComposer{
		config:         config,
		bootstrapCache: make(map[string]*bootstrapCacheEntry),
		sections:       make(map[string]layerEntry),
	}
}

// SetSubagentMode restricts bootstrap loading to AGENTS.md + TOOLS.md only.
func (p *PromptComposer) SetSubagentMode(isSubagent bool) {
	p.isSubagent = isSubagent
}

// SetToolExecutor sets the tool executor for dynamic tool list generation.
func (p *PromptComposer) SetToolExecutor(executor *ToolExecutor) {
	p.toolExecutor = executor
}

// SetVaultStatusFunc configures a callback used to build the vault_context
// section: a short status line describing credential resolution for the
// active provider (keyring hit, env var, config value, or unresolved).
func (p *PromptComposer) SetVaultStatusFunc(fn func() string) {
	p.vaultStatus = fn
}

// ---------- Named Sections ----------

// AddSection registers (or overwrites) a named section with the given
// content. Well-known names (identity, rules, tool_format, safety,
// datetime, runtime, vault_context) bind to a fixed built-in priority;
// any other name is inserted at LayerBusiness priority.
func (p *PromptComposer) AddSection(name, content string) {
	p.sectionsMu.Lock()
	defer p.sectionsMu.Unlock()

	layer, ok := sectionNames[name]
	if !ok {
		layer = LayerBusiness
	}
	if _, exists := p.sections[name]; !exists {
		p.order = append(p.order, name)
	}
	p.sections[name] = layerEntry{layer: layer, name: name, content: content}
}

// GetSection returns a previously registered section's content and whether
// it exists.
func (p *PromptComposer) GetSection(name string) (string, bool) {
	p.sectionsMu.Lock()
	defer p.sectionsMu.Unlock()
	entry, ok := p.sections[name]
	return entry.content, ok
}

// ReplaceSection overwrites an existing section's content, leaving its
// priority unchanged. No-op if the section does not exist.
func (p *PromptComposer) ReplaceSection(name, content string) {
	p.sectionsMu.Lock()
	defer p.sectionsMu.Unlock()
	entry, ok := p.sections[name]
	if !ok {
		return
	}
	entry.content = content
	p.sections[name] = entry
}

// RemoveSection deletes a named section.
func (p *PromptComposer) RemoveSection(name string) {
	p.sectionsMu.Lock()
	defer p.sectionsMu.Unlock()
	delete(p.sections, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// InsertBefore registers a new section that sorts immediately before an
// existing one, by borrowing its priority minus a small offset. If the
// reference section does not exist, the new section is added at
// LayerBusiness priority.
func (p *PromptComposer) InsertBefore(ref, name, content string) {
	p.sectionsMu.Lock()
	layer := LayerBusiness
	if entry, ok := p.sections[ref]; ok {
		layer = entry.layer
	}
	p.sectionsMu.Unlock()
	p.AddSection(name, content)
	p.sectionsMu.Lock()
	entry := p.sections[name]
	entry.layer = layer - 1
	p.sections[name] = entry
	p.sectionsMu.Unlock()
}

// InsertAfter registers a new section that sorts immediately after an
// existing one.
func (p *PromptComposer) InsertAfter(ref, name, content string) {
	p.sectionsMu.Lock()
	layer := LayerBusiness
	if entry, ok := p.sections[ref]; ok {
		layer = entry.layer
	}
	p.sectionsMu.Unlock()
	p.AddSection(name, content)
	p.sectionsMu.Lock()
	entry := p.sections[name]
	entry.layer = layer + 1
	p.sections[name] = entry
	p.sectionsMu.Unlock()
}

// registeredSections returns the user-registered sections as layerEntries,
// in insertion order (stable sort by layer happens in assembleLayers).
func (p *PromptComposer) registeredSections() []layerEntry {
	p.sectionsMu.Lock()
	defer p.sectionsMu.Unlock()
	out := make([]layerEntry, 0, len(p.order))
	for _, name := range p.order {
		if entry, ok := p.sections[name]; ok && entry.content != "" {
			out = append(out, entry)
		}
	}
	return out
}

// Compose builds the complete system prompt for a session and user input.
func (p *PromptComposer) Compose(session *Session, input string) string {
	layers := make([]layerEntry, 0, 10)

	layers = append(layers, layerEntry{layer: LayerCore, content: p.buildCoreLayer()})
	layers = append(layers, layerEntry{layer: LayerSafety, content: p.buildSafetyLayer()})
	layers = append(layers, layerEntry{layer: LayerTemporal, content: p.buildTemporalLayer()})
	layers = append(layers, layerEntry{layer: LayerRuntime, content: p.buildRuntimeLayer()})

	if p.config.Instructions != "" {
		layers = append(layers, layerEntry{
			layer:   LayerIdentity,
			content: "## Custom Instructions\n\n" + p.config.Instructions,
		})
	}
	if thinkingPrompt := p.buildThinkingLayer(session); thinkingPrompt != "" {
		layers = append(layers, layerEntry{layer: LayerThinking, content: thinkingPrompt})
	}
	cfg := session.GetConfig()
	if cfg.BusinessContext != "" {
		layers = append(layers, layerEntry{
			layer:   LayerBusiness,
			content: "## Session Context\n\n" + cfg.BusinessContext,
		})
	}
	if bootstrap := p.buildBootstrapLayer(); bootstrap != "" {
		layers = append(layers, layerEntry{layer: LayerBootstrap, content: bootstrap})
	}
	if projectContext := p.buildProjectContextLayer(); projectContext != "" {
		layers = append(layers, layerEntry{layer: LayerProjectContext, content: projectContext})
	}
	if vaultContext := p.buildVaultContextLayer(); vaultContext != "" {
		layers = append(layers, layerEntry{layer: LayerVaultContext, content: vaultContext})
	}
	if history := p.buildConversationLayer(session); history != "" {
		layers = append(layers, layerEntry{layer: LayerConversation, content: history})
	}

	layers = append(layers, p.registeredSections()...)

	return p.assembleLayers(layers)
}

// ComposeMinimal builds a lightweight system prompt for subagents and other
// fast-path scenarios: Core identity, Safety, Temporal, and custom
// instructions. Deliberately skips bootstrap files and conversation
// history to minimize token count and latency.
func (p *PromptComposer) ComposeMinimal() string {
	layers := []layerEntry{
		{layer: LayerCore, content: p.buildCoreLayer()},
		{layer: LayerSafety, content: p.buildSafetyLayer()},
		{layer: LayerTemporal, content: p.buildTemporalLayer()},
	}

	if p.config.Instructions != "" {
		layers = append(layers, layerEntry{
			layer:   LayerIdentity,
			content: "## Custom Instructions\n\n" + p.config.Instructions,
		})
	}

	return p.assembleLayers(layers)
}

// ComposeWithMode assembles the system prompt using the specified mode.
func (p *PromptComposer) ComposeWithMode(session *Session, input string, mode PromptMode) string {
	switch mode {
	case PromptModeFull:
		return p.Compose(session, input)

	case PromptModeMinimal:
		layers := []layerEntry{
			{layer: LayerCore, content: p.buildCoreLayer()},
			{layer: LayerSafety, content: p.buildSafetyLayer()},
			{layer: LayerTemporal, content: p.buildTemporalLayer()},
			{layer: LayerRuntime, content: p.buildRuntimeLayer()},
		}
		if p.config.Instructions != "" {
			layers = append(layers, layerEntry{
				layer:   LayerIdentity,
				content: "## Custom Instructions\n\n" + p.config.Instructions,
			})
		}
		if bootstrap := p.buildBootstrapLayer(); bootstrap != "" {
			layers = append(layers, layerEntry{layer: LayerBootstrap, content: bootstrap})
		}
		cfg := session.GetConfig()
		if cfg.BusinessContext != "" {
			layers = append(layers, layerEntry{
				layer:   LayerBusiness,
				content: "## Session Context\n\n" + cfg.BusinessContext,
			})
		}
		return p.assembleLayers(layers)

	case PromptModeNone:
		layers := []layerEntry{
			{layer: LayerCore, content: p.buildCoreLayer()},
			{layer: LayerSafety, content: p.buildSafetyLayer()},
			{layer: LayerTemporal, content: p.buildTemporalLayer()},
		}
		if p.config.Instructions != "" && len(p.config.Instructions) < 200 {
			layers = append(layers, layerEntry{
				layer:   LayerIdentity,
				content: "## Instructions\n\n" + p.config.Instructions,
			})
		}
		return p.assembleLayers(layers)

	default:
		return p.Compose(session, input)
	}
}

// buildProjectContextLayer scans the workspace for common project files
// to provide automated codebase context to the LLM.
func (p *PromptComposer) buildProjectContextLayer() string {
	if p.isSubagent {
		return ""
	}

	searchDirs := []string{"."}

	targetFiles := []string{
		"go.mod",
		"package.json",
		"Cargo.toml",
		"pyproject.toml",
		"requirements.txt",
		"Makefile",
		"README.md",
	}

	var foundFiles []struct {
		name    string
		content string
	}

	for _, filename := range targetFiles {
		text := p.loadBootstrapFileCached(filename, searchDirs)
		if text == "" {
			continue
		}

		maxLen := 2000
		if filename == "package.json" || filename == "go.mod" {
			maxLen = 4000 // Allow more for dependency files.
		}
		if len(text) > maxLen {
			text = text[:maxLen] + "\n... [truncated for project context size]"
		}

		foundFiles = append(foundFiles, struct {
			name    string
			content string
		}{filename, text})
	}

	rules, _ := filepath.Glob(filepath.Join(".idlehands", "rules", "*.md"))
	for _, path := range rules {
		text := p.loadBootstrapFileCached(path, searchDirs)
		if text == "" {
			continue
		}
		if len(text) > 2000 {
			text = text[:2000] + "\n... [truncated for project context size]"
		}
		foundFiles = append(foundFiles, struct {
			name    string
			content string
		}{path, text})
	}

	if len(foundFiles) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Project Context (Auto-discovered)\n\n")
	b.WriteString("The following files were automatically discovered in the workspace to provide context about the project structure, dependencies, environment, and conventions (including any `.idlehands/rules/*.md` generated by project_rules_generate):\n\n")

	for _, f := range foundFiles {
		ext := strings.TrimPrefix(filepath.Ext(f.name), ".")
		if ext == "json" || ext == "toml" || ext == "yaml" || ext == "yml" || ext == "txt" {
			b.WriteString(fmt.Sprintf("### %s\n```%s\n%s\n```\n\n", f.name, ext, f.content))
		} else if f.name == "go.mod" || f.name == "Makefile" {
			b.WriteString(fmt.Sprintf("### %s\n```\n%s\n```\n\n", f.name, f.content))
		} else {
			b.WriteString(fmt.Sprintf("### %s\n\n%s\n\n", f.name, f.content))
		}
	}

	return b.String()
}

// ---------- Layer Builders ----------

// buildCoreLayer creates the base identity and tooling guidance.
func (p *PromptComposer) buildCoreLayer() string {
	var b strings.Builder

	name := p.config.Name
	if name == "" {
		name = "IdleHands"
	}

	b.WriteString(fmt.Sprintf("You are %s, an autonomous coding agent.\n\n", name))

	b.WriteString("## Tooling\n\n")
	b.WriteString("Tool availability (filtered by policy):\n")
	if p.toolExecutor != nil {
		tools := p.toolExecutor.Tools()
		b.WriteString(FormatToolsForPrompt(tools, 60))
	} else {
		b.WriteString("- read_file: Read file contents\n")
		b.WriteString("- write_file: Create or overwrite files\n")
		b.WriteString("- edit_file: Make precise edits to files\n")
		b.WriteString("- apply_patch: Apply a multi-file unified diff\n")
		b.WriteString("- search_files: Search file contents for patterns\n")
		b.WriteString("- glob_files: Find files by glob pattern\n")
		b.WriteString("- bash: Run shell commands\n")
		b.WriteString("- web_search: Search the web\n")
		b.WriteString("- web_fetch: Fetch and extract content from URLs\n")
	}
	b.WriteString("\nTool names are case-sensitive. Call tools exactly as listed.\n")
	b.WriteString("Use `list_capabilities` to see all available tools organized by category.\n")
	b.WriteString("If a task is long-running or independent, spawn a sub-agent using `spawn_subagent`. Completion is push-based: it will auto-announce when done.\n")
	b.WriteString("Do NOT poll in a loop. Check status on-demand only (for intervention, debugging, or when explicitly asked).\n\n")

	b.WriteString("## Tool Call Style\n\n")
	b.WriteString("Default: do not narrate routine, low-risk tool calls (just call the tool).\n")
	b.WriteString("Narrate only when it helps: multi-step work, complex/challenging problems, sensitive actions (e.g., deletions), or when the user explicitly asks.\n")
	b.WriteString("Keep narration brief and value-dense; avoid repeating obvious steps.\n")
	b.WriteString("When you need to reason extensively before acting, place your internal monologue inside `<think>...</think>` tags.\n")
	b.WriteString("Any user-facing text or tool calls MUST be placed AFTER the `</think>` tag. Never put tool calls inside the think block.\n\n")

	b.WriteString("## Epistemic Restraint\n\n")
	b.WriteString("- Only state facts you can verify via a tool call or that appear in this system prompt.\n")
	b.WriteString("- When uncertain, say so explicitly.\n")
	b.WriteString("- Do NOT invent file names, API endpoints, version numbers, dates, or identifiers.\n")
	b.WriteString("- Claims about the current state of the workspace (files, repos) MUST come from a tool result in the current session.\n\n")

	b.WriteString("## Workspace\n\n")
	b.WriteString("Treat the current working directory as the single workspace for file operations unless explicitly instructed otherwise.\n")

	return b.String()
}

// buildSafetyLayer creates the safety and oversight rules section.
func (p *PromptComposer) buildSafetyLayer() string {
	return `## Safety

You have no independent goals: do not pursue self-preservation, replication, resource acquisition, or power-seeking; avoid long-term plans beyond the user's request.
Prioritize safety and human oversight over completion; if instructions conflict, pause and ask; comply with stop/pause/audit requests and never bypass safeguards.
Do not manipulate or persuade anyone to expand access or disable safeguards. Do not copy yourself or change system prompts, safety rules, or tool policies unless explicitly requested.

## Silent Replies

When you have nothing to say, respond with ONLY: NO_REPLY
It must be your ENTIRE message — nothing else, and never wrapped in markdown.`
}

// buildThinkingLayer adds extended-thinking guidance based on session /think level.
func (p *PromptComposer) buildThinkingLayer(session *Session) string {
	level := session.GetThinkingLevel()
	if level == "" || level == "off" {
		return ""
	}
	instructions := map[string]string{
		"low":    "Think step-by-step when the task is complex. Keep reasoning brief for simple tasks.",
		"medium": "Think through problems systematically. Show your reasoning for non-trivial tasks.",
		"high":   "Use extended thinking: reason carefully before answering, consider alternatives, then respond. Favor depth over speed.",
	}
	if instr, ok := instructions[level]; ok {
		return "## Thinking Mode\n\n" + instr
	}
	return ""
}

// buildVaultContextLayer reports the credential-resolution status for the
// active provider without exposing secret values.
func (p *PromptComposer) buildVaultContextLayer() string {
	if p.vaultStatus == nil {
		return ""
	}
	status := p.vaultStatus()
	if status == "" {
		return ""
	}
	return "## Credential Status\n\n" + status
}

// buildBootstrapLayer loads bootstrap files from the workspace root.
// Uses an in-memory cache with hash-based invalidation to avoid repeated
// disk reads. In subagent mode, only AGENTS.md and TOOLS.md are loaded.
func (p *PromptComposer) buildBootstrapLayer() string {
	allBootstrapFiles := []string{"AGENTS.md", "IDENTITY.md", "TOOLS.md"}

	var bootstrapFiles []string
	if p.isSubagent {
		for _, name := range allBootstrapFiles {
			if name == "AGENTS.md" || name == "TOOLS.md" {
				bootstrapFiles = append(bootstrapFiles, name)
			}
		}
	} else {
		bootstrapFiles = allBootstrapFiles
	}

	searchDirs := []string{".", "configs"}

	var files []struct {
		path    string
		content string
	}

	for _, name := range bootstrapFiles {
		text := p.loadBootstrapFileCached(name, searchDirs)
		if text == "" {
			continue
		}
		files = append(files, struct {
			path    string
			content string
		}{name, text})
	}

	if len(files) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Workspace Files (injected)\n\n")
	b.WriteString("These user-editable files are loaded from the workspace and included below.\n\n")

	for _, f := range files {
		b.WriteString(fmt.Sprintf("### %s\n\n%s\n\n", f.path, f.content))
	}

	result := b.String()
	const maxChars = 20000
	if len(result) > maxChars {
		result = result[:maxChars] + "\n\n... [bootstrap truncated at limit]"
	}

	return result
}

// loadBootstrapFileCached loads a bootstrap file with TTL-based caching.
// Returns the trimmed content, or "" if the file doesn't exist or is empty.
func (p *PromptComposer) loadBootstrapFileCached(filename string, searchDirs []string) string {
	p.bootstrapCacheMu.RLock()
	cached, ok := p.bootstrapCache[filename]
	p.bootstrapCacheMu.RUnlock()

	if ok && time.Since(cached.cachedAt) < bootstrapCacheTTL {
		return cached.content
	}

	var content []byte
	var err error
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, filename)
		content, err = os.ReadFile(candidate)
		if err == nil {
			break
		}
	}
	if err != nil || len(strings.TrimSpace(string(content))) == 0 {
		p.bootstrapCacheMu.Lock()
		p.bootstrapCache[filename] = &bootstrapCacheEntry{content: "", cachedAt: time.Now()}
		p.bootstrapCacheMu.Unlock()
		return ""
	}

	hash := sha256.Sum256(content)

	if ok && cached.hash == hash {
		p.bootstrapCacheMu.Lock()
		cached.cachedAt = time.Now()
		p.bootstrapCacheMu.Unlock()
		return cached.content
	}

	text := strings.TrimSpace(string(content))
	if len(text) > 20000 {
		text = text[:20000] + "\n\n... [truncated at 20KB]"
	}

	p.bootstrapCacheMu.Lock()
	p.bootstrapCache[filename] = &bootstrapCacheEntry{content: text, hash: hash, cachedAt: time.Now()}
	p.bootstrapCacheMu.Unlock()

	return text
}

// buildTemporalLayer adds date/time context.
func (p *PromptComposer) buildTemporalLayer() string {
	now := time.Now().UTC()
	return fmt.Sprintf("## Current Date & Time\n\n%s UTC\nDay: %s",
		now.Format("2006-01-02 15:04:05"),
		now.Format("Monday"),
	)
}

// buildConversationLayer creates a summary of recent history, using a
// token-aware sliding window to stay within the history token budget.
func (p *PromptComposer) buildConversationLayer(session *Session) string {
	fetchEntries := 15
	history := session.RecentHistory(fetchEntries)
	if len(history) == 0 {
		return ""
	}

	historyBudget := p.config.TokenBudget.History
	if historyBudget <= 0 {
		historyBudget = 8000
	}

	type formattedEntry struct {
		text   string
		tokens int
	}
	var entries []formattedEntry
	totalTokens := 0

	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]

		userMsg := entry.UserMessage
		if len(userMsg) > 2000 {
			userMsg = userMsg[:2000] + "..."
		}
		assistMsg := entry.AssistantResponse
		if len(assistMsg) > 4000 {
			assistMsg = assistMsg[:4000] + "..."
		}

		text := fmt.Sprintf("**User:** %s\n**Assistant:** %s\n", userMsg, assistMsg)
		tokens := estimateTokens(text)

		if totalTokens+tokens > historyBudget && len(entries) > 0 {
			break
		}

		entries = append(entries, formattedEntry{text: text, tokens: tokens})
		totalTokens += tokens
	}

	if len(entries) == 0 {
		return ""
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	var b strings.Builder
	b.WriteString("## Recent Conversation\n\n")

	if len(entries) < len(history) {
		b.WriteString(fmt.Sprintf("_(%d older messages omitted to fit token budget)_\n\n",
			len(history)-len(entries)))
	}

	for _, e := range entries {
		b.WriteString(e.text)
		b.WriteString("\n")
	}

	return b.String()
}

// buildRuntimeLayer creates the runtime info line (last in prompt).
func (p *PromptComposer) buildRuntimeLayer() string {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()

	name := p.config.Name
	if name == "" {
		name = "IdleHands"
	}

	return fmt.Sprintf("---\nRuntime: agent=%s | model=%s | os=%s/%s | host=%s | cwd=%s",
		name,
		p.config.Model,
		runtime.GOOS,
		runtime.GOARCH,
		hostname,
		cwd,
	)
}

// estimateTokens approximates the token count for a string.
func estimateTokens(s string) int {
	return estimateTokensForModel(s, "")
}

// charsPerToken returns the estimated chars-per-token ratio for a given model.
// Falls back to 4.0 (conservative default) when the model is unknown.
func charsPerToken(model string) float64 {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic"):
		return 3.5
	case strings.Contains(lower, "glm"):
		return 2.5
	case strings.Contains(lower, "gpt"):
		return 3.7
	case strings.Contains(lower, "gemini"):
		return 3.5
	case strings.Contains(lower, "mistral") || strings.Contains(lower, "mixtral"):
		return 3.5
	case strings.Contains(lower, "llama"):
		return 3.5
	case strings.Contains(lower, "qwen"):
		return 2.5
	case strings.Contains(lower, "deepseek"):
		return 2.5
	default:
		return 4.0
	}
}

// estimateTokensForModel approximates the token count using a per-model ratio.
func estimateTokensForModel(s string, model string) int {
	if len(s) == 0 {
		return 0
	}
	ratio := charsPerToken(model)
	return int(float64(len(s))/ratio + 0.5)
}

// assembleLayers combines all layers in priority order, trimming lower-priority
// layers if the total exceeds the configured token budget.
func (p *PromptComposer) assembleLayers(layers []layerEntry) string {
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].layer < layers[j].layer
	})

	budget := p.config.TokenBudget.Total
	if budget <= 0 {
		budget = 128000
	}

	systemBudget := budget * 40 / 100

	layerBudgets := map[PromptLayer]int{
		LayerCore:         p.config.TokenBudget.System,
		LayerSafety:       500,
		LayerIdentity:     1000,
		LayerThinking:     200,
		LayerBootstrap:    4000,
		LayerBusiness:     1000,
		LayerVaultContext: 300,
		LayerTemporal:     200,
		LayerConversation: p.config.TokenBudget.History,
		LayerRuntime:      200,
	}

	type measured struct {
		entry  layerEntry
		tokens int
	}
	var entries []measured
	totalTokens := 0

	model := p.config.Model
	for _, l := range layers {
		if l.content == "" {
			continue
		}
		tokens := estimateTokensForModel(l.content, model)
		entries = append(entries, measured{entry: l, tokens: tokens})
		totalTokens += tokens
	}

	if totalTokens <= systemBudget {
		var parts []string
		for _, m := range entries {
			parts = append(parts, m.entry.content)
		}
		return strings.Join(parts, "\n\n")
	}

	for i := len(entries) - 1; i >= 0 && totalTokens > systemBudget; i-- {
		m := entries[i]
		if m.entry.layer < LayerBusiness {
			continue // never trim core layers
		}

		maxTokens := layerBudgets[m.entry.layer]
		if maxTokens <= 0 {
			maxTokens = 2000
		}

		if m.tokens > maxTokens {
			maxChars := int(float64(maxTokens) * charsPerToken(model))
			if maxChars < len(m.entry.content) {
				trimmed := m.entry.content[:maxChars] + "\n\n... [trimmed to fit token budget]"
				saved := m.tokens - estimateTokensForModel(trimmed, model)
				entries[i].entry.content = trimmed
				entries[i].tokens = estimateTokensForModel(trimmed, model)
				totalTokens -= saved
			}
		}

		if totalTokens > systemBudget && m.entry.layer >= LayerVaultContext {
			totalTokens -= entries[i].tokens
			entries[i].entry.content = ""
			entries[i].tokens = 0
		}
	}

	var parts []string
	for _, m := range entries {
		if m.entry.content != "" {
			parts = append(parts, m.entry.content)
		}
	}

	return strings.Join(parts, "\n\n")
}
