// harness.go selects model-family-specific quirks (tool-call style, context
// window, stop sequences) the way detectProvider in llm.go selects
// provider-specific wire quirks from a base URL — generalized here from
// URL-matching to model-id-regex-matching.
package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ThinkingFormat describes how a model family wraps its reasoning/"thinking"
// content within the assistant message content string.
type ThinkingFormat string

const (
	ThinkingFormatNone ThinkingFormat = "none"
	ThinkingFormatXML  ThinkingFormat = "xml"
)

// ThinkingSpec describes how reasoning content is delimited for a harness,
// and whether it should be stripped from historical assistant messages
// before they are replayed back to the model.
type ThinkingSpec struct {
	Format ThinkingFormat `yaml:"format"`
	Open   string         `yaml:"open"`
	Close  string         `yaml:"close"`
	Strip  bool           `yaml:"strip"`
}

// ToolCallSpec describes how reliably a model family uses the structured
// tool_calls field versus emitting tool invocations inline in content.
type ToolCallSpec struct {
	// ReliableArray is true when tool_calls is populated consistently; when
	// false, content-fallback parsing is more likely to be needed.
	ReliableArray bool `yaml:"reliable_array"`

	// ContentFallbackLikely enables scanning content for fenced JSON blocks
	// or <function=NAME>{...}</function> / <tool:NAME>{...}</tool> tags
	// when tool_calls comes back empty.
	ContentFallbackLikely bool `yaml:"content_fallback_likely"`

	// ParallelCalls enables concurrent dispatch of independent tool calls
	// within a single assistant turn (serial tools still force-serialize).
	ParallelCalls bool `yaml:"parallel_calls"`

	// RetryOnMalformed is the number of same-iteration retries allowed when
	// a tool call's arguments fail to parse as JSON, before falling back to
	// a synthetic error tool result.
	RetryOnMalformed int `yaml:"retry_on_malformed"`
}

// HarnessQuirks captures family-specific misbehavior the turn engine must
// compensate for.
type HarnessQuirks struct {
	// OmitsRequiredParams is true when the family is known to drop required
	// arguments; the engine infers defaults via defaultParamForTool instead
	// of failing the call outright.
	OmitsRequiredParams bool `yaml:"omits_required_params"`

	// LoopsOnToolError is true when the family tends to retry the exact
	// same failing call instead of adapting; lowers the loop-detector's
	// tolerance for this family.
	LoopsOnToolError bool `yaml:"loops_on_tool_error"`

	// EmitsMarkdownInToolArgs is true when the family wraps tool-call
	// arguments in markdown code fences that must be stripped before
	// JSON-parsing.
	EmitsMarkdownInToolArgs bool `yaml:"emits_markdown_in_tool_args"`

	// NeedsExplicitReminder is true when the family benefits from an
	// explicit system nudge restating the tool-call protocol after a
	// malformed or missing call.
	NeedsExplicitReminder bool `yaml:"needs_explicit_reminder"`

	// MaxIterationsOverride, when non-zero, overrides the configured max
	// turn count for this family.
	MaxIterationsOverride int `yaml:"max_iterations_override,omitempty"`

	// ReadBudget, when non-zero, caps how many bytes of file content this
	// family should be fed per read_file call before truncation.
	ReadBudget int `yaml:"read_budget,omitempty"`

	// ExecIsReadOnly treats this family's exec/bash calls as non-mutating
	// for ping-pong loop classification. All built-in profiles set it
	// true; command-level classification would be needed to do better.
	ExecIsReadOnly bool `yaml:"exec_is_read_only,omitempty"`
}

// HarnessProfile describes the behavioral quirks of a model family: how it
// emits tool calls, how large its context window is, and any stop
// sequences it needs to behave well under this agent's turn loop.
type HarnessProfile struct {
	// ID identifies the profile (e.g. "qwen3-coder", "generic"). User
	// profiles shadow built-ins that share the same ID.
	ID string `yaml:"id"`

	// Name is a human-readable label; defaults to ID when empty.
	Name string `yaml:"name"`

	// ModelPattern is a regular expression matched against the model id.
	ModelPattern string `yaml:"model_pattern"`

	// ContextWindow is the model's max context length in tokens.
	ContextWindow int `yaml:"context_window"`

	// PreferParallelTools enables concurrent tool dispatch for this family.
	// Mirrored by ToolCalls.ParallelCalls; kept for backward-compatible
	// config field names.
	PreferParallelTools bool `yaml:"prefer_parallel_tools"`

	// StopSequences are appended to completion requests for this family.
	StopSequences []string `yaml:"stop_sequences"`

	// ForceTextFallbackParsing enables scanning the text content for a
	// tool-call-shaped block when the family does not reliably use the
	// structured tool_calls field. Mirrored by ToolCalls.ContentFallbackLikely.
	ForceTextFallbackParsing bool `yaml:"force_text_fallback_parsing"`

	// Thinking describes this family's reasoning-block conventions.
	Thinking ThinkingSpec `yaml:"thinking"`

	// ToolCalls describes this family's tool-call reliability and
	// concurrency characteristics.
	ToolCalls ToolCallSpec `yaml:"tool_calls"`

	// Quirks captures other known misbehaviors to compensate for.
	Quirks HarnessQuirks `yaml:"quirks"`

	// Defaults holds free-form default sampling parameters (temperature,
	// top_p, etc.) applied when the caller does not override them.
	Defaults map[string]any `yaml:"defaults,omitempty"`

	// SystemPromptSuffix, when non-empty, is appended to the *first user
	// message* (not the system message) to preserve prompt-prefix
	// KV-cache reuse across turns.
	SystemPromptSuffix string `yaml:"system_prompt_suffix,omitempty"`

	re *regexp.Regexp
}

// builtinHarnessProfiles mirrors the provider quirks table in
// detectProvider, generalized from base-URL substrings to model-id regexes.
var builtinHarnessProfiles = []HarnessProfile{
	{
		ID:                  "qwen3-coder",
		Name:                "qwen3-coder",
		ModelPattern:        `(?i)qwen3[-_]?coder`,
		ContextWindow:       256000,
		PreferParallelTools: true,
		ToolCalls:           ToolCallSpec{ReliableArray: true, ParallelCalls: true, RetryOnMalformed: 1},
		Thinking:            ThinkingSpec{Format: ThinkingFormatNone},
		Quirks:              HarnessQuirks{ExecIsReadOnly: true},
	},
	{
		ID:                  "qwen3-moe",
		Name:                "qwen3-moe",
		ModelPattern:        `(?i)qwen3.*(a3b|moe|235b|480b)`,
		ContextWindow:       128000,
		PreferParallelTools: true,
		ToolCalls:           ToolCallSpec{ReliableArray: true, ParallelCalls: true, RetryOnMalformed: 1},
		Thinking:            ThinkingSpec{Format: ThinkingFormatXML, Open: "<think>", Close: "</think>", Strip: true},
		Quirks:              HarnessQuirks{ExecIsReadOnly: true},
	},
	{
		ID:            "qwen",
		Name:          "qwen",
		ModelPattern:  `(?i)qwen`,
		ContextWindow: 128000,
		ToolCalls:     ToolCallSpec{ReliableArray: true, RetryOnMalformed: 1},
		Thinking:      ThinkingSpec{Format: ThinkingFormatXML, Open: "<think>", Close: "</think>", Strip: true},
		Quirks:        HarnessQuirks{ExecIsReadOnly: true},
	},
	{
		ID:            "nemotron",
		Name:          "nemotron",
		ModelPattern:  `(?i)nemotron`,
		ContextWindow: 128000,
		ToolCalls:     ToolCallSpec{ReliableArray: true, RetryOnMalformed: 1},
		Thinking:      ThinkingSpec{Format: ThinkingFormatXML, Open: "<think>", Close: "</think>", Strip: true},
		Quirks:        HarnessQuirks{NeedsExplicitReminder: true, ExecIsReadOnly: true},
	},
	{
		ID:            "mistral",
		Name:          "mistral",
		ModelPattern:  `(?i)mistral|mixtral`,
		ContextWindow: 128000,
		ToolCalls:     ToolCallSpec{ReliableArray: true, RetryOnMalformed: 1},
		Thinking:      ThinkingSpec{Format: ThinkingFormatNone},
		Quirks:        HarnessQuirks{ExecIsReadOnly: true},
	},
	{
		ID:                       "gpt-oss",
		Name:                     "gpt-oss",
		ModelPattern:             `(?i)gpt-oss`,
		ContextWindow:            128000,
		ForceTextFallbackParsing: true,
		ToolCalls:                ToolCallSpec{ReliableArray: false, ContentFallbackLikely: true, RetryOnMalformed: 2},
		Thinking:                 ThinkingSpec{Format: ThinkingFormatXML, Open: "<|channel|>analysis<|message|>", Close: "<|end|>", Strip: true},
		Quirks:                   HarnessQuirks{EmitsMarkdownInToolArgs: true, NeedsExplicitReminder: true, ExecIsReadOnly: true},
	},
	{
		ID:            "llama",
		Name:          "llama",
		ModelPattern:  `(?i)llama`,
		ContextWindow: 128000,
		ToolCalls:     ToolCallSpec{ReliableArray: true, ContentFallbackLikely: true, RetryOnMalformed: 1},
		Thinking:      ThinkingSpec{Format: ThinkingFormatNone},
		Quirks:        HarnessQuirks{OmitsRequiredParams: true, LoopsOnToolError: true, ExecIsReadOnly: true},
	},
	{
		ID:            "generic",
		Name:          "generic",
		ModelPattern:  `.*`,
		ContextWindow: 128000,
		ToolCalls:     ToolCallSpec{ReliableArray: true, ContentFallbackLikely: true, RetryOnMalformed: 1},
		Quirks:        HarnessQuirks{ExecIsReadOnly: true},
	},
}

// HarnessSelector matches a model id against a set of profiles, falling
// back to the catch-all "generic" profile when nothing else matches.
type HarnessSelector struct {
	profiles []HarnessProfile
	byID     map[string]int
	logger   *slog.Logger
}

// NewHarnessSelector builds a selector from the built-in profiles plus any
// user-defined profiles. User profiles whose ID matches a built-in's ID
// shadow (replace) it in place; profiles with a new ID are tried first.
func NewHarnessSelector(userProfiles []HarnessProfile, logger *slog.Logger) *HarnessSelector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HarnessSelector{logger: logger, byID: map[string]int{}}

	for _, p := range builtinHarnessProfiles {
		p.re = regexp.MustCompile(p.ModelPattern)
		s.profiles = append(s.profiles, p)
		s.byID[p.ID] = len(s.profiles) - 1
	}

	for _, p := range userProfiles {
		compiled, err := regexp.Compile(p.ModelPattern)
		if err != nil {
			logger.Warn("invalid harness profile pattern, skipping", "profile", p.ID, "pattern", p.ModelPattern, "error", err)
			continue
		}
		p.re = compiled
		if idx, ok := s.byID[p.ID]; ok {
			s.profiles[idx] = p
			continue
		}
		// New (non-built-in) IDs are prepended so they are tried before
		// any built-in pattern that might also match the same model id.
		s.profiles = append([]HarnessProfile{p}, s.profiles...)
		s.reindex()
	}

	return s
}

func (s *HarnessSelector) reindex() {
	for i, p := range s.profiles {
		s.byID[p.ID] = i
	}
}

// Select returns the first profile whose pattern matches model. The
// built-in "generic" profile (pattern ".*") always matches as a last
// resort, so Select never returns the zero value.
func (s *HarnessSelector) Select(model string) HarnessProfile {
	for _, p := range s.profiles {
		if p.re != nil && p.re.MatchString(model) {
			return p
		}
	}
	return builtinHarnessProfiles[len(builtinHarnessProfiles)-1]
}

// ByID returns a profile by its exact ID, ignoring model-id matching
// entirely. Used by config overrides like `harness: <id>`.
func (s *HarnessSelector) ByID(id string) (HarnessProfile, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return HarnessProfile{}, false
	}
	return s.profiles[idx], true
}

// LoadUserHarnessProfiles reads user-defined harness profiles from every
// .yaml/.yml file in dir, in lexical order. A file holds either one
// profile document or a list of them. Files that fail to parse, and
// profiles without an ID or pattern, are logged and skipped — profile
// loading is never fatal. A missing directory yields no profiles.
func LoadUserHarnessProfiles(dir string, logger *slog.Logger) []HarnessProfile {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var profiles []HarnessProfile
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("reading harness profile file failed, skipping", "file", path, "error", err)
			continue
		}

		var list []HarnessProfile
		if err := yaml.Unmarshal(data, &list); err != nil {
			var single HarnessProfile
			if err2 := yaml.Unmarshal(data, &single); err2 != nil {
				logger.Warn("parsing harness profile file failed, skipping", "file", path, "error", err)
				continue
			}
			list = []HarnessProfile{single}
		}

		for _, p := range list {
			if p.ID == "" || p.ModelPattern == "" {
				logger.Warn("harness profile missing id or model_pattern, skipping", "file", path)
				continue
			}
			profiles = append(profiles, p)
		}
	}
	return profiles
}

// EffectiveMaxIterations applies the harness's MaxIterationsOverride, if
// any, over the configured default.
func (p HarnessProfile) EffectiveMaxIterations(configured int) int {
	if p.Quirks.MaxIterationsOverride > 0 {
		return p.Quirks.MaxIterationsOverride
	}
	return configured
}
