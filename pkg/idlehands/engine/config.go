// config.go defines the configuration structures for the agent runtime:
// the LLM endpoint, token budget, tool security guardrails, fallback
// chain and Anton task-runner settings. Values are loaded from a YAML
// config file merged with environment overrides.
package engine

import (
	"strings"

	"github.com/visorcraft/idlehands/pkg/idlehands/engine/security"
)

// AccessLevel identifies how privileged a caller is when dispatching a
// tool call. The turn engine has exactly one human operator per session,
// so AccessLevel here mostly distinguishes the operator from spawned
// sub-agents.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessUser
	AccessAdmin
	AccessOwner
)

// ProviderKeyNames maps provider IDs to their standard API key variable names.
var ProviderKeyNames = map[string]string{
	"openai":      "OPENAI_API_KEY",
	"anthropic":   "ANTHROPIC_API_KEY",
	"google":      "GOOGLE_API_KEY",
	"xai":         "XAI_API_KEY",
	"groq":        "GROQ_API_KEY",
	"mistral":     "MISTRAL_API_KEY",
	"openrouter":  "OPENROUTER_API_KEY",
	"cerebras":    "CEREBRAS_API_KEY",
	"deepseek":    "DEEPSEEK_API_KEY",
	"custom":      "CUSTOM_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a provider.
// Falls back to "API_KEY" for unknown providers.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds the full runtime configuration for an IdleHands instance.
type Config struct {
	// Name is the agent's display name.
	Name string `yaml:"name"`

	// Model is the default LLM model id (e.g. "qwen3-coder-480b").
	Model string `yaml:"model"`

	// API configures the primary LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Instructions is the base system prompt.
	Instructions string `yaml:"instructions"`

	// TokenBudget configures per-layer context budget allocation.
	TokenBudget TokenBudgetConfig `yaml:"token_budget"`

	// Security configures tool guardrails and execution limits.
	Security SecurityConfig `yaml:"security"`

	// Subagents configures the subagent orchestration system.
	Subagents SubagentConfig `yaml:"subagents"`

	// Agent configures the turn loop (turns, timeouts, auto-continue).
	Agent AgentConfig `yaml:"agent"`

	// Fallback configures model escalation with retry and backoff.
	Fallback FallbackConfig `yaml:"fallback"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Anton configures the autonomous task-file runner.
	Anton AntonConfig `yaml:"anton"`

	// Cache configures the response cache.
	Cache CacheRuntimeConfig `yaml:"cache"`

	// Approval configures the five-mode tool-confirmation machine.
	Approval ApprovalConfig `yaml:"approval"`

	// Routing configures per-instruction fast/heavy model selection.
	Routing RoutingConfig `yaml:"routing"`

	// Capture configures the redacting request/response exchange log.
	Capture CaptureConfig `yaml:"capture"`

	// Harness, when non-empty, pins the harness profile by id instead of
	// matching the model id against profile patterns.
	Harness string `yaml:"harness"`

	// Trifecta toggles the persistent context subsystems. Only the vault
	// is served in-process (a flat-file note store the vault_* tools
	// expose); lens and replay are external stores whose toggles are
	// recognized here so their integrations can read them.
	Trifecta TrifectaConfig `yaml:"trifecta"`
}

// SubsystemToggle is a single enable flag for an optional subsystem.
type SubsystemToggle struct {
	Enabled bool `yaml:"enabled"`
}

// TrifectaConfig toggles the vault/lens/replay persistent stores.
type TrifectaConfig struct {
	Vault  SubsystemToggle `yaml:"vault"`
	Lens   SubsystemToggle `yaml:"lens"`
	Replay SubsystemToggle `yaml:"replay"`
}

// ApprovalConfig selects how side-effecting tool calls are gated before
// they execute.
type ApprovalConfig struct {
	// Mode is one of plan, reject, default, auto-edit, yolo. Empty
	// resolves to "default" via ParseApprovalMode.
	Mode string `yaml:"approval_mode"`

	// NoConfirm is an alias for yolo; set true has the same effect as
	// Mode: "yolo" regardless of Mode's literal value.
	NoConfirm bool `yaml:"no_confirm"`
}

// Resolve returns the effective ApprovalMode, honoring NoConfirm as an
// override alias for yolo.
func (a ApprovalConfig) Resolve() ApprovalMode {
	if a.NoConfirm {
		return ApprovalModeYolo
	}
	return ParseApprovalMode(a.Mode)
}

// FallbackConfig configures the client pool's model escalation chain.
type FallbackConfig struct {
	// Chain defines provider-specific fallback entries tried in order
	// when the primary endpoint fails or exceeds its context window.
	Chain []ProviderChainEntry `yaml:"chain"`

	// MaxRetries per model before moving to the next in chain (default: 2).
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoffMs is the initial retry delay in ms (default: 1000).
	InitialBackoffMs int `yaml:"initial_backoff_ms"`

	// MaxBackoffMs caps the backoff (default: 30000).
	MaxBackoffMs int `yaml:"max_backoff_ms"`

	// RetryOnStatusCodes lists HTTP codes that trigger retry.
	RetryOnStatusCodes []int `yaml:"retry_on_status_codes"`
}

// ProviderChainEntry defines a single provider in the fallback chain.
type ProviderChainEntry struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
}

// DefaultFallbackConfig returns sensible defaults for model escalation.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		MaxRetries:         2,
		InitialBackoffMs:   1000,
		MaxBackoffMs:       30000,
		RetryOnStatusCodes: []int{429, 500, 502, 503, 521, 522, 523, 524, 529},
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (f FallbackConfig) Effective() FallbackConfig {
	out := f
	if out.MaxRetries == 0 {
		out.MaxRetries = 2
	}
	if out.InitialBackoffMs == 0 {
		out.InitialBackoffMs = 1000
	}
	if out.MaxBackoffMs == 0 {
		out.MaxBackoffMs = 30000
	}
	if len(out.RetryOnStatusCodes) == 0 {
		out.RetryOnStatusCodes = []int{429, 500, 502, 503, 521, 522, 523, 524, 529}
	}
	return out
}

// APIConfig configures the primary LLM provider endpoint and credentials.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible API base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider. May also be
	// resolved via OAuth, provider-specific env var, or keyring.
	APIKey string `yaml:"api_key"`

	// Provider hints which wire quirks to use ("openai", "anthropic",
	// "ollama", ...). Auto-detected from BaseURL if omitted.
	Provider string `yaml:"provider"`

	// Params holds provider-specific parameters (e.g. "tool_stream": true).
	Params map[string]any `yaml:"params"`
}

// SecurityConfig configures tool guardrails and execution limits.
type SecurityConfig struct {
	// MaxInputLength is the max input size in characters.
	MaxInputLength int `yaml:"max_input_length"`

	// ToolGuard configures per-tool access control, command safety,
	// path protection, and audit logging.
	ToolGuard ToolGuardConfig `yaml:"tool_guard"`

	// ToolExecutor configures parallel tool execution.
	ToolExecutor ToolExecutorConfig `yaml:"tool_executor"`

	// SSRF configures URL validation for the web_fetch tool.
	SSRF security.SSRFConfig `yaml:"ssrf"`
}

// ToolExecutorConfig configures tool execution behavior.
type ToolExecutorConfig struct {
	// Parallel enables parallel execution of independent tools (default: true).
	Parallel bool `yaml:"parallel"`

	// MaxParallel is the max concurrent tool executions (default: 5).
	MaxParallel int `yaml:"max_parallel"`

	// BashTimeoutSeconds is the timeout for bash/exec/apply_patch tools (default: 300).
	BashTimeoutSeconds int `yaml:"bash_timeout_seconds"`

	// DefaultTimeoutSeconds is the timeout for all other tools (default: 30).
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

// TokenBudgetConfig configures per-layer token allocation for the context
// budget manager (system prompt, tool schemas, conversation history, and
// a reserved slice for the model's own completion).
type TokenBudgetConfig struct {
	Total    int `yaml:"total"`
	Reserved int `yaml:"reserved"`
	System   int `yaml:"system"`
	Tools    int `yaml:"tools"`
	History  int `yaml:"history"`

	// MinTailMessages is the minimum number of most-recent messages that
	// pruning must never remove.
	MinTailMessages int `yaml:"min_tail_messages"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// AntonConfig configures the autonomous task-file runner.
type AntonConfig struct {
	// MaxConcurrentTasks bounds how many checklist tasks run at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// MaxRetriesPerTask is how many times a failed task is retried
	// before it is marked blocked and surfaced to the operator.
	MaxRetriesPerTask int `yaml:"max_retries_per_task"`

	// HeartbeatInterval is how often the run lockfile's heartbeat is
	// refreshed, formatted as a Go duration string (e.g. "10s").
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// LockStaleAfter is how long since the last heartbeat before a lock
	// is considered abandoned and may be reclaimed.
	LockStaleAfter string `yaml:"lock_stale_after"`

	// ApprovalMode overrides the top-level approval mode for task sessions
	// spawned by the runner. Empty inherits Config.Approval.
	ApprovalMode string `yaml:"approval_mode"`
}

// DefaultAntonConfig returns sensible defaults for the Anton runner.
func DefaultAntonConfig() AntonConfig {
	return AntonConfig{
		MaxConcurrentTasks: 1,
		MaxRetriesPerTask:  2,
		HeartbeatInterval:  "10s",
		LockStaleAfter:     "2m",
	}
}

// CacheRuntimeConfig configures the tool-free response cache.
type CacheRuntimeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	MaxAge  string `yaml:"max_age"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "IdleHands",
		Model: "qwen3-coder-480b",
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Instructions: "You are an autonomous coding agent. Be precise and verify your work.",
		TokenBudget: TokenBudgetConfig{
			Total:           128000,
			Reserved:        4096,
			System:          1500,
			Tools:           4000,
			History:         8000,
			MinTailMessages: 4,
		},
		Security: SecurityConfig{
			MaxInputLength: 16384,
			ToolGuard:      DefaultToolGuardConfig(),
			ToolExecutor: ToolExecutorConfig{
				Parallel:              true,
				MaxParallel:           5,
				BashTimeoutSeconds:    300,
				DefaultTimeoutSeconds: 30,
			},
			SSRF: security.SSRFConfig{AllowPrivate: false},
		},
		Subagents: DefaultSubagentConfig(),
		Agent:     DefaultAgentConfig(),
		Fallback:  DefaultFallbackConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Anton: DefaultAntonConfig(),
		Cache: CacheRuntimeConfig{
			Enabled: true,
			Dir:     "",
			MaxAge:  "24h",
		},
		Approval: ApprovalConfig{Mode: string(ApprovalModeDefault)},
		Routing:  RoutingConfig{Mode: ""},
		Capture:  CaptureConfig{Enabled: false},
		Trifecta: TrifectaConfig{Vault: SubsystemToggle{Enabled: true}},
	}
}
