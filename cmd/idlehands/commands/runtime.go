package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/visorcraft/idlehands/internal/cache"
	"github.com/visorcraft/idlehands/pkg/idlehands/engine"
	"github.com/visorcraft/idlehands/pkg/idlehands/engine/security"
)

// runtime bundles the constructed pieces a command needs to drive the turn
// engine: the loaded config, a logger, an LLM client, a populated tool
// executor, a harness selector, and a prompt composer.
type runtime struct {
	cfg      *engine.Config
	logger   *slog.Logger
	llm      *engine.LLMClient
	executor *engine.ToolExecutor
	harness  *engine.HarnessSelector
	prompt   *engine.PromptComposer
	cache     *cache.ResponseCache
	prefetch  *cache.Prefetcher
	subagents *engine.SubagentManager
	events    *engine.EventBus
	hooks     *engine.HookManager
	daemons   *engine.DaemonManager
	approvals *engine.ApprovalManager
	plans     *engine.PlanQueue
	sessions  *engine.SessionStore
	commands  *engine.CommandDispatcher

	// toolCalls counts every tool dispatch for the lifetime of this
	// runtime, fed into autosave.json's toolCalls field.
	toolCalls atomic.Int64
}

// ToolCalls reports the cumulative number of tool dispatches observed so far.
func (rt *runtime) ToolCalls() int {
	return int(rt.toolCalls.Load())
}

// resolveConfig loads config from the --config flag, auto-discovers a
// config.yaml in the working directory, or falls back to DefaultConfig.
func resolveConfig(cmd *cobra.Command) (*engine.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := engine.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, &engine.FatalConfigError{Message: "loading config", Cause: err}
		}
		return cfg, nil
	}

	if found := engine.FindConfigFile(); found != "" {
		cfg, err := engine.LoadConfigFromFile(found)
		if err != nil {
			return nil, &engine.FatalConfigError{Message: fmt.Sprintf("loading config from %s", found), Cause: err}
		}
		return cfg, nil
	}

	return engine.DefaultConfig(), nil
}

// buildRuntime loads config, resolves credentials, and constructs the
// engine components every command needs. dataDir is used for file-tool
// rooting and response-cache persistence.
func buildRuntime(cmd *cobra.Command, dataDir string) (*runtime, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)

	engine.AuditConfigSecrets(cfg, logger)
	engine.ResolveAPIKey(cfg, logger)
	if cfg.API.APIKey == "" || engine.IsEnvReference(cfg.API.APIKey) {
		return nil, engine.NewUserInputError("no API key configured; run 'idlehands config vault-set' or set %s", engine.GetProviderKeyName(cfg.API.Provider))
	}

	llm := engine.NewLLMClient(cfg, logger)
	if cfg.Capture.Enabled {
		capturePath := cfg.Capture.Path
		if capturePath == "" {
			capturePath = filepath.Join(stateDir(dataDir), "exchanges.jsonl")
		}
		llm.SetExchangeCapture(engine.NewFileExchangeCapture(capturePath, logger))
	}

	guardCfg := cfg.Security.ToolGuard
	guardCfg.ApprovalMode = cfg.Approval.Resolve()

	executor := engine.NewToolExecutor(logger)
	executor.SetGuard(engine.NewToolGuard(guardCfg, logger))
	ssrfGuard := security.NewSSRFGuard(cfg.Security.SSRF, logger)
	prefetcher := cache.NewPrefetcher(cache.PrefetcherOptions{})

	engine.RegisterSystemTools(executor, dataDir, ssrfGuard, engine.WebSearchConfig{Provider: "duckduckgo", MaxResults: 8}, prefetcher)
	engine.RegisterCodebaseTools(executor)
	engine.RegisterGitTools(executor)
	if cfg.Trifecta.Vault.Enabled {
		vault := engine.NewVaultStore(filepath.Join(stateDir(dataDir), "vault.json"))
		engine.RegisterVaultTools(executor, vault)
	}

	userHarnesses := engine.LoadUserHarnessProfiles(filepath.Join(stateDir(dataDir), "harnesses"), logger)
	harnessSel := engine.NewHarnessSelector(userHarnesses, logger)

	prompt := engine.NewPromptComposer(cfg)
	prompt.SetToolExecutor(executor)
	prompt.SetVaultStatusFunc(func() string { return engine.CredentialStatus(cfg) })

	rt := &runtime{cfg: cfg, logger: logger, llm: llm, executor: executor, harness: harnessSel, prompt: prompt, prefetch: prefetcher}
	rt.cache = buildResponseCache(cfg.Cache, dataDir, logger)
	executor.RegisterHook(&engine.ToolHook{
		Name: "autosave-tool-counter",
		AfterToolCall: func(_ string, _ map[string]any, _ string, _ error) {
			rt.toolCalls.Add(1)
		},
	})

	rt.subagents = engine.NewSubagentManager(cfg.Subagents, logger)
	rt.subagents.SetRunsPath(filepath.Join(stateDir(dataDir), "subagent_runs.json"))
	engine.RegisterSubagentTools(executor, rt.subagents, llm, prompt, logger)

	rt.events = engine.NewEventBus()
	rt.hooks = engine.NewHookManager(logger)
	rt.daemons = engine.NewDaemonManager()
	engine.RegisterDaemonTools(executor, rt.daemons)

	executor.RegisterHook(&engine.ToolHook{
		Name: "lifecycle-bridge",
		BeforeToolCall: func(toolName string, args map[string]any) (map[string]any, bool, string) {
			sessionID := executor.SessionContext()
			rt.events.EmitToolUse(sessionID, sessionID, toolName, args)
			action := rt.hooks.Dispatch(context.Background(), engine.HookPayload{
				Event:     engine.HookPreToolUse,
				SessionID: sessionID,
				ToolName:  toolName,
				ToolArgs:  args,
			})
			if action.Block {
				return nil, true, action.Reason
			}
			if action.ModifiedArgs != nil {
				return action.ModifiedArgs, false, ""
			}
			return args, false, ""
		},
		AfterToolCall: func(toolName string, args map[string]any, result string, err error) {
			sessionID := executor.SessionContext()
			rt.events.EmitToolResult(sessionID, sessionID, toolName, result, err != nil)
			rt.hooks.Dispatch(context.Background(), engine.HookPayload{
				Event:      engine.HookPostToolUse,
				SessionID:  sessionID,
				ToolName:   toolName,
				ToolArgs:   args,
				ToolResult: result,
			})
		},
	})

	rt.sessions = engine.NewSessionStore(logger)
	rt.approvals = engine.NewApprovalManager(logger)
	rt.plans = engine.NewPlanQueue(logger)
	rt.commands = engine.NewCommandDispatcher(rt.approvals, rt.plans, rt.sessions, executor)

	executor.SetPlanQueue(rt.plans)
	executor.SetConfirmationRequester(func(sessionID, callerJID, toolName string, args map[string]any) (bool, error) {
		return rt.approvals.Request(sessionID, callerJID, toolName, args, func(msg string) {
			rt.events.Emit(engine.AgentEvent{
				SessionID: sessionID,
				Stream:    "approval",
				Type:      "approval_requested",
				Data:      map[string]any{"tool": toolName, "message": msg},
			})
			fmt.Println()
			fmt.Println(msg)
		})
	})

	rt.subagents.SetAnnounceCallback(func(run *engine.SubagentRun) {
		rt.events.Emit(engine.AgentEvent{
			RunID:     run.ID,
			SessionID: run.ParentSessionID,
			Stream:    "lifecycle",
			Type:      "subagent_done",
			Data:      map[string]any{"label": run.Label, "status": run.Status},
		})
		rt.hooks.Dispatch(context.Background(), engine.HookPayload{
			Event:     engine.HookSubagentStop,
			SessionID: run.ParentSessionID,
			Message:   run.Label,
		})
	})

	return rt, nil
}

// buildResponseCache constructs the tool-free response cache per
// cfg.Cache, rooting its JSON persistence file under dataDir when no
// explicit directory is configured. Returns nil when disabled.
func buildResponseCache(cfg engine.CacheRuntimeConfig, dataDir string, logger *slog.Logger) *cache.ResponseCache {
	if !cfg.Enabled {
		return nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = stateDir(dataDir)
	}
	ttl, err := time.ParseDuration(cfg.MaxAge)
	if err != nil || ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return cache.New(cache.Options{
		Path:   filepath.Join(dir, "response_cache.json"),
		TTL:    ttl,
		Logger: logger,
	})
}

// newAgentRun builds a fresh AgentRun bound to this runtime's LLM client
// and tool executor, honoring the harness's effective max-iterations
// override and the configured agent timeouts.
func (rt *runtime) newAgentRun() *engine.AgentRun {
	return rt.newAgentRunForModel(rt.cfg.Model)
}

// newAgentRunFor routes the instruction through the configured routing
// policy and builds an AgentRun on the selected model. A fast-lane
// decision also restricts the run's tool selection to the essential set.
func (rt *runtime) newAgentRunFor(instruction string) *engine.AgentRun {
	decision := engine.RouteModel(rt.cfg.Routing, rt.cfg.Model, instruction)
	run := rt.newAgentRunForModel(decision.Model)
	if decision.Model != rt.cfg.Model {
		run.SetModelOverride(decision.Model)
	}
	run.SetFastLane(decision.Lane == engine.RouteLaneFast)
	if decision.Lane != engine.RouteLaneDefault {
		rt.logger.Debug("routed instruction", "lane", string(decision.Lane), "model", decision.Model, "reason", decision.Reason)
	}
	return run
}

// newAgentRunForModel builds an AgentRun whose harness profile matches
// the given model id, honoring a config-level harness override by id.
func (rt *runtime) newAgentRunForModel(model string) *engine.AgentRun {
	harness := rt.selectHarness(model)
	agentCfg := rt.cfg.Agent
	agentCfg.MaxTurns = harness.EffectiveMaxIterations(agentCfg.MaxTurns)
	run := engine.NewAgentRunWithConfig(rt.llm, rt.executor, agentCfg, rt.logger)
	run.SetHarnessProfile(harness)
	if rt.cache != nil {
		run.SetResponseCache(rt.cache)
	}
	run.SetPrefetcher(rt.prefetch)
	return run
}

// selectHarness resolves the harness profile for a model, preferring the
// config's explicit `harness: <id>` override when set. An unknown
// override id falls back to pattern matching with a warning, matching
// the never-fatal posture of harness profile loading.
func (rt *runtime) selectHarness(model string) engine.HarnessProfile {
	if rt.cfg.Harness != "" {
		if p, ok := rt.harness.ByID(rt.cfg.Harness); ok {
			return p
		}
		rt.logger.Warn("unknown harness override, falling back to model matching", "harness", rt.cfg.Harness)
	}
	return rt.harness.Select(model)
}
