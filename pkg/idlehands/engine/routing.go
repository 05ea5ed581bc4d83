// routing.go decides which model serves a given instruction. A cheap
// "fast" model handles quick lookups and short questions; a "heavy" model
// handles work that needs sustained multi-file reasoning; everything else
// stays on the configured default. The decision is made once per ask,
// before the first LLM call, from the instruction text alone.
package engine

import (
	"strings"
)

// RouteLane labels the routing outcome for an instruction.
type RouteLane string

const (
	// RouteLaneDefault keeps the session's configured model.
	RouteLaneDefault RouteLane = "default"

	// RouteLaneFast routes to the configured fast model and restricts the
	// first turn's tool list to the essential set.
	RouteLaneFast RouteLane = "fast"

	// RouteLaneHeavy routes to the configured heavy model.
	RouteLaneHeavy RouteLane = "heavy"
)

// RoutingConfig selects a model per instruction. Mode "auto" classifies
// the instruction text; "fast" and "heavy" pin every ask to that lane.
// An empty Mode (or a lane with no model configured) disables routing and
// every ask uses the default model.
type RoutingConfig struct {
	// Mode is one of "auto", "fast", "heavy". Empty disables routing.
	Mode string `yaml:"mode"`

	// FastModel serves the fast lane (e.g. a small instruct model).
	FastModel string `yaml:"fast_model"`

	// HeavyModel serves the heavy lane (e.g. a large coder model).
	HeavyModel string `yaml:"heavy_model"`
}

// RouteDecision is the outcome of routing one instruction.
type RouteDecision struct {
	// Model is the model id to use for this ask. Always non-empty:
	// falls back to defaultModel when the selected lane has no model
	// configured.
	Model string

	// Lane records which lane was selected.
	Lane RouteLane

	// Reason is a short human-readable explanation, for debug logging.
	Reason string
}

// heavyHintWords mark instructions that need sustained multi-step work:
// they describe changing code across files rather than answering from it.
var heavyHintWords = []string{
	"refactor", "implement", "migrate", "redesign", "rewrite",
	"architecture", "debug", "root cause", "all files", "entire",
	"end-to-end", "across the codebase",
}

// fastHintPrefixes mark short lookup-style instructions that a small
// model answers as well as a large one.
var fastHintPrefixes = []string{
	"what", "where", "which", "who", "when", "list", "show",
	"print", "explain", "summarize", "how many",
}

// fastPromptMaxLen bounds how long an instruction can be and still
// qualify for the fast lane under auto mode.
const fastPromptMaxLen = 160

// heavyPromptMinLen is the length past which an instruction is assumed
// to carry enough context (pasted code, multi-step directions) to
// warrant the heavy lane.
const heavyPromptMinLen = 1200

// RouteModel picks the model for one instruction. defaultModel is used
// whenever routing is disabled, the instruction lands in the default
// lane, or the selected lane has no model configured.
func RouteModel(cfg RoutingConfig, defaultModel, instruction string) RouteDecision {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "fast":
		return laneDecision(RouteLaneFast, cfg.FastModel, defaultModel, "mode pinned to fast")
	case "heavy":
		return laneDecision(RouteLaneHeavy, cfg.HeavyModel, defaultModel, "mode pinned to heavy")
	case "auto":
		return autoRoute(cfg, defaultModel, instruction)
	default:
		return RouteDecision{Model: defaultModel, Lane: RouteLaneDefault, Reason: "routing disabled"}
	}
}

// autoRoute classifies the instruction text. Heavy signals win over fast
// signals: a long prompt that opens with "explain" still gets the heavy
// model when it carries pasted code.
func autoRoute(cfg RoutingConfig, defaultModel, instruction string) RouteDecision {
	trimmed := strings.TrimSpace(instruction)
	lower := strings.ToLower(trimmed)

	if len(trimmed) >= heavyPromptMinLen || strings.Contains(trimmed, "```") {
		return laneDecision(RouteLaneHeavy, cfg.HeavyModel, defaultModel, "long or code-bearing instruction")
	}
	for _, w := range heavyHintWords {
		if strings.Contains(lower, w) {
			return laneDecision(RouteLaneHeavy, cfg.HeavyModel, defaultModel, "heavy hint: "+w)
		}
	}

	if len(trimmed) <= fastPromptMaxLen && !strings.Contains(trimmed, "\n") {
		for _, p := range fastHintPrefixes {
			if strings.HasPrefix(lower, p) {
				return laneDecision(RouteLaneFast, cfg.FastModel, defaultModel, "short lookup: "+p)
			}
		}
	}

	return RouteDecision{Model: defaultModel, Lane: RouteLaneDefault, Reason: "no routing signal"}
}

// laneDecision resolves a lane to its configured model, falling back to
// the default lane when that lane has no model to route to.
func laneDecision(lane RouteLane, laneModel, defaultModel, reason string) RouteDecision {
	if laneModel == "" {
		return RouteDecision{Model: defaultModel, Lane: RouteLaneDefault, Reason: reason + " (lane has no model configured)"}
	}
	return RouteDecision{Model: laneModel, Lane: lane, Reason: reason}
}
