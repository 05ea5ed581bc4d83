// content_fallback.go implements the content-fallback tool-call parser:
// when a model's tool_calls array comes back empty but
// its harness profile flags ToolCalls.ContentFallbackLikely, the turn
// engine scans the assistant's text content for a fenced JSON block or an
// XML-ish tag instead of ending the turn. Mirrors how anton_runner.go
// already pulls a structured block (<anton-result>) out of free-form
// model text with a single compiled regex per shape.
package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencedToolCallRe matches a fenced code block whose body is a JSON object,
// optionally tagged "json" (```json ... ``` or bare ``` ... ```).
var fencedToolCallRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// functionTagRe matches <function=NAME>{...}</function>.
var functionTagRe = regexp.MustCompile(`(?s)<function=([A-Za-z0-9_.\-]+)>(.*?)</function>`)

// toolTagRe matches <tool:NAME>{...}</tool>.
var toolTagRe = regexp.MustCompile(`(?s)<tool:([A-Za-z0-9_.\-]+)>(.*?)</tool>`)

// fencedToolCallPayload is the shape expected inside a fenced JSON block:
// {"name": "...", "arguments": {...}}.
type fencedToolCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseContentFallbackToolCalls scans content for the two tool-call wire
// shapes used by content-mode models and assigns each a deterministic id,
// call_{turn}_{index}, since the model never produced one. Returns nil when
// nothing is found — callers must not synthesize a turn in that case; the
// turn simply ends with resp.Content as the answer.
func parseContentFallbackToolCalls(content string, turn int) []ToolCall {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var calls []ToolCall

	for _, m := range fencedToolCallRe.FindAllStringSubmatch(content, -1) {
		var payload fencedToolCallPayload
		if err := json.Unmarshal([]byte(m[1]), &payload); err != nil || payload.Name == "" {
			continue
		}
		args := string(payload.Arguments)
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:       fmt.Sprintf("call_%d_%d", turn, len(calls)),
			Type:     "function",
			Function: FunctionCall{Name: payload.Name, Arguments: args},
		})
	}

	for _, m := range functionTagRe.FindAllStringSubmatch(content, -1) {
		calls = append(calls, toolCallFromTag(m[1], m[2], turn, len(calls)))
	}

	for _, m := range toolTagRe.FindAllStringSubmatch(content, -1) {
		calls = append(calls, toolCallFromTag(m[1], m[2], turn, len(calls)))
	}

	return calls
}

// toolCallFromTag builds a synthetic ToolCall from an XML-ish tag match,
// defaulting empty argument bodies to "{}" so downstream JSON parsing never
// sees an empty string.
func toolCallFromTag(name, rawArgs string, turn, index int) ToolCall {
	args := strings.TrimSpace(rawArgs)
	if args == "" {
		args = "{}"
	}
	return ToolCall{
		ID:       fmt.Sprintf("call_%d_%d", turn, index),
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: args},
	}
}

// argsFenceRe strips a single leading/trailing markdown code fence (with an
// optional "json" language tag) wrapping a tool call's raw arguments string.
var argsFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// stripArgsMarkdownFence removes a markdown fence wrapping raw argument
// JSON, for harnesses with quirks.EmitsMarkdownInToolArgs.
func stripArgsMarkdownFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := argsFenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return raw
}
