package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedResponse is one canned completion the fake endpoint returns.
type scriptedResponse struct {
	content   string
	toolCalls []ToolCall
}

// wireMessage mirrors the request's message shape for assertions.
type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
}

// newScriptedEndpoint serves canned completions in order and records every
// request's message list. Calling past the end of the script fails the test.
func newScriptedEndpoint(t *testing.T, script []scriptedResponse) (*httptest.Server, *atomic.Int64, *[][]wireMessage) {
	t.Helper()

	var calls atomic.Int64
	var requests [][]wireMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1

		var reqBody struct {
			Messages []wireMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("decoding request %d: %v", n, err)
		}
		requests = append(requests, reqBody.Messages)

		if n >= len(script) {
			t.Errorf("endpoint called %d times, script has %d responses", n+1, len(script))
			http.Error(w, "script exhausted", http.StatusInternalServerError)
			return
		}

		resp := script[n]
		var toolsJSON []map[string]any
		for _, tc := range resp.toolCalls {
			toolsJSON = append(toolsJSON, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "test-model",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":       "assistant",
					"content":    resp.content,
					"tool_calls": toolsJSON,
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}))
	t.Cleanup(server.Close)

	return server, &calls, &requests
}

// newTestAgent builds an AgentRun against the given endpoint with
// reflection nudges off so the message sequence stays deterministic.
func newTestAgent(server *httptest.Server, executor *ToolExecutor) *AgentRun {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &Config{
		Name:  "IdleHandsTest",
		Model: "test-model",
		API: APIConfig{
			Provider: "openai",
			BaseURL:  server.URL,
			APIKey:   "test-key",
		},
	}
	llm := NewLLMClient(cfg, logger)
	agent := NewAgentRun(llm, executor, logger)
	agent.reflectionOn = false
	return agent
}

func TestAskSingleToolCallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(target, []byte("hello\nworld"), 0o644); err != nil {
		t.Fatal(err)
	}

	server, calls, requests := newScriptedEndpoint(t, []scriptedResponse{
		{toolCalls: []ToolCall{{
			ID:       "c1",
			Function: FunctionCall{Name: "read_file", Arguments: fmt.Sprintf(`{"path":%q}`, target)},
		}}},
		{content: "first line: hello"},
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	executor := NewToolExecutor(logger)
	executor.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "read_file",
			Description: "Read a file",
			Parameters:  []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})

	agent := newTestAgent(server, executor)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text, usage, err := agent.RunWithUsage(ctx, "system prompt", nil, "read the file and tell me its first line")
	if err != nil {
		t.Fatalf("RunWithUsage: %v", err)
	}
	if !strings.Contains(text, "hello") {
		t.Errorf("final text should carry the file content, got %q", text)
	}
	if usage == nil || usage.TotalTokens != 30 {
		t.Errorf("usage should accumulate both turns, got %+v", usage)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 model turns, got %d", got)
	}

	// The follow-up request must carry the full protocol sequence:
	// system, user, assistant-with-c1, tool answering c1.
	second := (*requests)[1]
	if len(second) != 4 {
		t.Fatalf("expected 4 messages in follow-up request, got %d", len(second))
	}
	roles := []string{second[0].Role, second[1].Role, second[2].Role, second[3].Role}
	want := []string{"system", "user", "assistant", "tool"}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("message roles = %v, want %v", roles, want)
		}
	}
	if len(second[2].ToolCalls) != 1 || second[2].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant message should carry tool call c1, got %+v", second[2].ToolCalls)
	}
	if second[3].ToolCallID != "c1" {
		t.Errorf("tool message should answer c1, got %q", second[3].ToolCallID)
	}
	var toolContent string
	if err := json.Unmarshal(second[3].Content, &toolContent); err == nil && !strings.Contains(toolContent, "hello") {
		t.Errorf("tool result should contain the file content, got %q", toolContent)
	}
}

func TestAskContentFallbackSynthesizesToolCall(t *testing.T) {
	server, calls, requests := newScriptedEndpoint(t, []scriptedResponse{
		{content: "I'll run it now.\n```json\n{\"name\":\"run_check\",\"arguments\":{\"command\":\"echo ok\"}}\n```"},
		{content: "done"},
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	executor := NewToolExecutor(logger)
	var executed atomic.Int64
	executor.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "run_check",
			Description: "Run a check command",
			Parameters:  []byte(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		executed.Add(1)
		return "ok", nil
	})

	agent := newTestAgent(server, executor)
	agent.SetHarnessProfile(HarnessProfile{
		ContextWindow: 128000,
		ToolCalls:     ToolCallSpec{ContentFallbackLikely: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text, _, err := agent.RunWithUsage(ctx, "system prompt", nil, "run the check")
	if err != nil {
		t.Fatalf("RunWithUsage: %v", err)
	}
	if text != "done" {
		t.Errorf("final text = %q, want %q", text, "done")
	}
	if executed.Load() != 1 {
		t.Errorf("fallback tool should have executed exactly once, ran %d times", executed.Load())
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 model turns, got %d", calls.Load())
	}

	// The synthesized call gets the deterministic first-turn id.
	second := (*requests)[1]
	var toolMsg *wireMessage
	for i := range second {
		if second[i].Role == "tool" {
			toolMsg = &second[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("follow-up request carries no tool message")
	}
	if toolMsg.ToolCallID != "call_1_0" {
		t.Errorf("synthesized tool call id = %q, want call_1_0", toolMsg.ToolCallID)
	}
}

func TestAskLoopCircuitBreakerTerminatesRun(t *testing.T) {
	// Enough identical responses to trip a low-threshold breaker, plus
	// slack so a miscounting loop fails the expectation below instead of
	// exhausting the script.
	script := make([]scriptedResponse, 12)
	for i := range script {
		script[i] = scriptedResponse{toolCalls: []ToolCall{{
			ID:       fmt.Sprintf("c%d", i+1),
			Function: FunctionCall{Name: "list_files", Arguments: `{"path":"."}`},
		}}}
	}
	server, calls, _ := newScriptedEndpoint(t, script)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	executor := NewToolExecutor(logger)
	var executions atomic.Int64
	executor.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "list_files",
			Description: "List a directory",
			Parameters:  []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		executions.Add(1)
		return "same listing every time", nil
	})

	agent := newTestAgent(server, executor)
	agent.SetLoopDetector(NewToolLoopDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       4,
		CircuitBreakerThreshold: 6,
		GlobalCircuitBreaker:    30,
	}, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	text, _, err := agent.RunWithUsage(ctx, "system prompt", nil, "list the current directory")
	if err != nil {
		t.Fatalf("breaker should resolve the ask, not error: %v", err)
	}
	if !strings.Contains(text, "CIRCUIT BREAKER") {
		t.Errorf("final text should carry the circuit-breaker notice, got %q", text)
	}
	if got := calls.Load(); got < 6 || got > 7 {
		t.Errorf("model should have been called ~6 times before the breaker, got %d", got)
	}
	// The breaking call itself is never dispatched.
	if executions.Load() >= calls.Load() {
		t.Errorf("breaker turn must not execute its tool call: %d executions over %d turns",
			executions.Load(), calls.Load())
	}
}

func TestAskCancellationResolvesPromptly(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hang until the client gives up.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	executor := NewToolExecutor(logger)
	executor.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "noop",
			Description: "Does nothing",
			Parameters:  []byte(`{"type":"object"}`),
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return "", nil
	})

	agent := newTestAgent(server, executor)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := agent.RunWithUsage(ctx, "system prompt", nil, "do something")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("cancelled ask should surface an error")
	}
	if elapsed > 2*time.Second {
		t.Errorf("cancellation should resolve promptly, took %s", elapsed)
	}
}
