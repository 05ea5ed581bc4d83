package engine

import (
	"log/slog"
	"testing"
	"time"

	"github.com/visorcraft/idlehands/internal/llmpool"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		baseURL  string
		expected string
	}{
		{"https://api.openai.com/v1", "openai"},
		{"https://api.openai.com", "openai"},
		{"https://api.anthropic.com/v1", "anthropic"},
		{"https://api.anthropic.com", "anthropic"},
		{"https://api.z.ai/api/coding", "zai-coding"},
		{"https://api.z.ai/api/paas", "zai"},
		{"https://api.z.ai/api/anthropic", "zai-anthropic"},
		{"https://openrouter.ai/api/v1", "openrouter"},
		{"https://api.x.ai/v1", "xai"},
		{"http://localhost:11434/v1", "ollama"},
		{"http://127.0.0.1:11434", "ollama"},
		{"http://myserver.com/ollama/v1", "ollama"},
		{"https://custom-llm.example.com/v1", "openai"}, // Default to openai-compatible
		{"https://api.example.com/chat", "openai"},      // Default to openai-compatible
	}

	for _, tt := range tests {
		t.Run(tt.baseURL, func(t *testing.T) {
			result := detectProvider(tt.baseURL)
			if result != tt.expected {
				t.Errorf("detectProvider(%q) = %q, want %q", tt.baseURL, result, tt.expected)
			}
		})
	}
}

func TestLLMClientIsAnthropicAPI(t *testing.T) {
	tests := []struct {
		provider string
		expected bool
	}{
		{"anthropic", true},
		{"zai-anthropic", true},
		{"openai", false},
		{"zai", false},
		{"zai-coding", false},
		{"ollama", false},
		{"openrouter", false},
		{"xai", false},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client := &LLMClient{provider: tt.provider}
			result := client.isAnthropicAPI()
			if result != tt.expected {
				t.Errorf("isAnthropicAPI() for provider %q = %v, want %v", tt.provider, result, tt.expected)
			}
		})
	}
}

func TestLLMClientChatEndpoint(t *testing.T) {
	tests := []struct {
		baseURL  string
		provider string
		expected string
	}{
		{"https://api.openai.com/v1", "openai", "https://api.openai.com/v1/chat/completions"},
		{"https://api.anthropic.com", "anthropic", "https://api.anthropic.com/v1/messages"},
		{"https://api.z.ai/api/coding", "zai-coding", "https://api.z.ai/api/coding/chat/completions"},
		{"https://api.z.ai/api/anthropic", "zai-anthropic", "https://api.z.ai/api/anthropic/v1/messages"},
		{"https://custom.example.com/api", "openai", "https://custom.example.com/api/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client := &LLMClient{
				baseURL:  tt.baseURL,
				provider: tt.provider,
			}
			result := client.chatEndpoint()
			if result != tt.expected {
				t.Errorf("chatEndpoint() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestLLMClientSupportsWhisper(t *testing.T) {
	tests := []struct {
		provider string
		expected bool
	}{
		{"openai", true},
		{"openrouter", true},
		{"ollama", false},
		{"anthropic", false},
		{"zai", false},
		{"zai-coding", false},
		{"zai-anthropic", false},
		{"xai", false},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client := &LLMClient{provider: tt.provider}
			result := client.supportsWhisper()
			if result != tt.expected {
				t.Errorf("supportsWhisper() for provider %q = %v, want %v", tt.provider, result, tt.expected)
			}
		})
	}
}

func TestLLMClientCooldownTracking(t *testing.T) {
	client := &LLMClient{
		provider:         "openai",
		probeMinInterval: 1 * time.Second,
	}

	t.Run("initial state has no cooldown", func(t *testing.T) {
		client.cooldownMu.Lock()
		expires := client.cooldownExpires
		client.cooldownMu.Unlock()

		if !expires.IsZero() {
			t.Error("expected no cooldown initially")
		}
	})

	t.Run("can set and check cooldown", func(t *testing.T) {
		client.cooldownMu.Lock()
		client.cooldownExpires = time.Now().Add(30 * time.Second)
		client.cooldownModel = "gpt-4"
		client.cooldownMu.Unlock()

		client.cooldownMu.Lock()
		if client.cooldownModel != "gpt-4" {
			t.Error("expected cooldown model to be set")
		}
		client.cooldownMu.Unlock()
	})
}

func TestLLMClientWithEndpointRoutesToChainEntry(t *testing.T) {
	primary := &LLMClient{
		baseURL:  "https://api.openai.com/v1",
		provider: "openai",
		apiKey:   "primary-key",
		model:    "gpt-5",
		pool:     llmpool.New("https://api.openai.com/v1", llmpool.Options{APIKey: "primary-key"}),
		logger:   slog.Default(),
	}

	t.Run("overrides baseURL, provider, and model from the chain entry", func(t *testing.T) {
		escalated := primary.withEndpoint(ProviderChainEntry{
			Provider: "anthropic",
			BaseURL:  "https://api.anthropic.com/v1/",
			Model:    "claude-heavy",
			APIKey:   "escalation-key",
		})

		if escalated.baseURL != "https://api.anthropic.com/v1" {
			t.Errorf("baseURL = %q, want trimmed trailing slash", escalated.baseURL)
		}
		if escalated.provider != "anthropic" {
			t.Errorf("provider = %q, want %q", escalated.provider, "anthropic")
		}
		if escalated.model != "claude-heavy" {
			t.Errorf("model = %q, want %q", escalated.model, "claude-heavy")
		}
		if escalated.apiKey != "escalation-key" {
			t.Errorf("apiKey = %q, want the chain entry's own key", escalated.apiKey)
		}
	})

	t.Run("falls back to the primary api key when the entry omits one", func(t *testing.T) {
		escalated := primary.withEndpoint(ProviderChainEntry{
			BaseURL: "https://api.z.ai/api/coding",
			Model:   "glm-heavy",
		})
		if escalated.apiKey != "primary-key" {
			t.Errorf("apiKey = %q, want inherited primary key", escalated.apiKey)
		}
		if escalated.provider != "zai-coding" {
			t.Errorf("provider = %q, want auto-detected %q", escalated.provider, "zai-coding")
		}
	})

	t.Run("leaves the original client untouched", func(t *testing.T) {
		_ = primary.withEndpoint(ProviderChainEntry{BaseURL: "https://api.anthropic.com/v1", Model: "x"})
		if primary.baseURL != "https://api.openai.com/v1" || primary.model != "gpt-5" {
			t.Error("withEndpoint must not mutate the receiver")
		}
	})
}

func TestProviderChainEntryStepsIncludePrimaryFirst(t *testing.T) {
	fallback := FallbackConfig{
		Chain: []ProviderChainEntry{
			{Model: "fallback-1", BaseURL: "https://fallback.example.com/v1"},
			{Model: "fallback-2"},
		},
	}.Effective()

	steps := make([]ProviderChainEntry, 0, 1+len(fallback.Chain))
	steps = append(steps, ProviderChainEntry{Model: "primary-model"})
	steps = append(steps, fallback.Chain...)

	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[0].Model != "primary-model" || steps[0].BaseURL != "" {
		t.Errorf("steps[0] = %+v, want bare primary-model entry", steps[0])
	}
	if steps[1].Model != "fallback-1" || steps[1].BaseURL != "https://fallback.example.com/v1" {
		t.Errorf("steps[1] = %+v, want fallback-1 with its own endpoint", steps[1])
	}
}
