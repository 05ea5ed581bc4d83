package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("model: my-model\napi:\n  base_url: https://example.test/v1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "my-model" {
		t.Fatalf("expected model overlay, got %q", cfg.Model)
	}
	if cfg.API.BaseURL != "https://example.test/v1" {
		t.Fatalf("expected base_url overlay, got %q", cfg.API.BaseURL)
	}
	if cfg.TokenBudget.Total == 0 {
		t.Fatalf("expected defaults to still apply to unset fields")
	}
}

func TestLoadConfigFromFileExpandsEnvVars(t *testing.T) {
	t.Setenv("IDLEHANDS_TEST_MODEL", "env-model")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("model: ${IDLEHANDS_TEST_MODEL}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "env-model" {
		t.Fatalf("expected expanded env var, got %q", cfg.Model)
	}
}

func TestSaveConfigToFileSanitizesSecret(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-real-secret-value-should-not-leak")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.API.Provider = "openai"
	cfg.API.APIKey = "sk-real-secret-value-should-not-leak"

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); containsSubstring(got, "sk-real-secret-value-should-not-leak") {
		t.Fatalf("expected secret to be replaced with an env reference, got:\n%s", got)
	}
}

func TestFindConfigFileReturnsEmptyWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if found := FindConfigFile(); found != "" {
		t.Fatalf("expected no config file to be found, got %q", found)
	}
}

func TestIsEnvReference(t *testing.T) {
	if !IsEnvReference("${FOO}") || !IsEnvReference("$FOO") {
		t.Fatal("expected both forms to be recognized as env references")
	}
	if IsEnvReference("sk-plain-value") {
		t.Fatal("expected a plain value to not be treated as an env reference")
	}
}

func containsSubstring(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOfSubstring(s, substr) >= 0)
}

func indexOfSubstring(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
