package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSelectMatchesKnownFamilies(t *testing.T) {
	sel := NewHarnessSelector(nil, slog.Default())

	cases := []struct {
		model   string
		wantID  string
	}{
		{"qwen3-coder-480b-a35b", "qwen3-coder"},
		{"Qwen3-235B-A22B", "qwen3-moe"},
		{"qwen2.5-72b-instruct", "qwen"},
		{"nemotron-70b", "nemotron"},
		{"mistral-large-latest", "mistral"},
		{"openai/gpt-oss-120b", "gpt-oss"},
		{"llama-3.3-70b", "llama"},
		{"some-unknown-model-xyz", "generic"},
	}
	for _, c := range cases {
		got := sel.Select(c.model)
		if got.ID != c.wantID {
			t.Errorf("Select(%q).ID = %q, want %q", c.model, got.ID, c.wantID)
		}
	}
}

func TestSelectAlwaysReturnsAProfile(t *testing.T) {
	sel := NewHarnessSelector(nil, slog.Default())
	p := sel.Select("totally-made-up-model-name-42")
	if p.ID != "generic" {
		t.Fatalf("expected fallback to generic, got %q", p.ID)
	}
	if p.ContextWindow == 0 {
		t.Fatalf("expected generic profile to carry a non-zero context window")
	}
}

func TestUserProfileShadowsBuiltinByID(t *testing.T) {
	override := HarnessProfile{
		ID:            "mistral",
		ModelPattern:  `(?i)mistral`,
		ContextWindow: 32000,
	}
	sel := NewHarnessSelector([]HarnessProfile{override}, slog.Default())

	got := sel.Select("mistral-large-latest")
	if got.ContextWindow != 32000 {
		t.Fatalf("expected user override to replace built-in mistral profile, got context window %d", got.ContextWindow)
	}

	byID, ok := sel.ByID("mistral")
	if !ok || byID.ContextWindow != 32000 {
		t.Fatalf("expected ByID to return the overridden profile")
	}
}

func TestUserProfileWithNewIDIsTriedFirst(t *testing.T) {
	custom := HarnessProfile{
		ID:            "my-finetune",
		ModelPattern:  `(?i)qwen3-coder`,
		ContextWindow: 999,
	}
	sel := NewHarnessSelector([]HarnessProfile{custom}, slog.Default())

	got := sel.Select("qwen3-coder-480b")
	if got.ID != "my-finetune" {
		t.Fatalf("expected user profile to take precedence over built-in match, got %q", got.ID)
	}
}

func TestInvalidUserPatternIsSkippedNotFatal(t *testing.T) {
	bad := HarnessProfile{ID: "broken", ModelPattern: `(unterminated[`}
	sel := NewHarnessSelector([]HarnessProfile{bad}, slog.Default())

	// Should not panic and should still fall through to generic for an
	// otherwise-unmatched model id.
	got := sel.Select("unrelated-model")
	if got.ID != "generic" {
		t.Fatalf("expected invalid profile to be skipped, got %q", got.ID)
	}
}

func TestEffectiveMaxIterationsOverride(t *testing.T) {
	p := HarnessProfile{Quirks: HarnessQuirks{MaxIterationsOverride: 5}}
	if got := p.EffectiveMaxIterations(20); got != 5 {
		t.Fatalf("expected override to win, got %d", got)
	}

	p2 := HarnessProfile{}
	if got := p2.EffectiveMaxIterations(20); got != 20 {
		t.Fatalf("expected configured default when no override set, got %d", got)
	}
}

func TestGptOssProfileCarriesContentFallbackQuirks(t *testing.T) {
	sel := NewHarnessSelector(nil, slog.Default())
	p := sel.Select("gpt-oss-20b")
	if !p.ToolCalls.ContentFallbackLikely {
		t.Fatalf("expected gpt-oss to prefer content-fallback parsing")
	}
	if !p.Quirks.EmitsMarkdownInToolArgs {
		t.Fatalf("expected gpt-oss to be flagged for markdown-wrapped tool args")
	}
	if p.Thinking.Format != ThinkingFormatXML || !p.Thinking.Strip {
		t.Fatalf("expected gpt-oss thinking block to be stripped, got %+v", p.Thinking)
	}
}

func TestLoadUserHarnessProfilesFromDir(t *testing.T) {
	dir := t.TempDir()

	// One file with a single profile document.
	single := `
id: my-local
model_pattern: "(?i)my-local-model"
context_window: 32000
tool_calls:
  reliable_array: false
  content_fallback_likely: true
`
	if err := os.WriteFile(filepath.Join(dir, "10-local.yaml"), []byte(single), 0o644); err != nil {
		t.Fatal(err)
	}

	// One file with a list of profiles.
	list := `
- id: team-a
  model_pattern: "(?i)team-a"
  context_window: 64000
- id: team-b
  model_pattern: "(?i)team-b"
  context_window: 8000
`
	if err := os.WriteFile(filepath.Join(dir, "20-team.yml"), []byte(list), 0o644); err != nil {
		t.Fatal(err)
	}

	// Broken YAML must be skipped, not fatal.
	if err := os.WriteFile(filepath.Join(dir, "30-broken.yaml"), []byte("id: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Non-YAML files are ignored entirely.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("id: ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles := LoadUserHarnessProfiles(dir, slog.Default())
	if len(profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d: %+v", len(profiles), profiles)
	}
	if profiles[0].ID != "my-local" || profiles[1].ID != "team-a" || profiles[2].ID != "team-b" {
		t.Errorf("unexpected profile order: %s, %s, %s", profiles[0].ID, profiles[1].ID, profiles[2].ID)
	}

	sel := NewHarnessSelector(profiles, slog.Default())
	got := sel.Select("my-local-model-v2")
	if got.ID != "my-local" {
		t.Errorf("Select should reach the loaded profile, got %q", got.ID)
	}
	if !got.ToolCalls.ContentFallbackLikely {
		t.Error("loaded profile lost its tool_calls fields")
	}
}

func TestLoadUserHarnessProfilesMissingDir(t *testing.T) {
	profiles := LoadUserHarnessProfiles(filepath.Join(t.TempDir(), "does-not-exist"), slog.Default())
	if profiles != nil {
		t.Fatalf("missing dir should yield no profiles, got %+v", profiles)
	}
}

func TestLoadUserHarnessProfilesSkipsIncomplete(t *testing.T) {
	dir := t.TempDir()
	noID := `
model_pattern: "(?i)whatever"
context_window: 1000
`
	if err := os.WriteFile(filepath.Join(dir, "no-id.yaml"), []byte(noID), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := LoadUserHarnessProfiles(dir, slog.Default()); len(got) != 0 {
		t.Fatalf("profile without id should be skipped, got %+v", got)
	}
}
