package engine

import (
	"log/slog"
	"strings"
	"testing"
)

func newTestDetector(cfg ToolLoopConfig) *ToolLoopDetector {
	return NewToolLoopDetector(cfg, slog.Default())
}

func TestToolLoopDetector_NoLoopBeforeThreshold(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        5,
		CriticalThreshold:       10,
		CircuitBreakerThreshold: 15,
	})

	args := map[string]any{"command": "ls -la"}

	for i := 0; i < 4; i++ {
		r := d.RecordAndCheck("bash", args)
		if r.Severity != LoopNone {
			t.Fatalf("expected LoopNone at iteration %d, got %d", i, r.Severity)
		}
	}
}

func TestToolLoopDetector_Warning(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	args := map[string]any{"command": "cat file.txt"}

	for i := 0; i < 2; i++ {
		d.RecordAndCheck("bash", args)
	}

	r := d.RecordAndCheck("bash", args)
	if r.Severity != LoopWarning {
		t.Errorf("expected LoopWarning, got %d", r.Severity)
	}
	if r.Pattern != "repeat" {
		t.Errorf("expected pattern 'repeat', got %q", r.Pattern)
	}
	if r.Streak != 3 {
		t.Errorf("expected streak 3, got %d", r.Streak)
	}
}

func TestToolLoopDetector_Critical(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	args := map[string]any{"command": "curl http://example.com"}

	for i := 0; i < 5; i++ {
		d.RecordAndCheck("bash", args)
	}

	r := d.RecordAndCheck("bash", args)
	if r.Severity != LoopCritical {
		t.Errorf("expected LoopCritical, got %d", r.Severity)
	}
}

func TestToolLoopDetector_CircuitBreaker(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	args := map[string]any{"command": "cat file.txt"}

	for i := 0; i < 9; i++ {
		d.RecordAndCheck("bash", args)
	}

	r := d.RecordAndCheck("bash", args)
	if r.Severity != LoopBreaker {
		t.Errorf("expected LoopBreaker, got %d", r.Severity)
	}
	if r.Streak != 10 {
		t.Errorf("expected streak 10, got %d", r.Streak)
	}
}

func TestToolLoopDetector_DifferentArgsNoLoop(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	for i := 0; i < 20; i++ {
		args := map[string]any{"command": "echo " + string(rune('a'+i))}
		r := d.RecordAndCheck("bash", args)
		if r.Severity != LoopNone {
			t.Fatalf("expected LoopNone at iteration %d with unique args, got %d", i, r.Severity)
		}
	}
}

func TestToolLoopDetector_PingPong(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	argsA := map[string]any{"command": "cat a.txt"}
	argsB := map[string]any{"command": "cat b.txt"}

	// Build A-B-A-B-A-B pattern (6 calls = 3 pairs).
	var lastResult LoopDetectionResult
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			lastResult = d.RecordAndCheck("bash", argsA)
		} else {
			lastResult = d.RecordAndCheck("bash", argsB)
		}
	}

	if lastResult.Severity < LoopWarning {
		t.Errorf("expected at least LoopWarning after ping-pong pattern, got %d (streak=%d, pattern=%s)",
			lastResult.Severity, lastResult.Streak, lastResult.Pattern)
	}
}

func TestToolLoopDetector_PingPong_RequiresReadOnlyTool(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	argsA := map[string]any{"path": "a.txt", "content": "x"}
	argsB := map[string]any{"path": "b.txt", "old": "x", "new": "y"}

	// Two mutating tools alternating is real work, not a ping-pong loop,
	// even with identical args every time.
	for i := 0; i < 8; i++ {
		var r LoopDetectionResult
		if i%2 == 0 {
			r = d.RecordAndCheck("write_file", argsA)
		} else {
			r = d.RecordAndCheck("edit_file", argsB)
		}
		if r.Severity != LoopNone {
			t.Fatalf("alternating mutating tools must not classify as ping-pong, got %d at call %d (pattern=%s)",
				r.Severity, i, r.Pattern)
		}
	}
}

func TestToolLoopDetector_PingPong_RequiresStableOutcomes(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	argsA := map[string]any{"path": "a.txt"}
	argsB := map[string]any{"path": "b.txt"}

	// Read-only alternation whose outputs keep changing: the repetition
	// is observing something that moves, so it is not a loop.
	outputs := []string{"v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8"}
	for i := 0; i < 8; i++ {
		var r LoopDetectionResult
		if i%2 == 0 {
			r = d.RecordAndCheck("read_file", argsA)
		} else {
			r = d.RecordAndCheck("read_file", argsB)
		}
		if r.Severity != LoopNone {
			t.Fatalf("unstable outcomes must not classify as ping-pong, got %d at call %d (pattern=%s)",
				r.Severity, i, r.Pattern)
		}
		d.RecordToolOutcome(outputs[i])
	}
}

func TestToolLoopDetector_PingPong_StableReadOnlyOutcomesWarn(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	argsA := map[string]any{"path": "a.txt"}
	argsB := map[string]any{"path": "b.txt"}

	var lastResult LoopDetectionResult
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			lastResult = d.RecordAndCheck("read_file", argsA)
			d.RecordToolOutcome("contents of a")
		} else {
			lastResult = d.RecordAndCheck("read_file", argsB)
			d.RecordToolOutcome("contents of b")
		}
	}

	if lastResult.Severity < LoopWarning {
		t.Errorf("stable read-only ping-pong should warn, got %d (streak=%d, pattern=%s)",
			lastResult.Severity, lastResult.Streak, lastResult.Pattern)
	}
	if lastResult.Pattern != "ping-pong" {
		t.Errorf("expected pattern ping-pong, got %q", lastResult.Pattern)
	}
}

func TestToolLoopDetector_PingPong_ExecReadOnlyQuirk(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})
	d.SetExecReadOnly(false)

	argsA := map[string]any{"command": "cat a.txt"}
	argsB := map[string]any{"command": "cat b.txt"}

	// With the harness quirk off, bash no longer counts as read-only and
	// the alternation stays unclassified.
	for i := 0; i < 8; i++ {
		var r LoopDetectionResult
		if i%2 == 0 {
			r = d.RecordAndCheck("bash", argsA)
		} else {
			r = d.RecordAndCheck("bash", argsB)
		}
		if r.Severity != LoopNone {
			t.Fatalf("bash ping-pong with ExecIsReadOnly=false must not warn, got %d at call %d",
				r.Severity, i)
		}
	}
}

func TestToolLoopDetector_Reset(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	args := map[string]any{"command": "ls"}

	for i := 0; i < 2; i++ {
		d.RecordAndCheck("bash", args)
	}

	d.Reset()

	r := d.RecordAndCheck("bash", args)
	if r.Severity != LoopNone {
		t.Errorf("after Reset, expected LoopNone, got %d (streak=%d)", r.Severity, r.Streak)
	}
}

func TestToolLoopDetector_Disabled(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 false,
		WarningThreshold:        3,
		CriticalThreshold:       6,
		CircuitBreakerThreshold: 10,
	})

	args := map[string]any{"command": "ls"}

	for i := 0; i < 20; i++ {
		r := d.RecordAndCheck("bash", args)
		if r.Severity != LoopNone {
			t.Fatalf("disabled detector should always return LoopNone, got %d", r.Severity)
		}
	}
}

func TestToolLoopDetector_HistoryRingBuffer(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             5,
		WarningThreshold:        4,
		CriticalThreshold:       8,
		CircuitBreakerThreshold: 12,
	})

	// Fill with 5 unique calls.
	for i := 0; i < 5; i++ {
		d.RecordAndCheck("bash", map[string]any{"i": i})
	}

	// Now repeat 3 times â€” history only holds 5, so streak can't hit 4.
	args := map[string]any{"command": "repeat"}
	for i := 0; i < 3; i++ {
		r := d.RecordAndCheck("bash", args)
		if r.Severity != LoopNone {
			t.Fatalf("streak within history window should not trigger warning, got %d", r.Severity)
		}
	}
}

func TestToolLoopConfig_DefaultValues(t *testing.T) {
	t.Parallel()
	cfg := DefaultToolLoopConfig()

	if !cfg.Enabled {
		t.Error("default should be enabled")
	}
	if cfg.HistorySize != 30 {
		t.Errorf("expected HistorySize 30, got %d", cfg.HistorySize)
	}
	if cfg.WarningThreshold != 8 {
		t.Errorf("expected WarningThreshold 8, got %d", cfg.WarningThreshold)
	}
	if cfg.CriticalThreshold != 15 {
		t.Errorf("expected CriticalThreshold 15, got %d", cfg.CriticalThreshold)
	}
	if cfg.CircuitBreakerThreshold != 25 {
		t.Errorf("expected CircuitBreakerThreshold 25, got %d", cfg.CircuitBreakerThreshold)
	}
}

func TestNewToolLoopDetector_NormalizesThresholds(t *testing.T) {
	t.Parallel()

	// Inverted thresholds should be corrected.
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        10,
		CriticalThreshold:       5,  // Less than warning.
		CircuitBreakerThreshold: 3,  // Less than critical.
	})

	if d.config.CriticalThreshold <= d.config.WarningThreshold {
		t.Errorf("CriticalThreshold (%d) should be > WarningThreshold (%d)",
			d.config.CriticalThreshold, d.config.WarningThreshold)
	}
	if d.config.CircuitBreakerThreshold <= d.config.CriticalThreshold {
		t.Errorf("CircuitBreakerThreshold (%d) should be > CriticalThreshold (%d)",
			d.config.CircuitBreakerThreshold, d.config.CriticalThreshold)
	}
}

func TestHashToolCall_Deterministic(t *testing.T) {
	t.Parallel()

	args := map[string]any{"command": "echo hello", "timeout": 30}
	h1 := hashToolCall("bash", args)
	h2 := hashToolCall("bash", args)

	if h1 != h2 {
		t.Errorf("hash should be deterministic: %q != %q", h1, h2)
	}

	h3 := hashToolCall("ssh", args)
	if h1 == h3 {
		t.Error("different tool names should produce different hashes")
	}
}

func TestHashToolCall_DifferentArgs(t *testing.T) {
	t.Parallel()

	h1 := hashToolCall("bash", map[string]any{"command": "ls"})
	h2 := hashToolCall("bash", map[string]any{"command": "pwd"})

	if h1 == h2 {
		t.Error("different args should produce different hashes")
	}
}

// TestHashOutput_StableForEqualStrings covers its invariant 6:
// hashToolOutcome is stable across runs for equal result strings.
func TestHashOutput_StableForEqualStrings(t *testing.T) {
	t.Parallel()

	out := "line one\nline two\nline three\n"
	if hashOutput(out) != hashOutput(out) {
		t.Fatal("expected hash to be stable for identical strings")
	}
	if hashOutput(out) == hashOutput(out+" ") {
		t.Fatal("expected different strings to hash differently")
	}
}

// TestHashOutput_LongInputDependsOnlyOnPrefixSuffixLength covers the
// boundary for results >= 4096 chars: the hash depends only on the
// 2048-char prefix, 1024-char suffix, and total length — two long outputs
// sharing those three quantities but differing only in the untouched
// middle region must hash identically.
func TestHashOutput_LongInputDependsOnlyOnPrefixSuffixLength(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("a", outcomeHashPrefixLen)
	suffix := strings.Repeat("z", outcomeHashSuffixLen)
	middleA := strings.Repeat("X", 2048)
	middleB := strings.Repeat("Y", 2048)

	a := prefix + middleA + suffix
	b := prefix + middleB + suffix
	if len(a) != len(b) || len(a) < outcomeHashLongInputThreshold {
		t.Fatalf("test fixture miscalibrated: len(a)=%d len(b)=%d", len(a), len(b))
	}

	if hashOutput(a) != hashOutput(b) {
		t.Fatal("expected hash to ignore the untouched middle of long outputs with equal prefix/suffix/length")
	}

	// Changing the total length (even with the same prefix/suffix content)
	// must change the hash.
	c := prefix + middleA + "extra" + suffix
	if hashOutput(a) == hashOutput(c) {
		t.Fatal("expected a different total length to change the hash")
	}

	// Changing a byte inside the prefix must change the hash.
	prefixChanged := strings.Repeat("a", outcomeHashPrefixLen-1) + "b"
	d := prefixChanged + middleA + suffix
	if hashOutput(a) == hashOutput(d) {
		t.Fatal("expected a changed prefix byte to change the hash")
	}

	// Changing a byte inside the suffix must change the hash.
	suffixChanged := strings.Repeat("z", outcomeHashSuffixLen-1) + "y"
	e := prefix + middleA + suffixChanged
	if hashOutput(a) == hashOutput(e) {
		t.Fatal("expected a changed suffix byte to change the hash")
	}
}

// TestHashOutput_BelowThresholdUsesFullContent covers the threshold
// boundary itself: below outcomeHashLongInputThreshold, the full content
// is hashed, so two short strings that share only a prefix/suffix/length
// triple but differ in the middle must NOT collide.
func TestHashOutput_BelowThresholdUsesFullContent(t *testing.T) {
	t.Parallel()

	a := strings.Repeat("a", outcomeHashLongInputThreshold-1)
	b := a[:len(a)-1] + "b"
	if len(a) != len(b) {
		t.Fatalf("test fixture miscalibrated: len(a)=%d len(b)=%d", len(a), len(b))
	}
	if hashOutput(a) == hashOutput(b) {
		t.Fatal("expected short strings differing by one byte to hash differently")
	}
}

func TestToolLoopDetector_StrategyLoop(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        8,
		CriticalThreshold:       15,
		CircuitBreakerThreshold: 25,
	})

	// Simulate agent trying different tools but getting the same error.
	// This indicates a stuck strategy (wrong understanding of the problem).
	sameError := "Error: Cannot GET /api/route - 404 Not Found"

	// Try bash (attempt 1)
	d.RecordAndCheck("bash", map[string]any{"command": "curl http://localhost:3000/api/route"})
	d.RecordToolOutcome(sameError)

	// Try read_file (attempt 2)
	d.RecordAndCheck("read_file", map[string]any{"path": "dist/routes.js"})
	d.RecordToolOutcome(sameError)

	// Try bash again - rebuild (attempt 3)
	d.RecordAndCheck("bash", map[string]any{"command": "npm run build"})
	d.RecordToolOutcome(sameError)

	// Try bash - restart (attempt 4)
	d.RecordAndCheck("bash", map[string]any{"command": "pm2 restart app"})
	d.RecordToolOutcome(sameError)

	// Try bash - test again (attempt 5)
	d.RecordAndCheck("bash", map[string]any{"command": "curl http://localhost:3000/api/route"})
	d.RecordToolOutcome(sameError)

	// Now sameErrorCount should be 5, next RecordAndCheck should trigger
	r := d.RecordAndCheck("bash", map[string]any{"command": "curl -v http://localhost:3000/api/route"})

	if r.Severity != LoopCritical {
		t.Errorf("expected LoopCritical for strategy loop, got %d (sameErrorCount=%d)", r.Severity, d.sameErrorCount)
	}
	if r.Pattern != "strategy_loop" {
		t.Errorf("expected pattern 'strategy_loop', got %q", r.Pattern)
	}
}

func TestExtractErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   bool // true if error should be detected
	}{
		{
			name:   "404 error",
			output: "HTTP/1.1 404 Not Found\nContent-Type: text/html",
			want:   true,
		},
		{
			name:   "error prefix",
			output: "Error: ENOENT: no such file or directory",
			want:   true,
		},
		{
			name:   "failed prefix",
			output: "Failed to connect to localhost:3000",
			want:   true,
		},
		{
			name:   "success output",
			output: "Build completed successfully\nOutput: dist/",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractErrorMessage(tt.output)
			if tt.want && got == "" {
				t.Errorf("expected error to be detected in %q", tt.output)
			}
			if !tt.want && got != "" {
				t.Errorf("expected no error, but got %q from %q", got, tt.output)
			}
		})
	}
}

func TestToolLoopDetector_DestructiveBatch(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        8,
		CriticalThreshold:       15,
		CircuitBreakerThreshold: 25,
	})

	args := map[string]any{"key": "test_key_"}

	// First two calls should not trigger
	r1 := d.RecordAndCheck("stop_subagent", args)
	if r1.Severity != LoopNone {
		t.Errorf("first stop_subagent should return LoopNone, got %d", r1.Severity)
	}

	r2 := d.RecordAndCheck("stop_subagent", args)
	if r2.Severity != LoopNone {
		t.Errorf("second stop_subagent should return LoopNone, got %d", r2.Severity)
	}

	// Third consecutive call to same destructive tool should trigger LoopBreaker
	r3 := d.RecordAndCheck("stop_subagent", args)
	if r3.Severity != LoopBreaker {
		t.Errorf("third consecutive stop_subagent should return LoopBreaker, got %d (pattern=%s)",
			r3.Severity, r3.Pattern)
	}
	if r3.Pattern != "destructive_batch" {
		t.Errorf("expected pattern 'destructive_batch', got %q", r3.Pattern)
	}
	if r3.Streak != 3 {
		t.Errorf("expected streak 3, got %d", r3.Streak)
	}
}

func TestToolLoopDetector_DestructiveBatch_ResetsOnOtherTool(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        8,
		CriticalThreshold:       15,
		CircuitBreakerThreshold: 25,
	})

	args := map[string]any{"key": "test_key_"}

	// Two destructive calls
	d.RecordAndCheck("stop_subagent", args)
	d.RecordAndCheck("stop_subagent", args)

	// Non-destructive tool should reset the streak
	d.RecordAndCheck("bash", map[string]any{"command": "ls"})

	// Now destructive calls should start fresh
	r := d.RecordAndCheck("stop_subagent", args)
	if r.Severity != LoopNone {
		t.Errorf("stop_subagent after non-destructive should return LoopNone, got %d", r.Severity)
	}
}

func TestToolLoopDetector_DestructiveBatch_DifferentToolsReset(t *testing.T) {
	t.Parallel()
	d := newTestDetector(ToolLoopConfig{
		Enabled:                 true,
		HistorySize:             30,
		WarningThreshold:        8,
		CriticalThreshold:       15,
		CircuitBreakerThreshold: 25,
	})

	// Two stop_subagent calls
	d.RecordAndCheck("stop_subagent", map[string]any{"key": "a"})
	d.RecordAndCheck("stop_subagent", map[string]any{"key": "b"})

	// Different destructive tool resets streak
	r := d.RecordAndCheck("cron_remove", map[string]any{"id": "1"})
	if r.Severity != LoopNone {
		t.Errorf("different destructive tool should reset streak, got %d", r.Severity)
	}
}
