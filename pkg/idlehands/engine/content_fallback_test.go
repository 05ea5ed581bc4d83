package engine

import "testing"

func TestParseContentFallbackToolCallsFencedJSON(t *testing.T) {
	content := "Sure, I'll check that.\n```json\n{\"name\":\"exec\",\"arguments\":{\"command\":\"echo ok\"}}\n```\n"

	calls := parseContentFallbackToolCalls(content, 1)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "call_1_0" {
		t.Errorf("ID = %q, want call_1_0", calls[0].ID)
	}
	if calls[0].Function.Name != "exec" {
		t.Errorf("Name = %q, want exec", calls[0].Function.Name)
	}
	if calls[0].Function.Arguments != `{"command":"echo ok"}` {
		t.Errorf("Arguments = %q", calls[0].Function.Arguments)
	}
}

func TestParseContentFallbackToolCallsFunctionTag(t *testing.T) {
	content := `<function=read_file>{"path":"/tmp/a.txt"}</function>`

	calls := parseContentFallbackToolCalls(content, 2)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "call_2_0" || calls[0].Function.Name != "read_file" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"path":"/tmp/a.txt"}` {
		t.Errorf("Arguments = %q", calls[0].Function.Arguments)
	}
}

func TestParseContentFallbackToolCallsToolTag(t *testing.T) {
	content := `<tool:list_files>{"path":"."}</tool>`

	calls := parseContentFallbackToolCalls(content, 3)
	if len(calls) != 1 || calls[0].Function.Name != "list_files" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestParseContentFallbackToolCallsMultipleBlocksGetSequentialIDs(t *testing.T) {
	content := "```json\n{\"name\":\"read_file\",\"arguments\":{\"path\":\"a\"}}\n```\n" +
		"```json\n{\"name\":\"read_file\",\"arguments\":{\"path\":\"b\"}}\n```"

	calls := parseContentFallbackToolCalls(content, 5)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call_5_0" || calls[1].ID != "call_5_1" {
		t.Errorf("expected sequential ids, got %q and %q", calls[0].ID, calls[1].ID)
	}
}

func TestParseContentFallbackToolCallsNoneFound(t *testing.T) {
	calls := parseContentFallbackToolCalls("Here's a plain answer with no tool call in it.", 1)
	if calls != nil {
		t.Fatalf("expected nil, got %+v", calls)
	}
}

func TestParseContentFallbackToolCallsEmptyContent(t *testing.T) {
	if calls := parseContentFallbackToolCalls("", 1); calls != nil {
		t.Fatalf("expected nil for empty content, got %+v", calls)
	}
}

func TestParseContentFallbackToolCallsIgnoresMalformedBlock(t *testing.T) {
	content := "```json\n{not valid json\n```"
	if calls := parseContentFallbackToolCalls(content, 1); calls != nil {
		t.Fatalf("expected nil for malformed block, got %+v", calls)
	}
}

func TestParseContentFallbackToolCallsDefaultsEmptyArgumentsObject(t *testing.T) {
	content := `<function=list_files></function>`
	calls := parseContentFallbackToolCalls(content, 1)
	if len(calls) != 1 || calls[0].Function.Arguments != "{}" {
		t.Fatalf("expected empty arguments to default to {}, got %+v", calls)
	}
}

func TestStripArgsMarkdownFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripArgsMarkdownFence(in); got != want {
			t.Errorf("stripArgsMarkdownFence(%q) = %q, want %q", in, got, want)
		}
	}
}
