package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/visorcraft/idlehands/internal/cache"
)

func TestQueuedCallsFromToolCallsExtractsPathArgument(t *testing.T) {
	calls := []ToolCall{
		{ID: "1", Function: FunctionCall{Name: "read_file", Arguments: `{"path":"a.txt"}`}},
		{ID: "2", Function: FunctionCall{Name: "view_file", Arguments: `{"file_path":"b.txt"}`}},
		{ID: "3", Function: FunctionCall{Name: "bash", Arguments: `{"command":"ls"}`}},
		{ID: "4", Function: FunctionCall{Name: "read_file", Arguments: `not json`}},
	}

	queued := queuedCallsFromToolCalls(calls)
	if len(queued) != 4 {
		t.Fatalf("expected 4 queued calls, got %d", len(queued))
	}
	if queued[0].Name != "read_file" || queued[0].Path == "" {
		t.Errorf("call 0: expected resolved path from 'path' argument, got %+v", queued[0])
	}
	if queued[1].Name != "view_file" || queued[1].Path == "" {
		t.Errorf("call 1: expected resolved path from 'file_path' fallback, got %+v", queued[1])
	}
	if queued[2].Path != "" {
		t.Errorf("call 2: bash has no file argument, expected empty path, got %q", queued[2].Path)
	}
	if queued[3].Path != "" {
		t.Errorf("call 3: invalid JSON arguments, expected empty path, got %q", queued[3].Path)
	}
}

func TestPrefetchedContentNilPrefetcherReturnsFalse(t *testing.T) {
	if _, ok := prefetchedContent(nil, "/tmp/whatever"); ok {
		t.Fatal("expected false with a nil prefetcher")
	}
}

func TestPrefetchedContentReturnsWarmedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warm.txt")
	if err := os.WriteFile(path, []byte("warmed content"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	prefetcher := cache.NewPrefetcher(cache.PrefetcherOptions{})
	prefetcher.PrefetchForToolCalls([]cache.QueuedCall{{Name: "read_file", Path: path}})

	content, ok := prefetchedContent(prefetcher, path)
	if !ok {
		t.Fatal("expected a warmed entry to be found")
	}
	if content != "warmed content" {
		t.Errorf("content = %q, want %q", content, "warmed content")
	}
}

func TestReadFileToolConsultsPrefetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.txt")
	if err := os.WriteFile(path, []byte("from prefetch or disk"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	prefetcher := cache.NewPrefetcher(cache.PrefetcherOptions{})
	prefetcher.PrefetchForToolCalls([]cache.QueuedCall{{Name: "read_file", Path: path}})

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	executor := NewToolExecutor(logger)
	registerFileTools(executor, dir, prefetcher)

	results := executor.Execute(context.Background(), []ToolCall{
		{ID: "1", Function: FunctionCall{Name: "read_file", Arguments: `{"path":"` + path + `"}`}},
	})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Error != nil {
		t.Fatalf("unexpected error: %v", results[0].Error)
	}
	if results[0].Content != "from prefetch or disk" {
		t.Errorf("Content = %q, want %q", results[0].Content, "from prefetch or disk")
	}
}
