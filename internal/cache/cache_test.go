package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKeyDeterministic(t *testing.T) {
	k1 := Key("gpt-4", "sys", "hello")
	k2 := Key("gpt-4", "sys", "hello")
	if k1 != k2 {
		t.Fatalf("expected deterministic key, got %s vs %s", k1, k2)
	}
	if k1 == Key("gpt-4", "sys", "goodbye") {
		t.Fatalf("different prompts must not collide")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(Options{})
	c.Put("k1", "response one")
	got, ok := c.Get("k1")
	if !ok || got != "response one" {
		t.Fatalf("expected hit with response one, got %q ok=%v", got, ok)
	}
}

func TestGetMissOnMissingKey(t *testing.T) {
	c := New(Options{})
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(Options{TTL: time.Millisecond})
	c.Put("k", "v")
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected stale entry to miss")
	}
}

func TestFIFOEviction(t *testing.T) {
	c := New(Options{MaxEntries: 2})
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected oldest entry 'a' to be evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected newest entry 'c' to survive")
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	c1 := New(Options{Path: path})
	c1.Put("k1", "persisted response")

	c2 := New(Options{Path: path})
	got, ok := c2.Get("k1")
	if !ok || got != "persisted response" {
		t.Fatalf("expected reload to recover entry, got %q ok=%v", got, ok)
	}
}

func TestPrefetcherGetMissWithoutFetch(t *testing.T) {
	p := NewPrefetcher(PrefetcherOptions{})
	if _, ok := p.Get("/nonexistent/path"); ok {
		t.Fatalf("expected miss for never-fetched path")
	}
}

func TestPrefetchForToolCallsPopulatesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPrefetcher(PrefetcherOptions{})
	p.PrefetchForToolCalls([]QueuedCall{{Name: "read_file", Path: path}})

	got, ok := p.Get(path)
	if !ok || got != "hello world" {
		t.Fatalf("expected prefetched content, got %q ok=%v", got, ok)
	}
}

func TestPrefetchSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPrefetcher(PrefetcherOptions{MaxFileSize: 10})
	p.PrefetchForToolCalls([]QueuedCall{{Name: "read_file", Path: path}})

	if _, ok := p.Get(path); ok {
		t.Fatalf("expected oversized file to be skipped")
	}
}

func TestPrefetchInvalidatesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPrefetcher(PrefetcherOptions{})
	p.PrefetchForToolCalls([]QueuedCall{{Name: "read_file", Path: path}})
	if _, ok := p.Get(path); !ok {
		t.Fatalf("expected initial prefetch hit")
	}

	future := time.Now().Add(time.Hour)
	if err := os.WriteFile(path, []byte("v2, much longer now"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if _, ok := p.Get(path); ok {
		t.Fatalf("expected stale cache entry to miss after mtime advanced")
	}
}
