// Package cache provides an optional exact-prompt cache for single-shot,
// tool-free responses, plus a speculative file-content prefetcher keyed by
// absolute path. The response cache persists to disk via atomicfile's
// tmp-then-rename writes so it survives process restarts without ever
// presenting a half-written file to a concurrent reader.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/visorcraft/idlehands/internal/atomicfile"
)

// Entry is one cached response.
type Entry struct {
	Key       string    `json:"key"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	HitCount  int       `json:"hit_count"`
}

// Key computes the cache key  defines: sha256 of
// (model || system || user prompt).
func Key(model, systemPrompt, userPrompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(systemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(userPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

// ResponseCache is an advisory, disk-backed cache of tool-free model
// responses keyed by prompt hash. It is advisory in the strictest sense
// described by its open question: callers MUST only call Put for
// turns that produced zero tool calls. This package does not itself see
// tool calls, so it cannot enforce the invariant — it only provides the
// storage primitive; the Turn Engine is responsible for only calling Put
// immediately after a response with no ToolCalls.
type ResponseCache struct {
	mu         sync.Mutex
	path       string
	ttl        time.Duration
	maxEntries int
	order      []string // insertion order, oldest first, for FIFO eviction
	entries    map[string]*Entry
	logger     *slog.Logger
}

// Options configures a ResponseCache.
type Options struct {
	// Path is the JSON file the cache is persisted to. Empty disables
	// persistence (in-memory only).
	Path string

	// TTL is how long an entry remains valid after CreatedAt.
	TTL time.Duration

	// MaxEntries bounds the cache size; the oldest entry (by insertion
	// order) is evicted once this is exceeded.
	MaxEntries int

	Logger *slog.Logger
}

// New builds a ResponseCache, loading any existing on-disk state.
func New(opts Options) *ResponseCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 500
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &ResponseCache{
		path:       opts.Path,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		entries:    make(map[string]*Entry),
		logger:     logger.With("component", "response_cache"),
	}
	c.load()
	return c
}

type diskFormat struct {
	Entries []*Entry `json:"entries"`
}

func (c *ResponseCache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return // missing file is not an error: first run.
	}
	var df diskFormat
	if err := json.Unmarshal(data, &df); err != nil {
		c.logger.Warn("failed to parse cache file, starting empty", "path", c.path, "error", err)
		return
	}
	for _, e := range df.Entries {
		c.entries[e.Key] = e
		c.order = append(c.order, e.Key)
	}
}

func (c *ResponseCache) persistLocked() {
	if c.path == "" {
		return
	}
	df := diskFormat{Entries: make([]*Entry, 0, len(c.order))}
	for _, k := range c.order {
		if e, ok := c.entries[k]; ok {
			df.Entries = append(df.Entries, e)
		}
	}
	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		c.logger.Warn("failed to marshal cache", "error", err)
		return
	}
	if err := atomicfile.Write(c.path, data, 0o644); err != nil {
		c.logger.Warn("failed to persist cache", "path", c.path, "error", err)
	}
}

// Get returns the cached response for key, or ("", false) on a miss
// (including a stale, past-TTL entry).
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(e.CreatedAt) > c.ttl {
		c.removeLocked(key)
		c.persistLocked()
		return "", false
	}
	e.HitCount++
	c.persistLocked()
	return e.Response, true
}

// Put stores response under key, evicting the oldest entry (FIFO by
// insertion time) if MaxEntries is exceeded.
func (c *ResponseCache) Put(key, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &Entry{Key: key, Response: response, CreatedAt: time.Now()}

	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.persistLocked()
}

func (c *ResponseCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// ---------- Prefetcher ----------

// FileEntry is one speculatively-fetched file.
type FileEntry struct {
	Path      string
	Content   string
	Mtime     time.Time
	FetchedAt time.Time
}

// Prefetcher caches file contents keyed by absolute path, used to hide
// file-read latency for tool calls the engine expects the model to make
// next.
type Prefetcher struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	maxFile    int64
	entries    map[string]*FileEntry
	order      []string
}

// PrefetcherOptions configures a Prefetcher.
type PrefetcherOptions struct {
	TTL        time.Duration
	MaxEntries int
	MaxFileSize int64
}

// NewPrefetcher builds a Prefetcher.
func NewPrefetcher(opts PrefetcherOptions) *Prefetcher {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 32
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 256 * 1024
	}
	return &Prefetcher{
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		maxFile:    opts.MaxFileSize,
		entries:    make(map[string]*FileEntry),
	}
}

// Get returns a cached file's content if present, not expired, and the
// file's mtime on disk has not advanced past the cached mtime.
func (p *Prefetcher) Get(path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[path]
	if !ok {
		return "", false
	}
	if time.Since(e.FetchedAt) > p.ttl {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || info.ModTime().After(e.Mtime) {
		return "", false
	}
	return e.Content, true
}

// put records a successfully-fetched file, evicting the oldest entry by
// insertion order when MaxEntries is exceeded.
func (p *Prefetcher) put(path, content string, mtime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[path]; !exists {
		p.order = append(p.order, path)
	}
	p.entries[path] = &FileEntry{Path: path, Content: content, Mtime: mtime, FetchedAt: time.Now()}

	for len(p.order) > p.maxEntries {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.entries, oldest)
	}
}

// QueuedCall is the subset of a tool call the prefetcher needs to decide
// whether a file read is worth speculating on.
type QueuedCall struct {
	Name string
	Path string // resolved "path"/"file_path" argument, empty if not file-shaped
}

// ReadFileTargets narrows which tool names are worth prefetching for.
var readFileTargets = map[string]bool{
	"read_file": true, "view_file": true, "cat": true, "open_file": true,
}

// PrefetchForToolCalls inspects queued tool calls and speculatively reads
// target files in parallel, bounded by MaxEntries and MaxFileSize,
// matching its "prefetchForToolCalls" contract.
func (p *Prefetcher) PrefetchForToolCalls(calls []QueuedCall) {
	var wg sync.WaitGroup
	seen := make(map[string]bool)
	for _, c := range calls {
		if !readFileTargets[c.Name] || c.Path == "" || seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		if len(seen) > p.maxEntries {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			info, err := os.Stat(path)
			if err != nil || info.Size() > p.maxFile {
				return
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return
			}
			p.put(path, string(data), info.ModTime())
		}(c.Path)
	}
	wg.Wait()
}
