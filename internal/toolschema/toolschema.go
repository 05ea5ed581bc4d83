// Package toolschema validates tool-call arguments against a tool's
// declared JSON-schema parameters and produces a slimmed form of that
// schema for prompt budgeting. Compiled schemas and their slim renderings
// are cached keyed by a content hash of the raw schema, using
// santhosh-tekuri/jsonschema/v6 as the validation engine.
package toolschema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// cacheEntry holds a compiled schema plus its pre-computed slim rendering.
type cacheEntry struct {
	schema *jsonschema.Schema
	slim   map[string]any
}

// Cache compiles and caches JSON schemas by content hash, so repeated
// calls for the same tool definition (the common case — tool schemas
// rarely change within a session) skip recompilation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewCache builds an empty schema cache.
func NewCache() *Cache {
	return &Cache{entries: map[string]*cacheEntry{}}
}

// HashSchema returns a stable content hash for a raw JSON schema document,
// used as the cache key and as the "content hash" its slimSchema
// description refers to.
func HashSchema(schema map[string]any) (string, error) {
	data, err := json.Marshal(orderedKeys(schema))
	if err != nil {
		return "", fmt.Errorf("toolschema: marshaling schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Cache) get(schema map[string]any) (*cacheEntry, string, error) {
	hash, err := HashSchema(schema)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	entry, ok := c.entries[hash]
	c.mu.Unlock()
	if ok {
		return entry, hash, nil
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, "", fmt.Errorf("toolschema: marshaling schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("toolschema: invalid schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resourceID := "tool://" + hash
	if err := compiler.AddResource(resourceID, doc); err != nil {
		return nil, "", fmt.Errorf("toolschema: adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, "", fmt.Errorf("toolschema: compiling schema: %w", err)
	}

	entry = &cacheEntry{schema: compiled, slim: slim(schema)}

	c.mu.Lock()
	c.entries[hash] = entry
	c.mu.Unlock()

	return entry, hash, nil
}

// Validate checks args against schema's JSON-schema parameters, compiling
// (and caching) the schema on first use. Returns a *jsonschema.ValidationError
// wrapped with context on failure.
func (c *Cache) Validate(schema map[string]any, args map[string]any) error {
	entry, _, err := c.get(schema)
	if err != nil {
		return err
	}
	if err := entry.schema.Validate(args); err != nil {
		return fmt.Errorf("toolschema: validation failed: %w", err)
	}
	return nil
}

// Slim returns a compacted rendering of schema: descriptions are truncated
// to a short prefix, but `required`, `properties`, and `enum` constraints
// are preserved verbatim, so the model still sees everything needed to
// emit a well-formed call after compaction shrinks prompt budget.
func (c *Cache) Slim(schema map[string]any) (map[string]any, error) {
	entry, _, err := c.get(schema)
	if err != nil {
		return nil, err
	}
	return entry.slim, nil
}

const slimDescriptionMaxLen = 120

// slim is the pure transformation Cache.Slim caches the result of.
func slim(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "description":
			if s, ok := v.(string); ok {
				out[k] = truncate(s, slimDescriptionMaxLen)
				continue
			}
			out[k] = v
		case "properties":
			if props, ok := v.(map[string]any); ok {
				slimmed := make(map[string]any, len(props))
				for name, raw := range props {
					if sub, ok := raw.(map[string]any); ok {
						slimmed[name] = slim(sub)
					} else {
						slimmed[name] = raw
					}
				}
				out[k] = slimmed
				continue
			}
			out[k] = v
		default:
			// required, enum, type, and everything else pass through
			// unchanged — only descriptions are ever shortened.
			out[k] = v
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// orderedKeys deep-sorts map keys into a stable structure so that two
// logically identical schemas built from differently-ordered map literals
// hash identically.
func orderedKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyValue{Key: k, Value: orderedKeys(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = orderedKeys(item)
		}
		return out
	default:
		return val
	}
}

type keyValue struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}
