// vault_tools.go gives the agent a small persistent key/value store for
// notes, decisions, and context it wants to survive across sessions. The
// store is a flat JSON file under the state directory, written atomically;
// it is NOT a secrets vault — credential storage goes through the OS
// keyring (keyring.go).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/visorcraft/idlehands/internal/atomicfile"
)

// VaultEntry is one stored note.
type VaultEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VaultStore is a file-backed key/value store. All methods are safe for
// concurrent use; every mutation rewrites the backing file atomically.
type VaultStore struct {
	path string

	mu      sync.Mutex
	entries map[string]VaultEntry
	loaded  bool
}

// NewVaultStore builds a store backed by the JSON file at path. The file
// is created lazily on first save.
func NewVaultStore(path string) *VaultStore {
	return &VaultStore{path: path}
}

// load reads the backing file once. A missing file is an empty store; a
// corrupt file is treated as empty rather than failing every operation.
func (v *VaultStore) load() {
	if v.loaded {
		return
	}
	v.loaded = true
	v.entries = map[string]VaultEntry{}

	data, err := os.ReadFile(v.path)
	if err != nil {
		return
	}
	var stored map[string]VaultEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}
	v.entries = stored
}

// flush writes the current entries to disk atomically.
func (v *VaultStore) flush() error {
	data, err := json.MarshalIndent(v.entries, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(v.path, data, 0o600)
}

// Save stores value under key, replacing any previous value.
func (v *VaultStore) Save(key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.load()
	v.entries[key] = VaultEntry{Value: value, UpdatedAt: time.Now().UTC()}
	return v.flush()
}

// Get returns the value stored under key.
func (v *VaultStore) Get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.load()
	e, ok := v.entries[key]
	return e.Value, ok
}

// List returns all keys in sorted order.
func (v *VaultStore) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.load()
	keys := make([]string, 0, len(v.entries))
	for k := range v.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete removes key. Deleting a missing key is a no-op.
func (v *VaultStore) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.load()
	if _, ok := v.entries[key]; !ok {
		return nil
	}
	delete(v.entries, key)
	return v.flush()
}

// Len reports how many entries the store holds.
func (v *VaultStore) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.load()
	return len(v.entries)
}

// RegisterVaultTools registers the vault_save/vault_get/vault_list/
// vault_delete tools against the given store.
func RegisterVaultTools(executor *ToolExecutor, store *VaultStore) {
	executor.Register(
		MakeToolDefinition("vault_save",
			"Save a note to the persistent vault so it survives across sessions. Overwrites any existing value for the key.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string", "description": "Identifier for the note (e.g. 'decision:storage-layer')"},
					"value": map[string]any{"type": "string", "description": "The note content"},
				},
				"required": []string{"key", "value"},
			}),
		func(_ context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("key is required")
			}
			if err := store.Save(key, value); err != nil {
				return nil, fmt.Errorf("saving vault entry: %w", err)
			}
			return fmt.Sprintf("Saved %q (%d bytes)", key, len(value)), nil
		})

	executor.Register(
		MakeToolDefinition("vault_get",
			"Read a note from the persistent vault by key.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key": map[string]any{"type": "string", "description": "Identifier of the note to read"},
				},
				"required": []string{"key"},
			}),
		func(_ context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			value, ok := store.Get(key)
			if !ok {
				return nil, fmt.Errorf("no vault entry %q", key)
			}
			return value, nil
		})

	executor.Register(
		MakeToolDefinition("vault_list",
			"List the keys of all notes in the persistent vault.",
			map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}),
		func(_ context.Context, _ map[string]any) (any, error) {
			keys := store.List()
			if len(keys) == 0 {
				return "vault is empty", nil
			}
			return strings.Join(keys, "\n"), nil
		})

	executor.Register(
		MakeToolDefinition("vault_delete",
			"Delete a note from the persistent vault.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key": map[string]any{"type": "string", "description": "Identifier of the note to delete"},
				},
				"required": []string{"key"},
			}),
		func(_ context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			if err := store.Delete(key); err != nil {
				return nil, fmt.Errorf("deleting vault entry: %w", err)
			}
			return fmt.Sprintf("Deleted %q", key), nil
		})
}
