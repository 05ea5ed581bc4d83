// autosave.go implements the autosave.json/session.lock persisted-state
// shapes from . Grounded on internal/anton/lock.go's PID-based
// lockfile (same acquire/stale/release shape, generalized from an
// anton-specific JSON lock to the plain-text PID lockfile 
// describes for interactive sessions) and internal/atomicfile for the
// write-tmp-then-rename durability guarantee autosave.json requires.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/visorcraft/idlehands/internal/atomicfile"
)

const autosaveFileName = "autosave.json"

// AutosaveMessage is the minimal wire shape of one conversation turn saved
// to autosave.json — enough to reconstruct a session's recent history
// without pulling in the full Session/ConversationEntry persistence model.
type AutosaveMessage struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Timestamp time.Time `json:"timestamp"`
}

// AutosaveState is the exact shape  names for autosave.json:
// {messages, model, harness, cwd, turns, toolCalls, savedAt, pid}.
type AutosaveState struct {
	Messages  []AutosaveMessage `json:"messages"`
	Model     string            `json:"model"`
	Harness   string            `json:"harness"`
	Cwd       string            `json:"cwd"`
	Turns     int               `json:"turns"`
	ToolCalls int               `json:"toolCalls"`
	SavedAt   time.Time         `json:"savedAt"`
	PID       int               `json:"pid"`
}

// SaveAutosave writes state to dataDir/autosave.json atomically (write
// autosave.json.tmp, then rename), stamping SavedAt and PID at write time.
func SaveAutosave(dataDir string, state AutosaveState) error {
	state.SavedAt = time.Now().UTC()
	state.PID = os.Getpid()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("autosave: marshaling state: %w", err)
	}
	return atomicfile.Write(filepath.Join(dataDir, autosaveFileName), data, 0o600)
}

// LoadAutosave reads dataDir/autosave.json, if present. Returns
// (nil, nil) when no autosave exists yet — that's the normal case for a
// fresh session, not an error.
func LoadAutosave(dataDir string) (*AutosaveState, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, autosaveFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("autosave: reading state: %w", err)
	}
	var state AutosaveState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("autosave: parsing state: %w", err)
	}
	return &state, nil
}

// SessionLock is the exclusive-create PID lockfile  names as
// session.lock: "text file with PID; exclusive-create on acquisition;
// removed on clean exit."
type SessionLock struct {
	path string
}

// AcquireSessionLock exclusively creates dataDir/session.lock containing
// the current PID. If the lock already exists and its PID is still alive,
// acquisition fails; a lockfile left by a dead PID is treated as stale and
// reclaimed.
func AcquireSessionLock(dataDir string) (*SessionLock, error) {
	path := filepath.Join(dataDir, "session.lock")

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return nil, fmt.Errorf("session.lock held by running process %d", pid)
			}
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("session lock: removing stale lock: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("session lock: acquiring: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("session lock: writing pid: %w", err)
	}

	return &SessionLock{path: path}, nil
}

// Release removes the lockfile. Safe to call on a nil *SessionLock.
func (l *SessionLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session lock: releasing: %w", err)
	}
	return nil
}
