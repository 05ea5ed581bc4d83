package engine

import (
	"os"
	"testing"
	"time"
)

func TestSaveAndLoadAutosaveRoundTrips(t *testing.T) {
	dataDir := t.TempDir()

	state := AutosaveState{
		Messages: []AutosaveMessage{
			{User: "hello", Assistant: "hi there", Timestamp: time.Now().UTC()},
		},
		Model:     "qwen3-coder",
		Harness:   "qwen3-coder",
		Cwd:       "/tmp/project",
		Turns:     3,
		ToolCalls: 5,
	}

	if err := SaveAutosave(dataDir, state); err != nil {
		t.Fatalf("SaveAutosave: %v", err)
	}

	loaded, err := LoadAutosave(dataDir)
	if err != nil {
		t.Fatalf("LoadAutosave: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected non-nil autosave state")
	}
	if loaded.Model != "qwen3-coder" || loaded.Turns != 3 || loaded.ToolCalls != 5 {
		t.Fatalf("unexpected roundtrip: %+v", loaded)
	}
	if loaded.PID != os.Getpid() {
		t.Fatalf("expected PID to be stamped at save time, got %d", loaded.PID)
	}
	if loaded.SavedAt.IsZero() {
		t.Fatal("expected SavedAt to be stamped")
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].User != "hello" {
		t.Fatalf("unexpected messages: %+v", loaded.Messages)
	}
}

func TestLoadAutosaveReturnsNilWhenAbsent(t *testing.T) {
	dataDir := t.TempDir()
	state, err := LoadAutosave(dataDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state for a fresh directory, got %+v", state)
	}
}

func TestSessionLockAcquireAndRelease(t *testing.T) {
	dataDir := t.TempDir()

	lock, err := AcquireSessionLock(dataDir)
	if err != nil {
		t.Fatalf("AcquireSessionLock: %v", err)
	}

	if _, err := AcquireSessionLock(dataDir); err == nil {
		t.Fatal("expected second acquisition by a live process to fail")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lock2, err := AcquireSessionLock(dataDir)
	if err != nil {
		t.Fatalf("expected re-acquisition after release to succeed, got %v", err)
	}
	lock2.Release()
}

func TestSessionLockReclaimsStaleLock(t *testing.T) {
	dataDir := t.TempDir()

	// A PID essentially guaranteed not to be alive in the test sandbox.
	deadLockPath := dataDir + "/session.lock"
	if err := os.WriteFile(deadLockPath, []byte("999999999"), 0o600); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireSessionLock(dataDir)
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	lock.Release()
}
