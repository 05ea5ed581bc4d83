package anton

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anton.lock")

	l, err := Acquire(path, dir, "tasks.md")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed after release")
	}
}

func TestAcquireRefusesLiveLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anton.lock")

	l1, err := Acquire(path, dir, "tasks.md")
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()

	if _, err := Acquire(path, dir, "tasks.md"); err == nil {
		t.Fatalf("expected second acquire to be refused while first is live")
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anton.lock")

	// Simulate a stale lock from a dead process with an old heartbeat.
	stale := LockState{
		PID:         999999, // very unlikely to be a live pid
		StartedAt:   time.Now().Add(-time.Hour),
		HeartbeatAt: time.Now().Add(-time.Hour),
		Cwd:         dir,
		TaskFile:    "tasks.md",
	}
	if err := writeLockState(path, stale); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(path, dir, "tasks.md")
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got error: %v", err)
	}
	defer l.Release()
}
